package cascade

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Placeholder grammar: {{step.N.kind}} or {{step.N.kind:REL}} for the
// out-file kinds. The interpreter is a public contract of the definition
// format, independent of the runner.
var tokenRe = regexp.MustCompile(`\{\{\s*step\.(\d+)\.(response_id|json|out_file_path|out_file_id)(?::([^}]+))?\s*\}\}`)

type TokenKind string

const (
	TokenResponseID  TokenKind = "response_id"
	TokenJSON        TokenKind = "json"
	TokenOutFilePath TokenKind = "out_file_path"
	TokenOutFileID   TokenKind = "out_file_id"
)

// Token is one parsed placeholder.
type Token struct {
	Step int
	Kind TokenKind
	Rel  string
}

func (t Token) contextKey() string {
	switch t.Kind {
	case TokenOutFilePath, TokenOutFileID:
		return fmt.Sprintf("step.%d.%s:%s", t.Step, t.Kind, t.Rel)
	default:
		return fmt.Sprintf("step.%d.%s", t.Step, t.Kind)
	}
}

func parseToken(m []string) Token {
	n, _ := strconv.Atoi(m[1])
	return Token{
		Step: n,
		Kind: TokenKind(m[2]),
		Rel:  normalizeRel(m[3]),
	}
}

func normalizeRel(rel string) string {
	rel = strings.ReplaceAll(strings.TrimSpace(rel), `\`, "/")
	return strings.TrimLeft(rel, "/")
}

// Tokens parses every placeholder in text, in order of appearance.
func Tokens(text string) []Token {
	var out []Token
	for _, m := range tokenRe.FindAllStringSubmatch(text, -1) {
		out = append(out, parseToken(m))
	}
	return out
}

// Context carries the resolved values of completed steps. Step i+1 only
// ever sees a context fully populated by steps 1..i.
type Context struct {
	values map[string]any
}

func NewContext() *Context {
	return &Context{values: map[string]any{}}
}

func (c *Context) SetResponseID(step int, id string) {
	c.values[fmt.Sprintf("step.%d.response_id", step)] = id
}

func (c *Context) SetJSON(step int, v any) {
	c.values[fmt.Sprintf("step.%d.json", step)] = v
}

func (c *Context) SetOutFile(step int, rel, absPath, fileID string) {
	rel = normalizeRel(rel)
	c.values[fmt.Sprintf("step.%d.out_file_path:%s", step, rel)] = absPath
	c.values[fmt.Sprintf("step.%d.out_file_id:%s", step, rel)] = fileID
}

// Lookup resolves one token to its string form. Unknown references resolve
// to the empty string, matching the tolerant definition format.
func (c *Context) Lookup(t Token) string {
	if (t.Kind == TokenOutFilePath || t.Kind == TokenOutFileID) && t.Rel == "" {
		return ""
	}
	v, ok := c.values[t.contextKey()]
	if !ok || v == nil {
		return ""
	}
	if t.Kind == TokenJSON {
		if s, ok := v.(string); ok {
			return s
		}
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
	s, _ := v.(string)
	return s
}

// ResolveText substitutes every placeholder in text.
func (c *Context) ResolveText(text string) string {
	if text == "" {
		return ""
	}
	return tokenRe.ReplaceAllStringFunc(text, func(raw string) string {
		return c.Lookup(parseToken(tokenRe.FindStringSubmatch(raw)))
	})
}

// ResolveValue walks an arbitrary JSON value and substitutes placeholders
// inside every string leaf.
func (c *Context) ResolveValue(v any) any {
	switch t := v.(type) {
	case string:
		return c.ResolveText(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = c.ResolveValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = c.ResolveValue(e)
		}
		return out
	default:
		return v
	}
}
