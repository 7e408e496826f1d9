// Package contract extracts and validates the JSON contracts the engine
// requires from model responses.
package contract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Error marks a response that is missing, not an object, or violates the
// declared contract for its stage.
type Error struct {
	Msg string
}

func (e *Error) Error() string { return "contract violation: " + e.Msg }

func Errorf(format string, args ...any) error {
	return &Error{Msg: fmt.Sprintf(format, args...)}
}

// ExtractText pulls the assistant text out of a response envelope.
// Preference order: output_text string, then the concatenated text parts of
// output[*].content[*], then a top-level text/content/message string, then
// the serialized envelope.
func ExtractText(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	if s, ok := resp["output_text"].(string); ok && s != "" {
		return s
	}
	var parts []string
	if output, ok := resp["output"].([]any); ok {
		for _, item := range output {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			content, ok := m["content"].([]any)
			if !ok {
				continue
			}
			for _, c := range content {
				cm, ok := c.(map[string]any)
				if !ok {
					continue
				}
				typ, _ := cm["type"].(string)
				if typ != "output_text" && typ != "text" {
					continue
				}
				if txt, ok := cm["text"].(string); ok && txt != "" {
					parts = append(parts, txt)
				}
			}
		}
	}
	if len(parts) > 0 {
		return strings.Join(parts, "\n")
	}
	for _, key := range []string{"text", "content", "message"} {
		if s, ok := resp[key].(string); ok && s != "" {
			return s
		}
	}
	b, err := json.Marshal(resp)
	if err != nil {
		return fmt.Sprintf("%v", resp)
	}
	return string(b)
}

// embeddedObjectRe grabs the widest {...} span so JSON wrapped in prose
// still parses.
var embeddedObjectRe = regexp.MustCompile(`(?s)(\{.*\})`)

// ParseJSONStrict parses text into a JSON object. Non-object JSON values
// fail; unparseable text gets one recovery pass over the first embedded
// {...} span.
func ParseJSONStrict(text string) (map[string]any, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, Errorf("empty response text")
	}
	var v any
	if err := decodeJSON(trimmed, &v); err == nil {
		if obj, ok := v.(map[string]any); ok {
			return obj, nil
		}
		return nil, Errorf("response JSON must be an object, got %T", v)
	}
	if m := embeddedObjectRe.FindString(trimmed); m != "" {
		var rec any
		if err := decodeJSON(m, &rec); err == nil {
			if obj, ok := rec.(map[string]any); ok {
				return obj, nil
			}
		}
	}
	return nil, Errorf("response is not valid JSON")
}

func decodeJSON(s string, v *any) error {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec.Decode(v)
}

// ValidatePaths enforces the path-safety contract on model-declared output
// paths: non-empty POSIX-relative, no leading separators, no ".." segments,
// no backslashes, unique.
func ValidatePaths(paths []string) error {
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			return Errorf("empty path")
		}
		if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
			return Errorf("absolute path not allowed: %q", p)
		}
		if strings.Contains(p, `\`) {
			return Errorf("backslash not allowed in path: %q", p)
		}
		for _, seg := range strings.Split(p, "/") {
			if seg == ".." {
				return Errorf("parent traversal not allowed: %q", p)
			}
		}
		if _, dup := seen[p]; dup {
			return Errorf("duplicate path: %q", p)
		}
		seen[p] = struct{}{}
	}
	return nil
}

// SplitText cuts s into pieces of at most size runs of bytes, preserving
// concatenation. An empty string yields one empty chunk.
func SplitText(s string, size int) []string {
	if size <= 0 {
		return []string{s}
	}
	if s == "" {
		return []string{""}
	}
	var chunks []string
	for len(s) > size {
		chunks = append(chunks, s[:size])
		s = s[size:]
	}
	return append(chunks, s)
}
