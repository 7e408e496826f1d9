package remote

import (
	"encoding/json"
	"strconv"
)

// The service speaks loosely-typed JSON; numbers arrive as json.Number.
// These helpers normalize access without losing unknown fields.

func AsString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if s, ok := m[key].(string); ok {
		return s
	}
	return ""
}

func AsMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(map[string]any); ok {
		return v
	}
	return nil
}

func AsSlice(m map[string]any, key string) []any {
	if m == nil {
		return nil
	}
	if v, ok := m[key].([]any); ok {
		return v
	}
	return nil
}

func AsInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func AsFloat64(v any) float64 {
	switch n := v.(type) {
	case json.Number:
		if f, err := n.Float64(); err == nil {
			return f
		}
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case string:
		if f, err := strconv.ParseFloat(n, 64); err == nil {
			return f
		}
	}
	return 0
}

// Usage is the token accounting block of a response.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// ParseUsage reads usage.input_tokens/output_tokens, tolerating the legacy
// prompt_tokens/completion_tokens names.
func ParseUsage(resp map[string]any) Usage {
	u := AsMap(resp, "usage")
	if u == nil {
		return Usage{}
	}
	in := AsInt64(u["input_tokens"])
	if in == 0 {
		in = AsInt64(u["prompt_tokens"])
	}
	out := AsInt64(u["output_tokens"])
	if out == 0 {
		out = AsInt64(u["completion_tokens"])
	}
	return Usage{InputTokens: in, OutputTokens: out}
}
