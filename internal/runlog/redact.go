package runlog

import "strings"

const redactedPlaceholder = "***REDACTED***"

// secretKeys lists the lowercased key names whose values are never written
// to disk.
var secretKeys = map[string]struct{}{
	"authorization":  {},
	"api_key":        {},
	"openai_api_key": {},
	"password":       {},
	"ssh_password":   {},
	"smtp_password":  {},
	"token":          {},
	"bearer":         {},
}

// Redact deep-copies v, replacing secret-keyed values and any string that
// carries a bearer-token marker. The input is never mutated.
func Redact(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, secret := secretKeys[strings.ToLower(k)]; secret {
				out[k] = redactedPlaceholder
				continue
			}
			out[k] = Redact(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = Redact(item)
		}
		return out
	case string:
		if strings.Contains(strings.ToLower(t), "bearer ") {
			return redactedPlaceholder
		}
		return t
	default:
		return v
	}
}
