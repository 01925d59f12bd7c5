package audit

import "strings"

const redacted = "[REDACTED]"

var sensitiveKeys = map[string]struct{}{
	"password":        {},
	"hashed_password": {},
	"password_hash":   {},
	"email":           {},
	"username":        {},
	"phone":           {},
	"access_token":    {},
	"refresh_token":   {},
}

// Redact returns a deep copy of data with sensitive keys replaced.
func Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out, _ := redactValue(data).(map[string]any)
	return out
}

func redactValue(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if _, sensitive := sensitiveKeys[strings.ToLower(key)]; sensitive {
				out[key] = redacted
				continue
			}
			out[key] = redactValue(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = redactValue(inner)
		}
		return out
	default:
		return v
	}
}
