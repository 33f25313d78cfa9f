package audit

import "strings"

// maskedValue replaces credential-shaped values before storage. The original
// value never reaches the store, so a leaked audit trail cannot leak secrets.
const maskedValue = "***"

// sensitivePatterns are matched case-insensitively as substrings of field
// names. Portuguese and English variants are both present because callers mix
// the two ("senha" in form payloads, "password" in client libraries).
var sensitivePatterns = []string{
	"senha", "password", "passwd",
	"token", "secret", "segredo",
	"credencial", "credential",
	"apikey", "api_key", "chaveprivada", "private_key",
}

// Sanitize returns a deep copy of details with every credential-shaped field
// masked, including fields nested in maps and slices. The input map is never
// mutated. A nil input yields nil.
func Sanitize(details map[string]interface{}) map[string]interface{} {
	if details == nil {
		return nil
	}
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if isSensitiveField(k) {
			out[k] = maskedValue
			continue
		}
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v interface{}) interface{} {
	switch vv := v.(type) {
	case map[string]interface{}:
		return Sanitize(vv)
	case []interface{}:
		out := make([]interface{}, len(vv))
		for i, item := range vv {
			out[i] = sanitizeValue(item)
		}
		return out
	default:
		return v
	}
}

func isSensitiveField(name string) bool {
	lower := strings.ToLower(name)
	for _, p := range sensitivePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
