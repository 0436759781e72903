package monitor

import "strings"

// sensitiveTerms flags payload keys whose values must never reach the trace
// buffer unredacted.
var sensitiveTerms = []string{"password", "token", "secret", "key", "auth"}

const redactedValue = "[REDACTED]"

// SanitizePayload returns a deep copy of the payload with every value under
// a sensitive key replaced, recursing through nested maps and slices. The
// original payload is never touched; published events are immutable.
func SanitizePayload(payload map[string]interface{}) map[string]interface{} {
	if payload == nil {
		return nil
	}

	sanitized := make(map[string]interface{}, len(payload))
	for key, value := range payload {
		if isSensitiveKey(key) {
			sanitized[key] = redactedValue
			continue
		}
		sanitized[key] = sanitizeValue(value)
	}
	return sanitized
}

func sanitizeValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return SanitizePayload(v)
	case []interface{}:
		sanitized := make([]interface{}, len(v))
		for i, item := range v {
			sanitized[i] = sanitizeValue(item)
		}
		return sanitized
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
