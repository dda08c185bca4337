package masking

import "strings"

const maskToken = "****"

// MaskSecret redacts a value while keeping its last four characters, and
// any underscore prefix such as "pi_", so the entry stays searchable.
func MaskSecret(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}

	prefix, remainder := splitPrefix(trimmed)
	if len(remainder) <= 4 {
		return prefix + maskToken
	}

	return prefix + maskToken + remainder[len(remainder)-4:]
}

// MaskFields masks the named string entries of payload in place.
func MaskFields(payload map[string]any, keys ...string) {
	for _, key := range keys {
		if raw, ok := payload[key].(string); ok {
			payload[key] = MaskSecret(raw)
		}
	}
}

func splitPrefix(value string) (string, string) {
	lastUnderscore := strings.LastIndex(value, "_")
	if lastUnderscore == -1 || lastUnderscore == len(value)-1 {
		return "", value
	}
	return value[:lastUnderscore+1], value[lastUnderscore+1:]
}
