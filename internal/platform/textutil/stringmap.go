package textutil

import "strings"

// NormalizeStringMap trims keys and values, removing entries with empty
// keys. Gateway metadata and Razorpay notes go through this before they are
// forwarded, since both providers reject blank keys.
func NormalizeStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		result[trimmedKey] = strings.TrimSpace(value)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
