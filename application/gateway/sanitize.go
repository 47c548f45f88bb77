package gateway

import (
	"encoding/json"
	"strings"
	"unicode/utf8"
)

// SanitizeLabel trims surrounding whitespace and clamps the label to the
// given rune length. Clamping here is a defensive second layer behind the
// size validation, which rejects oversized labels outright.
func SanitizeLabel(label string, maxLen int) string {
	label = strings.TrimSpace(label)
	if maxLen > 0 && utf8.RuneCountInString(label) > maxLen {
		runes := []rune(label)
		label = string(runes[:maxLen])
	}
	return label
}

// SanitizeProperties trims every key and value and drops the whole map in
// favor of an empty one when its serialized size exceeds the byte budget.
// Replacing rather than failing keeps a defensive fallback from turning
// into a second rejection path.
func SanitizeProperties(props map[string]string, maxBytes int) map[string]string {
	if props == nil {
		return map[string]string{}
	}
	clean := make(map[string]string, len(props))
	for k, v := range props {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		clean[k] = strings.TrimSpace(v)
	}
	if maxBytes > 0 && serializedSize(clean) > maxBytes {
		return map[string]string{}
	}
	return clean
}

// serializedSize measures the JSON footprint of a property map.
func serializedSize(props map[string]string) int {
	b, err := json.Marshal(props)
	if err != nil {
		return 0
	}
	return len(b)
}
