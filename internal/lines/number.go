package lines

import "strings"

// NormalizeNumber canonicalizes a public line number for matching across
// providers. Rejected values return "". Rules: trim; empty, non-alphanumeric
// or longer than six characters is rejected; purely numeric values drop
// leading zeros ("04" -> "4"); alphanumeric values are upper-cased.
func NormalizeNumber(value string) string {
	raw := strings.TrimSpace(value)
	if raw == "" || len(raw) > 6 {
		return ""
	}

	digitsOnly := true
	for _, c := range raw {
		switch {
		case c >= '0' && c <= '9':
		case (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z'):
			digitsOnly = false
		default:
			return ""
		}
	}

	if digitsOnly {
		trimmed := strings.TrimLeft(raw, "0")
		if trimmed == "" {
			return "0"
		}
		return trimmed
	}
	return strings.ToUpper(raw)
}

// IsNumeric reports whether a normalized line number is purely numeric.
func IsNumeric(value string) bool {
	if value == "" {
		return false
	}
	for _, c := range value {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
