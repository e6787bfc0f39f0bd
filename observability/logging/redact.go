package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces credentials in log lines.
const RedactedValue = "[REDACTED]"

// hintLen is how many trailing characters of a long credential survive
// masking, enough to tell two configured keys apart.
const hintLen = 4

// MaskValue redacts a credential. Values longer than 16 characters keep a
// short suffix; empty values stay empty.
func MaskValue(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	if len(trimmed) <= 16 {
		return RedactedValue
	}
	return RedactedValue + "..." + trimmed[len(trimmed)-hintLen:]
}

// MaskField returns an attribute carrying the masked form of value.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
