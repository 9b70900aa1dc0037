package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder used for secret material in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the redacted placeholder for non-empty values. Empty
// values pass through so absent secrets stay visibly absent.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// MaskField builds a slog attribute whose value is always redacted. Key
// material and bearer tokens are logged through this, never directly.
func MaskField(key, value string) slog.Attr {
	return slog.String(key, MaskValue(value))
}
