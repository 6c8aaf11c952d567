package logger

import (
	"log/slog"
	"strings"
)

// Attribute names holding key material. Matching is by substring of the
// lower-cased key, so "security.master_key" matches too.
var sensitiveKeyPatterns = []string{
	"master_key",
	"passphrase",
	"password",
	"secret",
	"salt",
	"credential",
}

const redactedValue = "***REDACTED***"

func redactSensitive(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindGroup:
		attrs := a.Value.Group()
		out := make([]slog.Attr, len(attrs))
		for i, attr := range attrs {
			out[i] = redactSensitive(attr)
		}
		return slog.Attr{Key: a.Key, Value: slog.GroupValue(out...)}
	case slog.KindString:
		if a.Value.String() != "" && IsSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
	case slog.KindAny:
		if b, ok := a.Value.Any().([]byte); ok && len(b) > 0 && IsSensitiveKey(a.Key) {
			return slog.String(a.Key, redactedValue)
		}
	}
	return a
}

// IsSensitiveKey reports whether an attribute or config key names key
// material.
func IsSensitiveKey(key string) bool {
	keyLower := strings.ToLower(key)
	for _, pattern := range sensitiveKeyPatterns {
		if strings.Contains(keyLower, pattern) {
			return true
		}
	}
	return false
}

// Redact returns the placeholder for a non-empty value.
func Redact(value string) string {
	if value == "" {
		return ""
	}
	return redactedValue
}
