package tracing

import (
	"errors"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

var sensitiveKeys = []string{"token", "secret", "password", "signature", "payment_method"}

// SafeAttributes drops attributes whose key names a credential.
func SafeAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if isSensitive(string(attr.Key)) {
			continue
		}
		out = append(out, attr)
	}
	return out
}

// SafeError strips the error down to its message so wrapped payloads are not attached to spans.
func SafeError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if isSensitive(msg) {
		return errors.New("redacted")
	}
	return errors.New(msg)
}

func isSensitive(value string) bool {
	value = strings.ToLower(value)
	for _, key := range sensitiveKeys {
		if strings.Contains(value, key) {
			return true
		}
	}
	return false
}
