package observability

import (
	"strings"
	"unicode"
)

const (
	defaultStringLimit = 256
	routeLimit         = 180
	methodLimit        = 10
)

// sensitiveKeys never reach a log line. Keys are compared lower-cased.
var sensitiveKeys = map[string]bool{
	"authorization":   true,
	"client_id":       true,
	"consumer_key":    true,
	"consumer_secret": true,
	"order_key":       true,
	"password":        true,
	"secret":          true,
	"secret_key":      true,
	"signature":       true,
	"x_signature":     true,
}

// sanitizeString drops control characters except tab and truncates to limit runes, so
// customer input cannot forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}
	kept := 0
	return strings.Map(func(r rune) rune {
		if (unicode.IsControl(r) && r != '\t') || kept >= limit {
			return -1
		}
		kept++
		return r
	}, value)
}

// SanitizeRoute strips control characters and caps the length of a route or path. An empty
// route logs as "/".
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, routeLimit)
}

// SanitizeMethod strips control characters from an HTTP method and caps its length.
func SanitizeMethod(method string) string {
	return sanitizeString(method, methodLimit)
}

// RedactFields copies fields without credential-bearing keys and with string values sanitized.
func RedactFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(fields))
	for key, value := range fields {
		if sensitiveKeys[strings.ToLower(strings.TrimSpace(key))] {
			continue
		}
		if s, ok := value.(string); ok {
			value = sanitizeString(s, defaultStringLimit)
		}
		out[key] = value
	}
	return out
}
