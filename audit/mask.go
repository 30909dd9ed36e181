package audit

import (
	"bytes"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Masked replaces every secret value.
const Masked = "********"

// SensitiveFields are body fields whose values are never stored.
var SensitiveFields = []string{
	"password",
	"client_secret",
	"app_password",
	"token",
	"access_token",
	"refresh_token",
}

var sensitiveHeaders = map[string]bool{
	"Apikey":     true,
	"Cookie":     true,
	"Set-Cookie": true,
}

var formSecret = regexp.MustCompile(`(?i)(^|[&?\s])(` + strings.Join(SensitiveFields, "|") + `)=([^&\s]*)`)

// MaskHeaders flattens h and hides credentials. Authorization keeps only
// its scheme word.
func MaskHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		value := strings.Join(values, ", ")
		switch {
		case canonical == "Authorization":
			value = maskAuthorization(value)
		case sensitiveHeaders[canonical]:
			value = Masked
		}
		out[canonical] = value
	}
	return out
}

func maskAuthorization(value string) string {
	for _, scheme := range []string{"Bearer", "Basic"} {
		if len(value) > len(scheme) && strings.EqualFold(value[:len(scheme)+1], scheme+" ") {
			return scheme + " " + Masked
		}
	}
	return value
}

// MaskBody hides sensitive fields of a JSON body, falling back to
// form-encoded key=value matching when the body is not JSON.
func MaskBody(body string) string {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return body
	}
	if trimmed[0] == '{' || trimmed[0] == '[' {
		var doc any
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
			if !maskValue(doc) {
				return body
			}
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(doc); err == nil {
				return strings.TrimSuffix(buf.String(), "\n")
			}
		}
	}
	return formSecret.ReplaceAllString(body, "${1}${2}="+Masked)
}

// maskValue masks sensitive keys in place, whatever their value, and
// reports whether any changed.
func maskValue(v any) bool {
	changed := false
	switch t := v.(type) {
	case map[string]any:
		for k := range t {
			if isSensitive(k) {
				t[k] = Masked
				changed = true
				continue
			}
			if maskValue(t[k]) {
				changed = true
			}
		}
	case []any:
		for _, item := range t {
			if maskValue(item) {
				changed = true
			}
		}
	}
	return changed
}

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	for _, f := range SensitiveFields {
		if lower == f {
			return true
		}
	}
	return false
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
