// Package logging provides log-safety helpers for the audit monitor.
// Configuration values that may carry credentials (webhook URLs, DTLS
// pre-shared keys, broker passwords) pass through these before being logged.
package logging

import (
	"net/url"
	"strings"
)

// sensitiveKeys contains config field names whose values must never be
// logged verbatim.
var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"secret_key":    true,
	"token":         true,
	"api_key":       true,
	"psk":           true,
	"signing_key":   true,
	"access_key":    true,
	"webhook_url":   true,
	"authorization": true,
}

// MaskedValue is the string used in place of sensitive values.
const MaskedValue = "[REDACTED]"

// MaskValue masks a value when the field name indicates a credential.
func MaskValue(fieldName, value string) string {
	if value == "" {
		return value
	}
	if IsSensitiveField(fieldName) {
		return MaskedValue
	}
	return value
}

// IsSensitiveField checks if a field name indicates credential material.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if sensitiveKeys[lower] {
		return true
	}
	for key := range sensitiveKeys {
		if strings.Contains(lower, key) {
			return true
		}
	}
	return false
}

// MaskURL strips credentials from a URL so the endpoint stays readable in
// logs: userinfo is dropped and query values for credential-like parameters
// are replaced. Unparseable input is masked entirely.
func MaskURL(raw string) string {
	if raw == "" {
		return raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return MaskedValue
	}

	if u.User != nil {
		u.User = url.User(MaskedValue)
	}

	q := u.Query()
	changed := false
	for key := range q {
		if IsSensitiveField(key) {
			q.Set(key, MaskedValue)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// MaskKey shows only the first and last four characters of a key, enough
// to tell configured keys apart without exposing them.
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}
