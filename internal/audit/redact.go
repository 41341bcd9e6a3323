package audit

import (
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	redacted          = "[redacted]"
	maxDetailValueLen = 256
	maxUserAgentLen   = 512
	hashPrefixLen     = 8
)

var (
	sensitiveKeys = map[string]struct{}{
		"ip":            {},
		"ip_address":    {},
		"ipaddress":     {},
		"password":      {},
		"token":         {},
		"session_token": {},
		"sessiontoken":  {},
		"fingerprint":   {},
		"secret":        {},
		"authorization": {},
		"cookie":        {},
	}
	longHex = regexp.MustCompile(`^[0-9a-fA-F]{16,}$`)
)

// Redact returns a copy of details that is safe to persist: values of credential-like keys are
// replaced, raw IP addresses are replaced, full hashes are cut to a short prefix and long values
// are truncated.
func Redact(details map[string]string) map[string]string {
	if len(details) == 0 {
		return nil
	}
	out := make(map[string]string, len(details))
	for k, v := range details {
		switch {
		case isSensitiveKey(k):
			out[k] = redacted
		case net.ParseIP(strings.TrimSpace(v)) != nil:
			out[k] = redacted
		case longHex.MatchString(v):
			out[k] = v[:hashPrefixLen]
		default:
			out[k] = truncate(v, maxDetailValueLen)
		}
	}
	return out
}

func isSensitiveKey(k string) bool {
	_, ok := sensitiveKeys[strings.ToLower(k)]
	return ok
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
