package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"strings"
)

// ErrIncompleteFingerprint is returned when a submitted fingerprint lacks a hashed attribute.
var ErrIncompleteFingerprint = errors.New("incomplete fingerprint")

// Fingerprint is the set of browser attributes a client submits at login and on
// session-bound requests. CookiesEnabled and DoNotTrack are collected but not hashed.
type Fingerprint struct {
	UserAgent        string `json:"userAgent"`
	Language         string `json:"language"`
	Timezone         string `json:"timezone"`
	ScreenResolution string `json:"screenResolution"`
	ColorDepth       int    `json:"colorDepth"`
	Platform         string `json:"platform"`
	CookiesEnabled   bool   `json:"cookiesEnabled"`
	DoNotTrack       string `json:"doNotTrack,omitempty"`
}

// Validate checks that every hashed attribute is present.
func (f Fingerprint) Validate() error {
	if f.UserAgent == "" || f.Language == "" || f.Timezone == "" ||
		f.ScreenResolution == "" || f.Platform == "" || f.ColorDepth <= 0 {
		return ErrIncompleteFingerprint
	}
	return nil
}

// canonical renders the hashed attributes in a fixed order. Each value is length-prefixed
// so that no two attribute sets share a rendering.
func (f Fingerprint) canonical() []byte {
	fields := []string{
		f.UserAgent,
		f.Language,
		f.Timezone,
		f.ScreenResolution,
		strconv.Itoa(f.ColorDepth),
		f.Platform,
	}
	var b strings.Builder
	for _, v := range fields {
		b.WriteString(strconv.Itoa(len(v)))
		b.WriteByte(':')
		b.WriteString(v)
		b.WriteByte(';')
	}
	return []byte(b.String())
}

// FingerprintHasher derives a stable keyed hash from a Fingerprint. The IP address is never
// part of the input; it is hashed separately by IPHasher.
type FingerprintHasher struct {
	key []byte
}

// NewFingerprintHasher returns a hasher keyed with the server-held fingerprint key.
func NewFingerprintHasher(key []byte) *FingerprintHasher {
	return &FingerprintHasher{key: key}
}

// Hash returns the hex HMAC-SHA256 of the canonical attribute string.
func (h *FingerprintHasher) Hash(f Fingerprint) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(f.canonical())
	return hex.EncodeToString(mac.Sum(nil))
}

// IPHasher produces keyed hashes of client IPs so raw addresses are never stored.
type IPHasher struct {
	key []byte
}

// NewIPHasher returns an IPHasher keyed with the server-held IP key.
func NewIPHasher(key []byte) *IPHasher {
	return &IPHasher{key: key}
}

// Hash normalizes ip (so ::ffff:10.0.0.1 and 10.0.0.1 agree) and returns its hex HMAC-SHA256.
// An empty ip hashes to the empty string.
func (h *IPHasher) Hash(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	if parsed := net.ParseIP(ip); parsed != nil {
		ip = parsed.String()
	}
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(ip))
	return hex.EncodeToString(mac.Sum(nil))
}

// HashPrefix returns the first 8 characters of a hash, the only form of a hash that may
// appear in logs and security event details.
func HashPrefix(hash string) string {
	if len(hash) <= 8 {
		return hash
	}
	return hash[:8]
}

// EncodeFingerprintHeader encodes f for the X-Client-Fingerprint header (base64url JSON).
func EncodeFingerprintHeader(f Fingerprint) (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// DecodeFingerprintHeader parses an X-Client-Fingerprint header value. A header that decodes to an
// incomplete fingerprint is rejected here, before it can be compared against a session.
func DecodeFingerprintHeader(v string) (Fingerprint, error) {
	var f Fingerprint
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(v, "="))
	if err != nil {
		return f, ErrIncompleteFingerprint
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return f, ErrIncompleteFingerprint
	}
	if err := f.Validate(); err != nil {
		return Fingerprint{}, err
	}
	return f, nil
}
