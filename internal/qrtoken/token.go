// Package qrtoken signs and verifies the short-lived attendance check-in tokens shown as
// live-refreshing QR codes. A token is base64 JSON {sessionId, timestamp, signature} where
// signature = hex(HMAC-SHA256(secret, "<sessionId>:<timestamp>")) and timestamp is Unix ms.
package qrtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrMalformed is returned when the token cannot be decoded or lacks a field.
	ErrMalformed = errors.New("qrtoken: malformed token")
	// ErrInvalidSignature is returned when the signature does not match.
	ErrInvalidSignature = errors.New("qrtoken: invalid signature")
	// ErrExpired is returned when the token is older than MaxAge.
	ErrExpired = errors.New("qrtoken: token expired")
	// ErrNotYetValid is returned when the token claims to be issued more than MaxSkew in the future.
	ErrNotYetValid = errors.New("qrtoken: token issued in the future")
)

// Default freshness window: a token is accepted for 3s after issue and up to 2s before
// the verifier's clock reaches the issue instant.
const (
	DefaultMaxAge  = 3 * time.Second
	DefaultMaxSkew = 2 * time.Second
)

// Payload is the decoded token.
type Payload struct {
	SubjectID  string `json:"sessionId"`
	IssuedAtMs int64  `json:"timestamp"`
	Signature  string `json:"signature"`
}

// wirePayload keeps missing fields distinguishable from zero values.
type wirePayload struct {
	SessionID *string `json:"sessionId"`
	Timestamp *int64  `json:"timestamp"`
	Signature *string `json:"signature"`
}

// Signer issues and verifies tokens with one HMAC key.
type Signer struct {
	key     []byte
	maxAge  time.Duration
	maxSkew time.Duration
}

// NewSigner returns a Signer. Non-positive maxAge and negative maxSkew fall back to the defaults.
func NewSigner(key []byte, maxAge, maxSkew time.Duration) *Signer {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxSkew < 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Signer{key: key, maxAge: maxAge, maxSkew: maxSkew}
}

func (s *Signer) mac(subjectID string, issuedAtMs int64) []byte {
	m := hmac.New(sha256.New, s.key)
	m.Write([]byte(subjectID + ":" + strconv.FormatInt(issuedAtMs, 10)))
	return m.Sum(nil)
}

// Issue returns an encoded token for subjectID stamped with now.
func (s *Signer) Issue(subjectID string, now time.Time) (string, error) {
	if subjectID == "" {
		return "", ErrMalformed
	}
	ms := now.UnixMilli()
	b, err := json.Marshal(Payload{
		SubjectID:  subjectID,
		IssuedAtMs: ms,
		Signature:  hex.EncodeToString(s.mac(subjectID, ms)),
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// Verify decodes token, checks its signature in constant time, then checks freshness
// against now. The signature is checked before the timestamp is trusted.
func (s *Signer) Verify(token string, now time.Time) (*Payload, error) {
	p, err := decode(token)
	if err != nil {
		return nil, err
	}
	presented, err := hex.DecodeString(p.Signature)
	if err != nil || !hmac.Equal(presented, s.mac(p.SubjectID, p.IssuedAtMs)) {
		return nil, ErrInvalidSignature
	}
	age := now.UnixMilli() - p.IssuedAtMs
	if age > s.maxAge.Milliseconds() {
		return nil, ErrExpired
	}
	if age < -s.maxSkew.Milliseconds() {
		return nil, ErrNotYetValid
	}
	return p, nil
}

func decode(token string) (*Payload, error) {
	token = strings.TrimSpace(token)
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		// Scanners sometimes hand over the URL-safe alphabet.
		if raw, err = base64.URLEncoding.DecodeString(token); err != nil {
			return nil, ErrMalformed
		}
	}
	var w wirePayload
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, ErrMalformed
	}
	if w.SessionID == nil || *w.SessionID == "" || w.Timestamp == nil || w.Signature == nil || *w.Signature == "" {
		return nil, ErrMalformed
	}
	return &Payload{SubjectID: *w.SessionID, IssuedAtMs: *w.Timestamp, Signature: *w.Signature}, nil
}
