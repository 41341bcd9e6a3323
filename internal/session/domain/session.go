package domain

import "time"

// InvalidationReason records why a session stopped being valid. The first reason set wins.
type InvalidationReason string

const (
	ReasonLogout              InvalidationReason = "logout"
	ReasonLogoutAll           InvalidationReason = "logout_all"
	ReasonSuperseded          InvalidationReason = "superseded" // a newer login for the same user
	ReasonFingerprintMismatch InvalidationReason = "fingerprint_mismatch"
	ReasonIPChange            InvalidationReason = "ip_change"
	ReasonExpired             InvalidationReason = "session_expired"
	ReasonTimeout             InvalidationReason = "session_timeout" // client inactivity/absolute timer
)

// ParseInvalidationReason accepts the reasons a client may request when ending its own session.
func ParseInvalidationReason(s string) (InvalidationReason, bool) {
	switch r := InvalidationReason(s); r {
	case ReasonLogout, ReasonTimeout:
		return r, true
	case "":
		return ReasonLogout, true
	default:
		return "", false
	}
}

// State is the session lifecycle state. Invalidated is terminal.
type State string

const (
	StateActive      State = "active"
	StateInvalidated State = "invalidated"
)

// Session represents one logical login bound to a device fingerprint.
type Session struct {
	ID              string
	TokenHash       string // SHA-256 of the cookie token; the raw token is never stored
	UserID          string
	Role            string // provider role at login; authorizes staff-only routes
	DeviceID        string
	FingerprintHash string
	IPHash          string
	UserAgent       string
	CreatedAt       time.Time
	LastActive      time.Time
	IsValid         bool
	// InvalidationReason is empty while the session is valid.
	InvalidationReason InvalidationReason
	InvalidatedAt      *time.Time
}

// State returns the lifecycle state.
func (s *Session) State() State {
	if s.IsValid {
		return StateActive
	}
	return StateInvalidated
}

// ValidationReason is the machine-readable outcome of a failed validation. It is logged and
// returned to internal callers; HTTP clients only ever see a generic 401.
type ValidationReason string

const (
	ValidationSessionNotFound     ValidationReason = "session_not_found"
	ValidationFingerprintMismatch ValidationReason = "fingerprint_mismatch"
	ValidationIPChange            ValidationReason = "ip_change"
	ValidationSessionExpired      ValidationReason = "session_expired"
	ValidationInternalError       ValidationReason = "internal_error"
)
