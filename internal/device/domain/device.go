package domain

import (
	"fmt"
	"time"
)

// TrustState is how much the system trusts a (user, fingerprint) pairing.
type TrustState string

const (
	// TrustUnknown is a device seen for the first time.
	TrustUnknown TrustState = "unknown"
	// TrustSeen is a returning device the user has not explicitly trusted.
	TrustSeen TrustState = "seen"
	// TrustTrusted is set by the user or an administrator and survives later logins.
	TrustTrusted TrustState = "trusted"
)

// ParseTrustState validates s.
func ParseTrustState(s string) (TrustState, error) {
	switch TrustState(s) {
	case TrustUnknown, TrustSeen, TrustTrusted:
		return TrustState(s), nil
	default:
		return "", fmt.Errorf("unknown trust state %q", s)
	}
}

// AfterLogin returns the state a device moves to when the user logs in from it again.
func (s TrustState) AfterLogin() TrustState {
	if s == TrustTrusted {
		return TrustTrusted
	}
	return TrustSeen
}

// Device is a recognized (user, fingerprint) pairing. Unique on (UserID, FingerprintHash)
// and never hard-deleted by the login flow.
type Device struct {
	ID              string
	UserID          string
	FingerprintHash string
	DeviceName      string
	IPHash          string // most recent
	FirstSeen       time.Time
	LastSeen        time.Time
	LoginCount      int
	TrustState      TrustState
}

// IsTrusted reports whether the device is in the trusted state.
func (d *Device) IsTrusted() bool {
	return d != nil && d.TrustState == TrustTrusted
}
