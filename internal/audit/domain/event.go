package domain

import (
	"errors"
	"regexp"
	"time"
)

// EventType names a security event.
type EventType string

const (
	EventNewDevice            EventType = "new_device"
	EventSessionHijackAttempt EventType = "session_hijack_attempt"
	EventIPChangeDetected     EventType = "ip_change_detected"
	EventDeviceTrustChanged   EventType = "device_trust_changed"
	EventLogoutAll            EventType = "logout_all"
	EventSuspiciousActivity   EventType = "suspicious_activity"
)

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{2,63}$`)

// ErrInvalidEventType is returned for event types that are not lower snake case.
var ErrInvalidEventType = errors.New("audit: invalid event type")

// ValidateEventType accepts lower snake case names of 3 to 64 characters.
func ValidateEventType(t EventType) error {
	if !eventTypePattern.MatchString(string(t)) {
		return ErrInvalidEventType
	}
	return nil
}

// IsReserved reports whether t is written only by the server itself. Clients may not report
// reserved types, so these rows always come from a server-side check.
func IsReserved(t EventType) bool {
	switch t {
	case EventNewDevice, EventSessionHijackAttempt, EventIPChangeDetected,
		EventDeviceTrustChanged, EventLogoutAll, EventSuspiciousActivity:
		return true
	default:
		return false
	}
}

// SecurityEvent is an append-only audit record. UserID is empty when the event has no
// authenticated subject. Details never carry raw IPs, tokens or fingerprints.
type SecurityEvent struct {
	ID        string            `json:"id"`
	UserID    string            `json:"userId,omitempty"`
	EventType EventType         `json:"eventType"`
	Details   map[string]string `json:"details,omitempty"`
	IPHash    string            `json:"ipHash,omitempty"`
	UserAgent string            `json:"userAgent,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}
