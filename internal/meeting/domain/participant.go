// Package domain holds meeting participant types.
package domain

import "errors"

// ErrInvalidParticipant is returned for an empty user id or a role other than host and attendee.
var ErrInvalidParticipant = errors.New("invalid participant")

// Role is a participant's role in a meeting.
type Role string

const (
	RoleHost     Role = "host"
	RoleAttendee Role = "attendee"
)

// ParseRole accepts host or attendee; empty means attendee.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleHost, RoleAttendee:
		return r, nil
	case "":
		return RoleAttendee, nil
	default:
		return "", ErrInvalidParticipant
	}
}

// Participant is a user allowed to join a meeting room.
type Participant struct {
	MeetingID string `json:"meetingId"`
	UserID    string `json:"userId"`
	Role      Role   `json:"role"`
}
