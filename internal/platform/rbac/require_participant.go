// Package rbac resolves the caller from the request context and checks per-resource roles.
package rbac

import (
	"context"
	"errors"
	"fmt"

	"schoolhub/backend/internal/meeting/domain"
	"schoolhub/backend/internal/server/interceptors"
)

// Roles issued by the identity provider.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

var (
	// ErrUnauthenticated is returned when the context carries no session identity.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrForbidden is returned when the caller lacks the required membership or role.
	ErrForbidden = errors.New("forbidden")
)

// ParticipantGetter returns a user's participation in a meeting, or (nil, nil).
type ParticipantGetter interface {
	GetParticipant(ctx context.Context, meetingID, userID string) (*domain.Participant, error)
}

// RequireUser returns the authenticated user id from ctx.
func RequireUser(ctx context.Context) (string, error) {
	userID, ok := interceptors.GetUserID(ctx)
	if !ok {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// RequireRole returns the authenticated user id when the session's role is one of roles.
func RequireRole(ctx context.Context, roles ...string) (string, error) {
	userID, err := RequireUser(ctx)
	if err != nil {
		return "", err
	}
	role, ok := interceptors.GetRole(ctx)
	if !ok {
		return "", ErrForbidden
	}
	for _, r := range roles {
		if role == r {
			return userID, nil
		}
	}
	return "", ErrForbidden
}

// RequireMeetingParticipant ensures the caller is authenticated and listed for meetingID.
func RequireMeetingParticipant(ctx context.Context, getter ParticipantGetter, meetingID string) (*domain.Participant, error) {
	userID, err := RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	p, err := getter.GetParticipant(ctx, meetingID, userID)
	if err != nil {
		return nil, fmt.Errorf("resolve participant: %w", err)
	}
	if p == nil {
		return nil, ErrForbidden
	}
	return p, nil
}

// RequireMeetingHost is RequireMeetingParticipant restricted to the host role.
func RequireMeetingHost(ctx context.Context, getter ParticipantGetter, meetingID string) (*domain.Participant, error) {
	p, err := RequireMeetingParticipant(ctx, getter, meetingID)
	if err != nil {
		return nil, err
	}
	if p.Role != domain.RoleHost {
		return nil, ErrForbidden
	}
	return p, nil
}
