package repository

import (
	"context"
	"time"

	devicedomain "schoolhub/backend/internal/device/domain"
	"schoolhub/backend/internal/session/domain"
)

// CreateParams is everything the store needs to record a login. IDs are chosen by the caller;
// NewDeviceID is only used when the fingerprint is new for the user.
type CreateParams struct {
	SessionID       string
	NewDeviceID     string
	UserID          string
	Role            string
	TokenHash       string
	FingerprintHash string
	IPHash          string
	UserAgent       string
	DeviceName      string
	Now             time.Time
}

// CreateResult describes the outcome of a login.
type CreateResult struct {
	Session     *domain.Session
	Device      *devicedomain.Device
	IsNewDevice bool
	// Superseded is the number of previously valid sessions invalidated by this login.
	Superseded int
}

// Judge inspects a locked, valid session and returns the reason to invalidate it, or ""
// to keep it. It must not block or perform I/O.
type Judge func(s *domain.Session) domain.InvalidationReason

// Store persists sessions and the device rows created by logins. Implementations serialize
// mutations per user so that at most one session per user is valid at any time.
type Store interface {
	// CreateSession invalidates every valid session of the user (reason superseded), inserts the
	// new session and upserts the device, all in one atomic step.
	CreateSession(ctx context.Context, p CreateParams) (*CreateResult, error)
	// Check looks up the valid session for tokenHash, applies judge and then either invalidates
	// the session or sets last_active to now, atomically with the read. Returns (nil, "", nil)
	// when there is no valid session for tokenHash. The returned reason is what judge decided.
	Check(ctx context.Context, tokenHash string, now time.Time, judge Judge) (*domain.Session, domain.InvalidationReason, error)
	// Invalidate marks the session invalid if it is still valid. Invalidating an invalid or
	// unknown session is a no-op and keeps the first reason. Reports whether a row changed.
	Invalidate(ctx context.Context, tokenHash string, reason domain.InvalidationReason, at time.Time) (bool, error)
	// InvalidateAll invalidates every valid session of the user and returns the count.
	InvalidateAll(ctx context.Context, userID string, reason domain.InvalidationReason, at time.Time) (int, error)
	// ListByUser returns the user's most recent sessions (valid or not), newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error)
}
