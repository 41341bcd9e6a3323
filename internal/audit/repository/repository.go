package repository

import (
	"context"
	"time"

	"schoolhub/backend/internal/audit/domain"
)

// Repository defines append-only persistence for security events.
type Repository interface {
	Append(ctx context.Context, e *domain.SecurityEvent) error
	// ListSince returns events created strictly after since, oldest first.
	ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.SecurityEvent, error)
	// ListByUser returns the user's events, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.SecurityEvent, error)
}

const defaultLimit = 100
