// Package repository persists attendance sessions, class enrollments and check-in records.
package repository

import (
	"context"
	"errors"
	"time"

	"schoolhub/backend/internal/attendance/domain"
)

// ErrAlreadyCheckedIn is returned by RecordCheckIn when the student already has a record.
var ErrAlreadyCheckedIn = errors.New("already checked in")

// Repository is the attendance store. Get methods return (nil, nil) when the row does not exist.
type Repository interface {
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	// CloseSession marks the session inactive. Returns false when it was already closed or missing.
	CloseSession(ctx context.Context, id string, at time.Time) (bool, error)
	Enroll(ctx context.Context, classID, studentID string) error
	IsEnrolled(ctx context.Context, classID, studentID string) (bool, error)
	// RecordCheckIn inserts the record or returns ErrAlreadyCheckedIn.
	RecordCheckIn(ctx context.Context, r *domain.Record) error
	// ListRecords returns the session's check-ins, earliest first.
	ListRecords(ctx context.Context, sessionID string) ([]*domain.Record, error)
}
