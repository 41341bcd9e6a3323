// Package service implements QR-based attendance: teachers open a session and display a
// rotating signed code, students scan it to check in.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolhub/backend/internal/attendance/domain"
	"schoolhub/backend/internal/attendance/repository"
	"schoolhub/backend/internal/qrtoken"
)

var (
	ErrSessionNotFound  = errors.New("attendance session not found")
	ErrSessionClosed    = errors.New("attendance session is closed")
	ErrForbidden        = errors.New("not the session's teacher")
	ErrNotEnrolled      = errors.New("student is not enrolled in this class")
	ErrAlreadyCheckedIn = repository.ErrAlreadyCheckedIn
	ErrInvalidToken     = errors.New("invalid or expired check-in code")
	ErrLocationRequired = errors.New("location required for this session")
	ErrOutsideGeofence  = errors.New("outside the classroom area")
	ErrInvalidInput     = errors.New("invalid input")
)

// QRCode is a freshly signed check-in token and its validity window.
type QRCode struct {
	Token     string    `json:"token"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// CheckInInput is a student's scan. Latitude and Longitude are required only for geofenced sessions.
type CheckInInput struct {
	StudentID string
	Token     string
	Latitude  *float64
	Longitude *float64
}

// Option configures an AttendanceService.
type Option func(*AttendanceService)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *AttendanceService) { s.now = now }
}

// AttendanceService opens sessions, issues QR codes and records check-ins.
type AttendanceService struct {
	repo   repository.Repository
	signer *qrtoken.Signer
	maxAge time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewAttendanceService returns a service signing codes with signer. maxAge is advertised as the
// code's expiry and should match the signer's window.
func NewAttendanceService(repo repository.Repository, signer *qrtoken.Signer, maxAge time.Duration, log *zap.Logger, opts ...Option) *AttendanceService {
	if log == nil {
		log = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = qrtoken.DefaultMaxAge
	}
	s := &AttendanceService{repo: repo, signer: signer, maxAge: maxAge, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open starts an attendance session for classID owned by teacherID.
func (s *AttendanceService) Open(ctx context.Context, teacherID, classID string, fence *domain.Geofence) (*domain.Session, error) {
	classID = strings.TrimSpace(classID)
	if teacherID == "" || classID == "" {
		return nil, ErrInvalidInput
	}
	if fence != nil {
		if err := fence.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
	}
	sess := &domain.Session{
		ID:        uuid.New().String(),
		ClassID:   classID,
		TeacherID: teacherID,
		IsActive:  true,
		Geofence:  fence,
		CreatedAt: s.now().UTC(),
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create attendance session: %w", err)
	}
	s.log.Info("attendance session opened",
		zap.String("session_id", sess.ID),
		zap.String("class_id", classID),
		zap.Bool("geofenced", fence != nil))
	return sess, nil
}

// owned loads the session and checks teacherID owns it.
func (s *AttendanceService) owned(ctx context.Context, teacherID, sessionID string) (*domain.Session, error) {
	sess, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("get attendance session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if sess.TeacherID != teacherID {
		return nil, ErrForbidden
	}
	return sess, nil
}

// Close ends the session. Closing a closed session is a no-op.
func (s *AttendanceService) Close(ctx context.Context, teacherID, sessionID string) error {
	if _, err := s.owned(ctx, teacherID, sessionID); err != nil {
		return err
	}
	if _, err := s.repo.CloseSession(ctx, sessionID, s.now().UTC()); err != nil {
		return fmt.Errorf("close attendance session: %w", err)
	}
	return nil
}

// IssueQR signs a fresh code for an active session. Only the owning teacher may request one.
func (s *AttendanceService) IssueQR(ctx context.Context, teacherID, sessionID string) (*QRCode, error) {
	sess, err := s.owned(ctx, teacherID, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsActive {
		return nil, ErrSessionClosed
	}
	now := s.now().UTC()
	token, err := s.signer.Issue(sess.ID, now)
	if err != nil {
		return nil, fmt.Errorf("sign check-in code: %w", err)
	}
	return &QRCode{Token: token, IssuedAt: now, ExpiresAt: now.Add(s.maxAge)}, nil
}

// CheckIn verifies the scanned code, then requires an active session, enrollment in its class
// and, for geofenced sessions, a location inside the fence. A student checks in at most once.
func (s *AttendanceService) CheckIn(ctx context.Context, in CheckInInput) (*domain.Record, error) {
	if in.StudentID == "" || strings.TrimSpace(in.Token) == "" {
		return nil, ErrInvalidInput
	}
	now := s.now().UTC()
	payload, err := s.signer.Verify(in.Token, now)
	if err != nil {
		s.log.Info("check-in code rejected", zap.String("student_id", in.StudentID), zap.Error(err))
		return nil, ErrInvalidToken
	}
	sess, err := s.repo.GetSession(ctx, payload.SubjectID)
	if err != nil {
		return nil, fmt.Errorf("get attendance session: %w", err)
	}
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	if !sess.IsActive {
		return nil, ErrSessionClosed
	}
	enrolled, err := s.repo.IsEnrolled(ctx, sess.ClassID, in.StudentID)
	if err != nil {
		return nil, fmt.Errorf("check enrollment: %w", err)
	}
	if !enrolled {
		return nil, ErrNotEnrolled
	}
	if sess.Geofence != nil {
		if in.Latitude == nil || in.Longitude == nil {
			return nil, ErrLocationRequired
		}
		if !domain.ValidCoordinates(*in.Latitude, *in.Longitude) {
			return nil, ErrInvalidInput
		}
		if !sess.Geofence.Contains(*in.Latitude, *in.Longitude) {
			return nil, ErrOutsideGeofence
		}
	}
	rec := &domain.Record{SessionID: sess.ID, StudentID: in.StudentID, CheckedInAt: now}
	if err := s.repo.RecordCheckIn(ctx, rec); err != nil {
		if errors.Is(err, repository.ErrAlreadyCheckedIn) {
			return nil, ErrAlreadyCheckedIn
		}
		return nil, fmt.Errorf("record check-in: %w", err)
	}
	return rec, nil
}

// Records lists the session's check-ins for its teacher.
func (s *AttendanceService) Records(ctx context.Context, teacherID, sessionID string) ([]*domain.Record, error) {
	if _, err := s.owned(ctx, teacherID, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListRecords(ctx, sessionID)
}

// Enroll adds studentID to classID's roster.
func (s *AttendanceService) Enroll(ctx context.Context, classID, studentID string) error {
	if strings.TrimSpace(classID) == "" || strings.TrimSpace(studentID) == "" {
		return ErrInvalidInput
	}
	return s.repo.Enroll(ctx, classID, studentID)
}
