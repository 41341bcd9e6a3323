package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"schoolhub/backend/internal/attendance/domain"
)

type sessionRow struct {
	ID           string          `db:"id"`
	ClassID      string          `db:"class_id"`
	TeacherID    string          `db:"teacher_id"`
	IsActive     bool            `db:"is_active"`
	Latitude     sql.NullFloat64 `db:"latitude"`
	Longitude    sql.NullFloat64 `db:"longitude"`
	RadiusMeters sql.NullFloat64 `db:"radius_meters"`
	CreatedAt    time.Time       `db:"created_at"`
	ClosedAt     sql.NullTime    `db:"closed_at"`
}

func (r *sessionRow) toDomain() *domain.Session {
	s := &domain.Session{
		ID:        r.ID,
		ClassID:   r.ClassID,
		TeacherID: r.TeacherID,
		IsActive:  r.IsActive,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Latitude.Valid && r.Longitude.Valid && r.RadiusMeters.Valid {
		s.Geofence = &domain.Geofence{
			Latitude:     r.Latitude.Float64,
			Longitude:    r.Longitude.Float64,
			RadiusMeters: r.RadiusMeters.Float64,
		}
	}
	if r.ClosedAt.Valid {
		t := r.ClosedAt.Time.UTC()
		s.ClosedAt = &t
	}
	return s
}

type recordRow struct {
	SessionID   string    `db:"attendance_session_id"`
	StudentID   string    `db:"student_id"`
	CheckedInAt time.Time `db:"checked_in_at"`
}

// SQLRepository implements Repository on Postgres or SQLite.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns an attendance repository backed by db.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// CreateSession implements Repository.
func (r *SQLRepository) CreateSession(ctx context.Context, s *domain.Session) error {
	var lat, lon, radius sql.NullFloat64
	if g := s.Geofence; g != nil {
		lat = sql.NullFloat64{Float64: g.Latitude, Valid: true}
		lon = sql.NullFloat64{Float64: g.Longitude, Valid: true}
		radius = sql.NullFloat64{Float64: g.RadiusMeters, Valid: true}
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO attendance_sessions
		(id, class_id, teacher_id, is_active, latitude, longitude, radius_meters, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		s.ID, s.ClassID, s.TeacherID, s.IsActive, lat, lon, radius, s.CreatedAt)
	return err
}

// GetSession implements Repository.
func (r *SQLRepository) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var row sessionRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT id, class_id, teacher_id, is_active,
		latitude, longitude, radius_meters, created_at, closed_at
		FROM attendance_sessions WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// CloseSession implements Repository.
func (r *SQLRepository) CloseSession(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE attendance_sessions
		SET is_active = ?, closed_at = ? WHERE id = ? AND is_active = ?`), false, at, id, true)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Enroll implements Repository. Enrolling twice is a no-op.
func (r *SQLRepository) Enroll(ctx context.Context, classID, studentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO class_enrollments (class_id, student_id)
		VALUES (?, ?) ON CONFLICT DO NOTHING`), classID, studentID)
	return err
}

// IsEnrolled implements Repository.
func (r *SQLRepository) IsEnrolled(ctx context.Context, classID, studentID string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM class_enrollments
		WHERE class_id = ? AND student_id = ?`), classID, studentID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RecordCheckIn implements Repository. The primary key makes the insert race-free: the
// second of two concurrent check-ins affects no rows.
func (r *SQLRepository) RecordCheckIn(ctx context.Context, rec *domain.Record) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO attendance_records
		(attendance_session_id, student_id, checked_in_at) VALUES (?, ?, ?)
		ON CONFLICT DO NOTHING`), rec.SessionID, rec.StudentID, rec.CheckedInAt)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrAlreadyCheckedIn
	}
	return nil
}

// ListRecords implements Repository.
func (r *SQLRepository) ListRecords(ctx context.Context, sessionID string) ([]*domain.Record, error) {
	var rows []recordRow
	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`SELECT attendance_session_id, student_id, checked_in_at
		FROM attendance_records WHERE attendance_session_id = ?
		ORDER BY checked_in_at ASC, student_id ASC`), sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, &domain.Record{SessionID: row.SessionID, StudentID: row.StudentID, CheckedInAt: row.CheckedInAt.UTC()})
	}
	return out, nil
}
