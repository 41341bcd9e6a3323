package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"schoolhub/backend/internal/audit/domain"
)

const eventColumns = `id, user_id, event_type, details, ip_hash, user_agent, created_at`

type eventRow struct {
	ID        string         `db:"id"`
	UserID    sql.NullString `db:"user_id"`
	EventType string         `db:"event_type"`
	Details   string         `db:"details"`
	IPHash    string         `db:"ip_hash"`
	UserAgent string         `db:"user_agent"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r *eventRow) toDomain() *domain.SecurityEvent {
	e := &domain.SecurityEvent{
		ID:        r.ID,
		UserID:    r.UserID.String,
		EventType: domain.EventType(r.EventType),
		IPHash:    r.IPHash,
		UserAgent: r.UserAgent,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.Details != "" && r.Details != "{}" {
		// Rows are only written by Append, so a decode failure leaves Details empty.
		_ = json.Unmarshal([]byte(r.Details), &e.Details)
	}
	return e
}

// SQLRepository stores security events in Postgres or SQLite. The table rejects UPDATE and
// DELETE at the database level.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns a security event repository backed by db.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// Append inserts e. The event must have ID and CreatedAt set.
func (r *SQLRepository) Append(ctx context.Context, e *domain.SecurityEvent) error {
	details := []byte("{}")
	if len(e.Details) > 0 {
		var err error
		if details, err = json.Marshal(e.Details); err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
	}
	uid := sql.NullString{String: e.UserID, Valid: e.UserID != ""}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`INSERT INTO security_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		e.ID, uid, string(e.EventType), string(details), e.IPHash, e.UserAgent, e.CreatedAt)
	return err
}

// ListSince implements Repository.
func (r *SQLRepository) ListSince(ctx context.Context, since time.Time, limit int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return r.list(ctx, `SELECT `+eventColumns+` FROM security_events
		WHERE created_at > ? ORDER BY created_at ASC, id ASC LIMIT ?`, since.UTC(), limit)
}

// ListByUser implements Repository.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	return r.list(ctx, `SELECT `+eventColumns+` FROM security_events
		WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`, userID, limit)
}

func (r *SQLRepository) list(ctx context.Context, query string, args ...any) ([]*domain.SecurityEvent, error) {
	var rows []eventRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*domain.SecurityEvent, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}
