package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"schoolhub/backend/internal/db"
	devicedomain "schoolhub/backend/internal/device/domain"
	devicerepo "schoolhub/backend/internal/device/repository"
	"schoolhub/backend/internal/session/domain"
)

const sessionColumns = `id, token_hash, user_id, role, device_id, fingerprint_hash, ip_hash, user_agent,
	created_at, last_active, is_valid, invalidation_reason, invalidated_at`

type sessionRow struct {
	ID                 string         `db:"id"`
	TokenHash          string         `db:"token_hash"`
	UserID             string         `db:"user_id"`
	Role               string         `db:"role"`
	DeviceID           string         `db:"device_id"`
	FingerprintHash    string         `db:"fingerprint_hash"`
	IPHash             string         `db:"ip_hash"`
	UserAgent          string         `db:"user_agent"`
	CreatedAt          time.Time      `db:"created_at"`
	LastActive         time.Time      `db:"last_active"`
	IsValid            bool           `db:"is_valid"`
	InvalidationReason sql.NullString `db:"invalidation_reason"`
	InvalidatedAt      sql.NullTime   `db:"invalidated_at"`
}

func (r *sessionRow) toDomain() *domain.Session {
	s := &domain.Session{
		ID:                 r.ID,
		TokenHash:          r.TokenHash,
		UserID:             r.UserID,
		Role:               r.Role,
		DeviceID:           r.DeviceID,
		FingerprintHash:    r.FingerprintHash,
		IPHash:             r.IPHash,
		UserAgent:          r.UserAgent,
		CreatedAt:          r.CreatedAt.UTC(),
		LastActive:         r.LastActive.UTC(),
		IsValid:            r.IsValid,
		InvalidationReason: domain.InvalidationReason(r.InvalidationReason.String),
	}
	if r.InvalidatedAt.Valid {
		t := r.InvalidatedAt.Time.UTC()
		s.InvalidatedAt = &t
	}
	return s
}

// SQLStore implements Store on Postgres or SQLite. On Postgres, per-user serialization uses a
// transaction-scoped advisory lock and validation reads use SELECT ... FOR UPDATE. SQLite runs
// with a single connection, so every transaction is already exclusive.
type SQLStore struct {
	db       *sqlx.DB
	postgres bool
}

// NewSQLStore returns a session store backed by db.
func NewSQLStore(conn *sqlx.DB) *SQLStore {
	return &SQLStore{db: conn, postgres: db.IsPostgres(conn)}
}

func (s *SQLStore) lockUser(ctx context.Context, tx *sqlx.Tx, userID string) error {
	if !s.postgres {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("lock user: %w", err)
	}
	return nil
}

func (s *SQLStore) forUpdate() string {
	if s.postgres {
		return ` FOR UPDATE`
	}
	return ""
}

// CreateSession implements Store.
func (s *SQLStore) CreateSession(ctx context.Context, p CreateParams) (*CreateResult, error) {
	var out CreateResult
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.lockUser(ctx, tx, p.UserID); err != nil {
			return err
		}

		n, err := invalidateWhere(ctx, tx, `user_id = ?`, p.UserID, domain.ReasonSuperseded, p.Now)
		if err != nil {
			return fmt.Errorf("supersede sessions: %w", err)
		}
		out.Superseded = n

		device, isNew, err := s.upsertDevice(ctx, tx, p)
		if err != nil {
			return err
		}
		out.Device, out.IsNewDevice = device, isNew

		sess := &domain.Session{
			ID:              p.SessionID,
			TokenHash:       p.TokenHash,
			UserID:          p.UserID,
			Role:            p.Role,
			DeviceID:        device.ID,
			FingerprintHash: p.FingerprintHash,
			IPHash:          p.IPHash,
			UserAgent:       p.UserAgent,
			CreatedAt:       p.Now,
			LastActive:      p.Now,
			IsValid:         true,
		}
		_, err = tx.ExecContext(ctx, tx.Rebind(`INSERT INTO sessions
			(id, token_hash, user_id, role, device_id, fingerprint_hash, ip_hash, user_agent, created_at, last_active, is_valid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			sess.ID, sess.TokenHash, sess.UserID, sess.Role, sess.DeviceID, sess.FingerprintHash, sess.IPHash,
			sess.UserAgent, sess.CreatedAt, sess.LastActive, true)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		out.Session = sess
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *SQLStore) upsertDevice(ctx context.Context, tx *sqlx.Tx, p CreateParams) (*devicedomain.Device, bool, error) {
	var row devicerepo.Row
	err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+devicerepo.Columns+
		` FROM devices WHERE user_id = ? AND fingerprint_hash = ?`+s.forUpdate()), p.UserID, p.FingerprintHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		d := &devicedomain.Device{
			ID:              p.NewDeviceID,
			UserID:          p.UserID,
			FingerprintHash: p.FingerprintHash,
			DeviceName:      p.DeviceName,
			IPHash:          p.IPHash,
			FirstSeen:       p.Now,
			LastSeen:        p.Now,
			LoginCount:      1,
			TrustState:      devicedomain.TrustUnknown,
		}
		_, err := tx.ExecContext(ctx, tx.Rebind(`INSERT INTO devices
			(id, user_id, fingerprint_hash, device_name, ip_hash, first_seen, last_seen, login_count, trust_state)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			d.ID, d.UserID, d.FingerprintHash, d.DeviceName, d.IPHash, d.FirstSeen, d.LastSeen, d.LoginCount, string(d.TrustState))
		if err != nil {
			return nil, false, fmt.Errorf("insert device: %w", err)
		}
		return d, true, nil
	case err != nil:
		return nil, false, fmt.Errorf("load device: %w", err)
	}

	d := row.ToDomain()
	d.LastSeen = p.Now
	d.IPHash = p.IPHash
	d.LoginCount++
	d.TrustState = d.TrustState.AfterLogin()
	if p.DeviceName != "" {
		d.DeviceName = p.DeviceName
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE devices
		SET last_seen = ?, ip_hash = ?, login_count = login_count + 1, trust_state = ?, device_name = ?
		WHERE id = ?`),
		d.LastSeen, d.IPHash, string(d.TrustState), d.DeviceName, d.ID)
	if err != nil {
		return nil, false, fmt.Errorf("update device: %w", err)
	}
	return d, false, nil
}

// Check implements Store.
func (s *SQLStore) Check(ctx context.Context, tokenHash string, now time.Time, judge Judge) (*domain.Session, domain.InvalidationReason, error) {
	var (
		sess   *domain.Session
		reason domain.InvalidationReason
	)
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		var row sessionRow
		err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT `+sessionColumns+
			` FROM sessions WHERE token_hash = ? AND is_valid = ?`+s.forUpdate()), tokenHash, true)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("load session: %w", err)
		}
		sess = row.toDomain()

		reason = judge(sess)
		if reason != "" {
			if _, err := invalidateWhere(ctx, tx, `id = ?`, sess.ID, reason, now); err != nil {
				return fmt.Errorf("invalidate session: %w", err)
			}
			sess.IsValid = false
			sess.InvalidationReason = reason
			sess.InvalidatedAt = &now
			return nil
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`UPDATE sessions SET last_active = ? WHERE id = ?`), now, sess.ID); err != nil {
			return fmt.Errorf("touch session: %w", err)
		}
		sess.LastActive = now
		return nil
	})
	if err != nil {
		return nil, "", err
	}
	return sess, reason, nil
}

// Invalidate implements Store.
func (s *SQLStore) Invalidate(ctx context.Context, tokenHash string, reason domain.InvalidationReason, at time.Time) (bool, error) {
	n, err := invalidateWhere(ctx, s.db, `token_hash = ?`, tokenHash, reason, at)
	return n > 0, err
}

// InvalidateAll implements Store.
func (s *SQLStore) InvalidateAll(ctx context.Context, userID string, reason domain.InvalidationReason, at time.Time) (int, error) {
	var n int
	err := db.WithTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if err := s.lockUser(ctx, tx, userID); err != nil {
			return err
		}
		var err error
		n, err = invalidateWhere(ctx, tx, `user_id = ?`, userID, reason, at)
		return err
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ListByUser implements Store.
func (s *SQLStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []sessionRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`SELECT `+sessionColumns+
		` FROM sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`), userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, len(rows))
	for i := range rows {
		out[i] = rows[i].toDomain()
	}
	return out, nil
}

// invalidateWhere is the only statement that flips is_valid. The is_valid guard keeps the first
// invalidation reason and makes repeated calls no-ops.
func invalidateWhere(ctx context.Context, ex sqlx.ExtContext, cond string, arg any, reason domain.InvalidationReason, at time.Time) (int, error) {
	res, err := ex.ExecContext(ctx, ex.Rebind(`UPDATE sessions
		SET is_valid = ?, invalidation_reason = ?, invalidated_at = ?
		WHERE `+cond+` AND is_valid = ?`), false, string(reason), at, arg, true)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
