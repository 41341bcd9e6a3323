package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"schoolhub/backend/internal/device/domain"
)

// Columns is the select list matching Row.
const Columns = `id, user_id, fingerprint_hash, device_name, ip_hash, first_seen, last_seen, login_count, trust_state`

// Row is the devices table row as scanned by sqlx.
type Row struct {
	ID              string    `db:"id"`
	UserID          string    `db:"user_id"`
	FingerprintHash string    `db:"fingerprint_hash"`
	DeviceName      string    `db:"device_name"`
	IPHash          string    `db:"ip_hash"`
	FirstSeen       time.Time `db:"first_seen"`
	LastSeen        time.Time `db:"last_seen"`
	LoginCount      int       `db:"login_count"`
	TrustState      string    `db:"trust_state"`
}

// ToDomain converts the row. Unrecognized trust states read as unknown.
func (r *Row) ToDomain() *domain.Device {
	state, err := domain.ParseTrustState(r.TrustState)
	if err != nil {
		state = domain.TrustUnknown
	}
	return &domain.Device{
		ID:              r.ID,
		UserID:          r.UserID,
		FingerprintHash: r.FingerprintHash,
		DeviceName:      r.DeviceName,
		IPHash:          r.IPHash,
		FirstSeen:       r.FirstSeen.UTC(),
		LastSeen:        r.LastSeen.UTC(),
		LoginCount:      r.LoginCount,
		TrustState:      state,
	}
}

// SQLRepository reads devices from Postgres or SQLite through sqlx.
type SQLRepository struct {
	db *sqlx.DB
}

// NewSQLRepository returns a device repository backed by db.
func NewSQLRepository(db *sqlx.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

// GetByID returns the device for id, or nil if not found.
func (r *SQLRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	var row Row
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`SELECT `+Columns+` FROM devices WHERE id = ?`), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return row.ToDomain(), nil
}

// ListByUser returns the user's devices, most recently seen first.
func (r *SQLRepository) ListByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	var rows []Row
	err := r.db.SelectContext(ctx, &rows,
		r.db.Rebind(`SELECT `+Columns+` FROM devices WHERE user_id = ? ORDER BY last_seen DESC`), userID)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Device, len(rows))
	for i := range rows {
		out[i] = rows[i].ToDomain()
	}
	return out, nil
}

// SetTrustState updates the trust state of the user's device.
func (r *SQLRepository) SetTrustState(ctx context.Context, userID, id string, state domain.TrustState) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		r.db.Rebind(`UPDATE devices SET trust_state = ? WHERE id = ? AND user_id = ?`), string(state), id, userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
