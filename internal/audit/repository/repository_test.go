package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/backend/internal/audit/domain"
	"schoolhub/backend/internal/db"
	"schoolhub/backend/internal/db/migrate"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func event(id, userID string, typ domain.EventType, at time.Time) *domain.SecurityEvent {
	return &domain.SecurityEvent{
		ID:        id,
		UserID:    userID,
		EventType: typ,
		Details:   map[string]string{"deviceName": "Chrome on Windows"},
		IPHash:    "iphash",
		UserAgent: "Mozilla/5.0",
		CreatedAt: at,
	}
}

func repositoryContract(t *testing.T, newRepo func(t *testing.T) Repository) {
	ctx := context.Background()

	t.Run("list since is ordered and exclusive", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Append(ctx, event("e2", "u1", domain.EventNewDevice, t0.Add(2*time.Second))))
		require.NoError(t, r.Append(ctx, event("e1", "u1", domain.EventNewDevice, t0.Add(time.Second))))
		require.NoError(t, r.Append(ctx, event("e0", "u2", domain.EventLogoutAll, t0)))

		got, err := r.ListSince(ctx, t0, 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "e1", got[0].ID)
		assert.Equal(t, "e2", got[1].ID)
		assert.Equal(t, "Chrome on Windows", got[0].Details["deviceName"])

		got, err = r.ListSince(ctx, t0.Add(-time.Second), 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "e0", got[0].ID)
	})

	t.Run("list by user is newest first", func(t *testing.T) {
		r := newRepo(t)
		require.NoError(t, r.Append(ctx, event("a", "u1", domain.EventNewDevice, t0)))
		require.NoError(t, r.Append(ctx, event("b", "u1", domain.EventIPChangeDetected, t0.Add(time.Minute))))
		require.NoError(t, r.Append(ctx, event("c", "u2", domain.EventNewDevice, t0.Add(time.Minute))))

		got, err := r.ListByUser(ctx, "u1", 10)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].ID)
		assert.Equal(t, domain.EventIPChangeDetected, got[0].EventType)
		assert.Equal(t, "a", got[1].ID)
	})

	t.Run("anonymous event", func(t *testing.T) {
		r := newRepo(t)
		e := event("anon", "", domain.EventSessionHijackAttempt, t0)
		e.Details = nil
		require.NoError(t, r.Append(ctx, e))

		got, err := r.ListSince(ctx, t0.Add(-time.Second), 10)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Empty(t, got[0].UserID)
		assert.Empty(t, got[0].Details)
		assert.True(t, got[0].CreatedAt.Equal(t0))
	})
}

func TestMemoryRepository(t *testing.T) {
	repositoryContract(t, func(t *testing.T) Repository { return NewMemoryRepository() })
}

func TestMemoryRepository_ReturnsCopies(t *testing.T) {
	r := NewMemoryRepository()
	e := event("e", "u1", domain.EventNewDevice, t0)
	require.NoError(t, r.Append(context.Background(), e))
	e.Details["deviceName"] = "changed"

	all := r.All()
	require.Len(t, all, 1)
	assert.Equal(t, "Chrome on Windows", all[0].Details["deviceName"])
}

func openSQLite(t *testing.T) *SQLRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.db")
	require.NoError(t, migrate.Run("sqlite", path, "up"))
	conn, err := db.Open(context.Background(), "sqlite", path)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewSQLRepository(conn)
}

func TestSQLRepository_SQLite(t *testing.T) {
	repositoryContract(t, func(t *testing.T) Repository { return openSQLite(t) })
}

func TestSQLRepository_AppendOnly(t *testing.T) {
	r := openSQLite(t)
	ctx := context.Background()
	require.NoError(t, r.Append(ctx, event("e1", "u1", domain.EventNewDevice, t0)))

	_, err := r.db.ExecContext(ctx, `UPDATE security_events SET event_type = 'x' WHERE id = 'e1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = r.db.ExecContext(ctx, `DELETE FROM security_events WHERE id = 'e1'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}
