package migrate

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_EmptyDSN(t *testing.T) {
	err := Run("postgres", "", "up")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL is not set")
}

func TestRun_InvalidDirection(t *testing.T) {
	for _, direction := range []string{"", "invalid", "UP", "Up", "both"} {
		t.Run(direction, func(t *testing.T) {
			err := Run("postgres", "postgres://localhost/test", direction)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "direction")
		})
	}
}

func TestRun_UnsupportedDriver(t *testing.T) {
	err := Run("mysql", "root@/test", "up")
	require.Error(t, err)
}

func TestDatabaseURL(t *testing.T) {
	tests := []struct {
		driver, dsn, want string
	}{
		{"postgres", "postgres://u:p@localhost/db", "postgres://u:p@localhost/db"},
		{"sqlite", "schoolhub.db", "sqlite://schoolhub.db"},
		{"sqlite", "file:schoolhub.db", "sqlite://schoolhub.db"},
		{"sqlite", "sqlite://schoolhub.db", "sqlite://schoolhub.db"},
	}
	for _, tt := range tests {
		got, err := databaseURL(tt.driver, tt.dsn)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestRun_SQLiteUpDown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schoolhub.db")

	require.NoError(t, Run("sqlite", path, "up"))
	// Second run is a no-op.
	require.NoError(t, Run("sqlite", path, "up"))
	require.NoError(t, Run("sqlite", path, "down"))
}
