package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	os.Clearenv()
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("SESSION_SECRET", strings.Repeat("s", 32))
	t.Setenv("AUTH_JWT_SECRET", "provider-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, "sh_session", cfg.SessionCookieName)
	assert.False(t, cfg.SessionCookieSecure, "cookie Secure defaults off outside production")
	assert.Equal(t, "allow", cfg.IPChangePolicy)
	assert.Equal(t, 30*time.Minute, cfg.SessionIdleTimeout)
	assert.Equal(t, 8*time.Hour, cfg.SessionAbsoluteTimeout)
	assert.Equal(t, 8*time.Hour, cfg.ClientAbsoluteTimeout)
	assert.Equal(t, 2*time.Minute, cfg.ClientWarningTime)
	assert.Equal(t, 3*time.Second, cfg.QRMaxAge)
	assert.Equal(t, 2*time.Second, cfg.QRMaxSkew)
	assert.Equal(t, 10, cfg.CheckinRatePerMinute)
	assert.Equal(t, 5*time.Minute, cfg.AuditScanInterval)
	assert.Equal(t, "security-events", cfg.SecurityEventsTopic)
	assert.Equal(t, "authenticated", cfg.AuthJWTAudience)
	assert.False(t, cfg.AlertsEnabled())
	assert.False(t, cfg.MeetingsEnabled())
}

func TestLoad_EnvVarOverride(t *testing.T) {
	setRequired(t)
	t.Setenv("IP_CHANGE_POLICY", "deny")
	t.Setenv("QR_MAX_AGE", "5s")
	t.Setenv("APP_ENV", "production")
	t.Setenv("DATABASE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/schoolhub")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "deny", cfg.IPChangePolicy)
	assert.Equal(t, 5*time.Second, cfg.QRMaxAge)
	assert.True(t, cfg.SessionCookieSecure, "cookie Secure defaults on in production")
}

func TestLoad_ServerAbsoluteLimitDisabled(t *testing.T) {
	setRequired(t)
	t.Setenv("SESSION_ABSOLUTE_TIMEOUT", "0s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.SessionAbsoluteTimeout)
	assert.Equal(t, 8*time.Hour, cfg.ClientAbsoluteTimeout, "clients keep their own absolute limit")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"short secret", map[string]string{"SESSION_SECRET": "short"}, "SESSION_SECRET"},
		{"bad ip policy", map[string]string{"IP_CHANGE_POLICY": "sometimes"}, "IP_CHANGE_POLICY"},
		{"unknown driver", map[string]string{"DATABASE_DRIVER": "mongo"}, "DATABASE_DRIVER"},
		{"postgres without dsn", map[string]string{"DATABASE_DRIVER": "postgres"}, "DATABASE_URL"},
		{"memory in production", map[string]string{"APP_ENV": "production"}, "memory"},
		{"no provider key", map[string]string{"AUTH_JWT_SECRET": ""}, "AUTH_JWT_SECRET"},
		{"warning longer than timeout", map[string]string{"CLIENT_WARNING_TIME": "45m"}, "CLIENT_WARNING_TIME"},
		{"zero client absolute timeout", map[string]string{"CLIENT_ABSOLUTE_TIMEOUT": "0s"}, "CLIENT_ABSOLUTE_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), "config:")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestKafkaBrokersList(t *testing.T) {
	var nilCfg *Config
	assert.Nil(t, nilCfg.KafkaBrokersList())

	cfg := &Config{KafkaBrokers: " a:9092, ,b:9092 "}
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokersList())
}

func TestLoadWorker(t *testing.T) {
	os.Clearenv()
	_, err := LoadWorker()
	require.Error(t, err)

	t.Setenv("KAFKA_BROKERS", "kafka:9092")
	t.Setenv("LOKI_URL", "http://loki:3100")
	cfg, err := LoadWorker()
	require.NoError(t, err, "worker does not need session secrets")
	assert.Equal(t, "security-events-worker", cfg.KafkaGroupID)
}
