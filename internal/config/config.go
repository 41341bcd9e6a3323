// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// Env is the application environment ("development", "production").
	Env string `mapstructure:"APP_ENV"`
	// LogLevel is the zap level name (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// HTTPAddr is the address the HTTP API listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// GRPCAddr is the address of the internal SessionGuard gRPC server. Empty disables it.
	GRPCAddr string `mapstructure:"GRPC_ADDR"`
	// GRPCServiceToken is the bearer token internal gRPC callers must present. Empty disables the check.
	GRPCServiceToken string `mapstructure:"GRPC_SERVICE_TOKEN"`

	// DatabaseDriver selects the store: postgres, sqlite or memory.
	DatabaseDriver string `mapstructure:"DATABASE_DRIVER"`
	// DatabaseURL is the DSN for the selected driver.
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	// SessionSecret is the master secret; fingerprint, IP and QR keys are derived from it.
	SessionSecret string `mapstructure:"SESSION_SECRET"`
	// SessionCookieName is the name of the HTTP-only session cookie.
	SessionCookieName string `mapstructure:"SESSION_COOKIE_NAME"`
	// SessionCookieSecure sets the Secure flag on the session cookie.
	SessionCookieSecure bool `mapstructure:"SESSION_COOKIE_SECURE"`
	// IPChangePolicy is "allow" (default) or "deny".
	IPChangePolicy string `mapstructure:"IP_CHANGE_POLICY"`
	// SessionIdleTimeout is the server-side idle limit; 0 disables it.
	SessionIdleTimeout time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	// SessionAbsoluteTimeout is the server-side lifetime measured from session creation; 0 disables it.
	SessionAbsoluteTimeout time.Duration `mapstructure:"SESSION_ABSOLUTE_TIMEOUT"`
	// The client timeout settings are advertised to the client timeout controller. The client
	// absolute limit is separate so that SESSION_ABSOLUTE_TIMEOUT=0 never reaches clients.
	ClientInactivityTimeout time.Duration `mapstructure:"CLIENT_INACTIVITY_TIMEOUT"`
	ClientAbsoluteTimeout   time.Duration `mapstructure:"CLIENT_ABSOLUTE_TIMEOUT"`
	ClientWarningTime       time.Duration `mapstructure:"CLIENT_WARNING_TIME"`

	// QRMaxAge rejects check-in tokens older than this.
	QRMaxAge time.Duration `mapstructure:"QR_MAX_AGE"`
	// QRMaxSkew rejects check-in tokens issued further than this in the future.
	QRMaxSkew time.Duration `mapstructure:"QR_MAX_SKEW"`
	// CheckinRatePerMinute is the per-IP request budget on the check-in endpoint.
	CheckinRatePerMinute int `mapstructure:"CHECKIN_RATE_PER_MINUTE"`

	// AuthJWTSecret is the HS256 secret of the hosted auth provider. Either it or AuthJWTPublicKey must be set.
	AuthJWTSecret string `mapstructure:"AUTH_JWT_SECRET"`
	// AuthJWTPublicKey is a PEM public key (or path to one) for RS256/ES256 provider tokens.
	AuthJWTPublicKey string `mapstructure:"AUTH_JWT_PUBLIC_KEY"`
	AuthJWTIssuer    string `mapstructure:"AUTH_JWT_ISSUER"`
	AuthJWTAudience  string `mapstructure:"AUTH_JWT_AUDIENCE"`

	// CORSAllowedOrigins is a comma-separated origin list.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	// PolicyFile optionally replaces the built-in device trust Rego policy.
	PolicyFile string `mapstructure:"POLICY_FILE"`

	AuditScanInterval           time.Duration `mapstructure:"AUDIT_SCAN_INTERVAL"`
	AuditScanHijackThreshold    int           `mapstructure:"AUDIT_SCAN_HIJACK_THRESHOLD"`
	AuditScanNewDeviceThreshold int           `mapstructure:"AUDIT_SCAN_NEW_DEVICE_THRESHOLD"`

	// Security event stream (optional). When brokers are set, the server publishes events to Kafka.
	KafkaBrokers        string `mapstructure:"KAFKA_BROKERS"`
	SecurityEventsTopic string `mapstructure:"SECURITY_EVENTS_TOPIC"`
	// Worker-only: consumer group and Loki push URL.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
	LokiURL      string `mapstructure:"LOKI_URL"`

	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelInsecure    bool   `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`

	// Alert mail for the suspicious activity scanner; disabled unless all three are set.
	ResendAPIKey      string `mapstructure:"RESEND_API_KEY"`
	SecurityAlertFrom string `mapstructure:"SECURITY_ALERT_FROM"`
	SecurityAlertTo   string `mapstructure:"SECURITY_ALERT_TO"`

	LiveKitURL       string `mapstructure:"LIVEKIT_URL"`
	LiveKitAPIKey    string `mapstructure:"LIVEKIT_API_KEY"`
	LiveKitAPISecret string `mapstructure:"LIVEKIT_API_SECRET"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWorker loads config for the security event worker, which only needs Kafka and Loki.
func LoadWorker() (*Config, error) {
	cfg, err := load()
	if err != nil {
		return nil, err
	}
	if len(cfg.KafkaBrokersList()) == 0 {
		return nil, errors.New("config: KAFKA_BROKERS must be set for the worker")
	}
	if cfg.LokiURL == "" {
		return nil, errors.New("config: LOKI_URL must be set for the worker")
	}
	return cfg, nil
}

func load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig()

	v.AutomaticEnv()

	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("GRPC_ADDR", ":9090")
	v.SetDefault("GRPC_SERVICE_TOKEN", "")
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SESSION_SECRET", "")
	v.SetDefault("SESSION_COOKIE_NAME", "sh_session")
	v.SetDefault("SESSION_COOKIE_SECURE", v.GetString("APP_ENV") == "production")
	v.SetDefault("IP_CHANGE_POLICY", "allow")
	v.SetDefault("SESSION_IDLE_TIMEOUT", "30m")
	v.SetDefault("SESSION_ABSOLUTE_TIMEOUT", "8h")
	v.SetDefault("CLIENT_INACTIVITY_TIMEOUT", "30m")
	v.SetDefault("CLIENT_ABSOLUTE_TIMEOUT", "8h")
	v.SetDefault("CLIENT_WARNING_TIME", "2m")
	v.SetDefault("QR_MAX_AGE", "3s")
	v.SetDefault("QR_MAX_SKEW", "2s")
	v.SetDefault("CHECKIN_RATE_PER_MINUTE", 10)
	v.SetDefault("AUTH_JWT_SECRET", "")
	v.SetDefault("AUTH_JWT_PUBLIC_KEY", "")
	v.SetDefault("AUTH_JWT_ISSUER", "")
	v.SetDefault("AUTH_JWT_AUDIENCE", "authenticated")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("POLICY_FILE", "")
	v.SetDefault("AUDIT_SCAN_INTERVAL", "5m")
	v.SetDefault("AUDIT_SCAN_HIJACK_THRESHOLD", 2)
	v.SetDefault("AUDIT_SCAN_NEW_DEVICE_THRESHOLD", 3)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_EVENTS_TOPIC", "security-events")
	v.SetDefault("KAFKA_GROUP_ID", "security-events-worker")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", true)
	v.SetDefault("OTEL_SERVICE_NAME", "schoolhub-backend")
	v.SetDefault("RESEND_API_KEY", "")
	v.SetDefault("SECURITY_ALERT_FROM", "")
	v.SetDefault("SECURITY_ALERT_TO", "")
	v.SetDefault("LIVEKIT_URL", "")
	v.SetDefault("LIVEKIT_API_KEY", "")
	v.SetDefault("LIVEKIT_API_SECRET", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: HTTP_ADDR must be set")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set for driver " + c.DatabaseDriver)
		}
	case "memory":
		if c.Env == "production" {
			return errors.New("config: DATABASE_DRIVER=memory must not be used when APP_ENV=production")
		}
	default:
		return errors.New("config: DATABASE_DRIVER must be postgres, sqlite or memory")
	}
	if len(c.SessionSecret) < 32 {
		return errors.New("config: SESSION_SECRET must be at least 32 bytes")
	}
	switch c.IPChangePolicy {
	case "allow", "deny":
	default:
		return errors.New("config: IP_CHANGE_POLICY must be allow or deny")
	}
	if c.AuthJWTSecret == "" && c.AuthJWTPublicKey == "" {
		return errors.New("config: one of AUTH_JWT_SECRET or AUTH_JWT_PUBLIC_KEY must be set")
	}
	if c.ClientAbsoluteTimeout <= 0 {
		return errors.New("config: CLIENT_ABSOLUTE_TIMEOUT must be positive")
	}
	if c.ClientWarningTime >= c.ClientInactivityTimeout {
		return errors.New("config: CLIENT_WARNING_TIME must be shorter than CLIENT_INACTIVITY_TIMEOUT")
	}
	if c.QRMaxAge <= 0 || c.QRMaxSkew < 0 {
		return errors.New("config: QR_MAX_AGE must be positive and QR_MAX_SKEW non-negative")
	}
	if c.CheckinRatePerMinute <= 0 {
		return errors.New("config: CHECKIN_RATE_PER_MINUTE must be positive")
	}
	if c.AuditScanInterval <= 0 {
		return errors.New("config: AUDIT_SCAN_INTERVAL must be positive")
	}
	if c.OTelServiceName == "" {
		c.OTelServiceName = "schoolhub-backend"
	}
	return nil
}

// KafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// An empty list means the security event stream is disabled.
func (c *Config) KafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitList(c.KafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitList(c.CORSAllowedOrigins)
}

// AlertsEnabled reports whether scanner findings are mailed.
func (c *Config) AlertsEnabled() bool {
	return c.ResendAPIKey != "" && c.SecurityAlertFrom != "" && c.SecurityAlertTo != ""
}

// MeetingsEnabled reports whether LiveKit credentials are configured.
func (c *Config) MeetingsEnabled() bool {
	return c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
