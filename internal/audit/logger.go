package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"schoolhub/backend/internal/audit/domain"
	auditrepo "schoolhub/backend/internal/audit/repository"
	"schoolhub/backend/internal/telemetry"
)

// EventLogger records security events. Log is best-effort: failures are logged and counted,
// never returned to the caller.
type EventLogger interface {
	Log(ctx context.Context, userID string, eventType domain.EventType, details map[string]string, ipHash, userAgent string)
}

// Logger implements EventLogger. Events are persisted synchronously, then published to the
// optional sink asynchronously.
type Logger struct {
	repo     auditrepo.Repository
	sink     *telemetry.Async
	log      *zap.Logger
	now      func() time.Time
	failures metric.Int64Counter
	failed   atomic.Int64
}

// Option configures a Logger.
type Option func(*Logger)

// WithSink publishes every persisted event to emitter (Kafka, OTel Logs) in the background.
func WithSink(emitter telemetry.EventEmitter) Option {
	return func(l *Logger) {
		if emitter != nil {
			l.sink = telemetry.NewAsync(emitter, l.log, func(e *domain.SecurityEvent, _ error) {
				l.recordFailure(context.Background(), e.EventType, "sink")
			})
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

// NewLogger returns a Logger writing to repo. log may be nil.
func NewLogger(repo auditrepo.Repository, log *zap.Logger, opts ...Option) *Logger {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Logger{repo: repo, log: log, now: time.Now}
	counter, err := otel.Meter("schoolhub/audit").Int64Counter("security_event_log_failures",
		metric.WithDescription("Security events that could not be persisted or published."))
	if err != nil {
		log.Warn("audit failure counter unavailable", zap.Error(err))
	}
	l.failures = counter
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Log writes one security event. Details are redacted before they are stored or published.
func (l *Logger) Log(ctx context.Context, userID string, eventType domain.EventType, details map[string]string, ipHash, userAgent string) {
	if l == nil || l.repo == nil {
		return
	}
	if err := domain.ValidateEventType(eventType); err != nil {
		l.log.Warn("rejected security event", zap.String("event_type", string(eventType)), zap.Error(err))
		l.recordFailure(ctx, eventType, "invalid")
		return
	}
	event := &domain.SecurityEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		EventType: eventType,
		Details:   Redact(details),
		IPHash:    ipHash,
		UserAgent: truncate(userAgent, maxUserAgentLen),
		CreatedAt: l.now().UTC(),
	}
	if err := l.repo.Append(ctx, event); err != nil {
		l.log.Error("failed to persist security event",
			zap.String("event_type", string(eventType)),
			zap.String("user_id", userID),
			zap.Error(err))
		l.recordFailure(ctx, eventType, "store")
		return
	}
	_ = l.sink.Emit(ctx, event)
}

// Failures returns how many events failed to persist or publish since start.
func (l *Logger) Failures() int64 {
	return l.failed.Load()
}

// Drain waits up to timeout for in-flight sink publishes.
func (l *Logger) Drain(timeout time.Duration) bool {
	return l.sink.Drain(timeout)
}

func (l *Logger) recordFailure(ctx context.Context, eventType domain.EventType, stage string) {
	l.failed.Add(1)
	if l.failures != nil {
		l.failures.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event_type", string(eventType)),
			attribute.String("stage", stage),
		))
	}
}
