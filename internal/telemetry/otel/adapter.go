package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"schoolhub/backend/internal/audit/domain"
	"schoolhub/backend/internal/telemetry"
)

// loggerName is the instrumentation scope of security event log records.
const loggerName = "schoolhub.security_events"

// recordEmitter is the subset of otellog.Logger used by the adapter.
type recordEmitter interface {
	Emit(ctx context.Context, rec otellog.Record)
}

// NewEventEmitter returns an EventEmitter that sends events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: provider.Logger(loggerName)}
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger directly.
func NewEventEmitterWithLogger(logger recordEmitter) telemetry.EventEmitter {
	if logger == nil {
		return noopEmitter{}
	}
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.SecurityEvent) error { return nil }

type otelEmitter struct {
	logger recordEmitter
}

// Emit converts the security event to an OTel log record. The body is the redacted details as JSON.
func (e *otelEmitter) Emit(ctx context.Context, event *domain.SecurityEvent) error {
	if event == nil {
		return nil
	}
	rec := otellog.Record{}
	ts := event.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	rec.SetTimestamp(ts)
	rec.SetSeverity(severity(event.EventType))
	rec.SetSeverityText(severity(event.EventType).String())
	if len(event.Details) > 0 {
		body, err := json.Marshal(event.Details)
		if err != nil {
			return err
		}
		rec.SetBody(otellog.BytesValue(body))
	}
	rec.AddAttributes(otellog.String("event_id", event.ID))
	if event.EventType != "" {
		rec.AddAttributes(otellog.String("event_type", string(event.EventType)))
	}
	if event.UserID != "" {
		rec.AddAttributes(otellog.String("user_id", event.UserID))
	}
	if event.IPHash != "" {
		rec.AddAttributes(otellog.String("ip_hash", event.IPHash))
	}
	if event.UserAgent != "" {
		rec.AddAttributes(otellog.String("user_agent", event.UserAgent))
	}
	e.logger.Emit(ctx, rec)
	return nil
}

func severity(t domain.EventType) otellog.Severity {
	switch t {
	case domain.EventSessionHijackAttempt, domain.EventSuspiciousActivity:
		return otellog.SeverityWarn
	default:
		return otellog.SeverityInfo
	}
}
