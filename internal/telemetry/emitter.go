package telemetry

import (
	"context"
	"errors"

	"schoolhub/backend/internal/audit/domain"
)

// EventEmitter ships security events to an external sink (Kafka, OTel Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, event *domain.SecurityEvent) error
}

// EmitterFunc adapts a function to EventEmitter.
type EmitterFunc func(ctx context.Context, event *domain.SecurityEvent) error

// Emit calls f.
func (f EmitterFunc) Emit(ctx context.Context, event *domain.SecurityEvent) error { return f(ctx, event) }

// Fanout returns an emitter that sends every event to all non-nil emitters and joins their errors.
// Returns nil when no emitter is given.
func Fanout(emitters ...EventEmitter) EventEmitter {
	var live []EventEmitter
	for _, e := range emitters {
		if e != nil {
			live = append(live, e)
		}
	}
	switch len(live) {
	case 0:
		return nil
	case 1:
		return live[0]
	}
	return fanout(live)
}

type fanout []EventEmitter

func (f fanout) Emit(ctx context.Context, event *domain.SecurityEvent) error {
	var errs []error
	for _, e := range f {
		if err := e.Emit(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
