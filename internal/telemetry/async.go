package telemetry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"schoolhub/backend/internal/audit/domain"
)

// emitTimeout is the max time allowed for a single async emit. Used by Async and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long shutdown waits for in-flight async emits before closing
// the Kafka writer and OTel providers. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// Async wraps an EventEmitter so that Emit returns immediately and the write happens in a goroutine.
// Request cancellation does not abort an in-flight emit: each goroutine uses context.Background()
// with emitTimeout.
type Async struct {
	next    EventEmitter
	log     *zap.Logger
	onError func(*domain.SecurityEvent, error)
	wg      sync.WaitGroup
}

// NewAsync returns an Async around next. onError may be nil; failures are always logged.
func NewAsync(next EventEmitter, log *zap.Logger, onError func(*domain.SecurityEvent, error)) *Async {
	if log == nil {
		log = zap.NewNop()
	}
	return &Async{next: next, log: log, onError: onError}
}

// Emit schedules event for delivery and always returns nil. Nil receiver, emitter or event are no-ops.
func (a *Async) Emit(_ context.Context, event *domain.SecurityEvent) error {
	if a == nil || a.next == nil || event == nil {
		return nil
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := a.next.Emit(emitCtx, event); err != nil {
			a.log.Warn("async emit failed",
				zap.String("event_type", string(event.EventType)),
				zap.String("event_id", event.ID),
				zap.Error(err))
			if a.onError != nil {
				a.onError(event, err)
			}
		}
	}()
	return nil
}

// Drain waits for in-flight emits, up to timeout. It reports whether all of them finished.
func (a *Async) Drain(timeout time.Duration) bool {
	if a == nil {
		return true
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
