package telemetry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/backend/internal/audit/domain"
)

// mockEventEmitter implements EventEmitter for tests.
type mockEventEmitter struct {
	mu      sync.Mutex
	events  []*domain.SecurityEvent
	emitErr error
	delay   time.Duration
}

func (m *mockEventEmitter) Emit(ctx context.Context, event *domain.SecurityEvent) error {
	if m.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.delay):
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.emitErr
}

func (m *mockEventEmitter) getEvents() []*domain.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*domain.SecurityEvent(nil), m.events...)
}

func testEvent(id string) *domain.SecurityEvent {
	return &domain.SecurityEvent{ID: id, UserID: "user-1", EventType: domain.EventNewDevice, CreatedAt: time.Now().UTC()}
}

func TestAsync_NilSafe(t *testing.T) {
	var a *Async
	assert.NoError(t, a.Emit(context.Background(), testEvent("e")))
	assert.True(t, a.Drain(time.Millisecond))

	a = NewAsync(nil, nil, nil)
	assert.NoError(t, a.Emit(context.Background(), testEvent("e")))

	em := &mockEventEmitter{}
	a = NewAsync(em, nil, nil)
	assert.NoError(t, a.Emit(context.Background(), nil))
	require.True(t, a.Drain(time.Second))
	assert.Empty(t, em.getEvents())
}

func TestAsync_UsesBackgroundContext(t *testing.T) {
	em := &mockEventEmitter{}
	a := NewAsync(em, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, a.Emit(ctx, testEvent("e1")))
	require.True(t, a.Drain(time.Second))

	events := em.getEvents()
	require.Len(t, events, 1, "cancelled request context must not drop the event")
	assert.Equal(t, "e1", events[0].ID)
}

func TestAsync_ReportsErrors(t *testing.T) {
	em := &mockEventEmitter{emitErr: errors.New("broker down")}
	var failed atomic.Int32
	a := NewAsync(em, nil, func(e *domain.SecurityEvent, err error) {
		assert.Equal(t, "e1", e.ID)
		failed.Add(1)
	})

	require.NoError(t, a.Emit(context.Background(), testEvent("e1")))
	require.True(t, a.Drain(time.Second))
	assert.EqualValues(t, 1, failed.Load())
}

func TestAsync_DrainTimesOut(t *testing.T) {
	em := &mockEventEmitter{delay: 500 * time.Millisecond}
	a := NewAsync(em, nil, nil)
	require.NoError(t, a.Emit(context.Background(), testEvent("slow")))
	assert.False(t, a.Drain(10*time.Millisecond))
	assert.True(t, a.Drain(2*time.Second))
}

func TestAsync_ConcurrentEmits(t *testing.T) {
	em := &mockEventEmitter{}
	a := NewAsync(em, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.Emit(context.Background(), testEvent("e"))
		}()
	}
	wg.Wait()
	require.True(t, a.Drain(2*time.Second))
	assert.Len(t, em.getEvents(), 10)
}

func TestFanout(t *testing.T) {
	assert.Nil(t, Fanout())
	assert.Nil(t, Fanout(nil, nil))

	single := &mockEventEmitter{}
	assert.Same(t, single, Fanout(nil, single))

	ok := &mockEventEmitter{}
	bad := &mockEventEmitter{emitErr: errors.New("otel down")}
	f := Fanout(ok, bad)
	err := f.Emit(context.Background(), testEvent("e"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "otel down")
	assert.Len(t, ok.getEvents(), 1, "one failing sink does not stop the others")
	assert.Len(t, bad.getEvents(), 1)
}
