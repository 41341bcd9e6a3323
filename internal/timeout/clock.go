package timeout

import (
	"sync"
	"time"
)

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so the controller can run against a fake clock in tests.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// RealClock uses the time package.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// AfterFunc implements Clock.
func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Storage persists the last activity instant across controller restarts (the kiosk keeps it in memory).
type Storage interface {
	SaveLastActivity(t time.Time)
	LastActivity() (time.Time, bool)
	Clear()
}

// MemoryStorage is a Storage held in process memory.
type MemoryStorage struct {
	mu sync.Mutex
	t  time.Time
	ok bool
}

// SaveLastActivity implements Storage.
func (s *MemoryStorage) SaveLastActivity(t time.Time) {
	s.mu.Lock()
	s.t, s.ok = t, true
	s.mu.Unlock()
}

// LastActivity implements Storage.
func (s *MemoryStorage) LastActivity() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.t, s.ok
}

// Clear implements Storage.
func (s *MemoryStorage) Clear() {
	s.mu.Lock()
	s.t, s.ok = time.Time{}, false
	s.mu.Unlock()
}
