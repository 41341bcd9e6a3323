package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"schoolhub/backend/internal/audit/domain"
)

// MemoryRepository is an in-process Repository for development and tests.
type MemoryRepository struct {
	mu     sync.Mutex
	events []*domain.SecurityEvent
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Append implements Repository.
func (m *MemoryRepository) Append(_ context.Context, e *domain.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, clone(e))
	return nil
}

// ListSince implements Repository.
func (m *MemoryRepository) ListSince(_ context.Context, since time.Time, limit int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	m.mu.Lock()
	var out []*domain.SecurityEvent
	for _, e := range m.events {
		if e.CreatedAt.After(since) {
			out = append(out, clone(e))
		}
	}
	m.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByUser implements Repository.
func (m *MemoryRepository) ListByUser(_ context.Context, userID string, limit int) ([]*domain.SecurityEvent, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	m.mu.Lock()
	var out []*domain.SecurityEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		if m.events[i].UserID == userID {
			out = append(out, clone(m.events[i]))
		}
	}
	m.mu.Unlock()
	return out, nil
}

// All returns a copy of every stored event in append order.
func (m *MemoryRepository) All() []*domain.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.SecurityEvent, len(m.events))
	for i, e := range m.events {
		out[i] = clone(e)
	}
	return out
}

func clone(e *domain.SecurityEvent) *domain.SecurityEvent {
	c := *e
	if e.Details != nil {
		c.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			c.Details[k] = v
		}
	}
	return &c
}
