package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"schoolhub/backend/internal/attendance/domain"
)

// MemoryRepository is an in-process Repository for tests and DATABASE_DRIVER=memory.
type MemoryRepository struct {
	mu          sync.Mutex
	sessions    map[string]*domain.Session
	enrollments map[string]bool
	records     map[string]*domain.Record
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions:    make(map[string]*domain.Session),
		enrollments: make(map[string]bool),
		records:     make(map[string]*domain.Record),
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func copySession(s *domain.Session) *domain.Session {
	c := *s
	if s.Geofence != nil {
		g := *s.Geofence
		c.Geofence = &g
	}
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return &c
}

// CreateSession implements Repository.
func (m *MemoryRepository) CreateSession(_ context.Context, s *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = copySession(s)
	return nil
}

// GetSession implements Repository.
func (m *MemoryRepository) GetSession(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return copySession(s), nil
}

// CloseSession implements Repository.
func (m *MemoryRepository) CloseSession(_ context.Context, id string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || !s.IsActive {
		return false, nil
	}
	s.IsActive = false
	s.ClosedAt = &at
	return true, nil
}

// Enroll implements Repository.
func (m *MemoryRepository) Enroll(_ context.Context, classID, studentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enrollments[pairKey(classID, studentID)] = true
	return nil
}

// IsEnrolled implements Repository.
func (m *MemoryRepository) IsEnrolled(_ context.Context, classID, studentID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enrollments[pairKey(classID, studentID)], nil
}

// RecordCheckIn implements Repository.
func (m *MemoryRepository) RecordCheckIn(_ context.Context, r *domain.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey(r.SessionID, r.StudentID)
	if _, ok := m.records[key]; ok {
		return ErrAlreadyCheckedIn
	}
	c := *r
	m.records[key] = &c
	return nil
}

// ListRecords implements Repository.
func (m *MemoryRepository) ListRecords(_ context.Context, sessionID string) ([]*domain.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Record
	for _, r := range m.records {
		if r.SessionID == sessionID {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CheckedInAt.Equal(out[j].CheckedInAt) {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].CheckedInAt.Before(out[j].CheckedInAt)
	})
	return out, nil
}
