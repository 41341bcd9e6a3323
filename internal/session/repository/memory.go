package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	devicedomain "schoolhub/backend/internal/device/domain"
	"schoolhub/backend/internal/session/domain"
)

// MemoryStore is an in-process Store and device repository for tests and DATABASE_DRIVER=memory.
// A single mutex serializes every mutation, which gives the same per-user guarantees as the SQL store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*domain.Session // by token hash
	devices  map[string]*devicedomain.Device
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*domain.Session),
		devices:  make(map[string]*devicedomain.Device),
	}
}

func deviceKey(userID, fingerprintHash string) string {
	return userID + "\x00" + fingerprintHash
}

func copySession(s *domain.Session) *domain.Session {
	c := *s
	return &c
}

func copyDevice(d *devicedomain.Device) *devicedomain.Device {
	c := *d
	return &c
}

func (m *MemoryStore) invalidateLocked(s *domain.Session, reason domain.InvalidationReason, at time.Time) bool {
	if !s.IsValid {
		return false
	}
	s.IsValid = false
	s.InvalidationReason = reason
	t := at
	s.InvalidatedAt = &t
	return true
}

// CreateSession implements Store.
func (m *MemoryStore) CreateSession(ctx context.Context, p CreateParams) (*CreateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := &CreateResult{}
	for _, s := range m.sessions {
		if s.UserID == p.UserID && m.invalidateLocked(s, domain.ReasonSuperseded, p.Now) {
			out.Superseded++
		}
	}

	key := deviceKey(p.UserID, p.FingerprintHash)
	d, ok := m.devices[key]
	if ok {
		d.LastSeen = p.Now
		d.IPHash = p.IPHash
		d.LoginCount++
		d.TrustState = d.TrustState.AfterLogin()
		if p.DeviceName != "" {
			d.DeviceName = p.DeviceName
		}
	} else {
		d = &devicedomain.Device{
			ID:              p.NewDeviceID,
			UserID:          p.UserID,
			FingerprintHash: p.FingerprintHash,
			DeviceName:      p.DeviceName,
			IPHash:          p.IPHash,
			FirstSeen:       p.Now,
			LastSeen:        p.Now,
			LoginCount:      1,
			TrustState:      devicedomain.TrustUnknown,
		}
		m.devices[key] = d
		out.IsNewDevice = true
	}

	s := &domain.Session{
		ID:              p.SessionID,
		TokenHash:       p.TokenHash,
		UserID:          p.UserID,
		Role:            p.Role,
		DeviceID:        d.ID,
		FingerprintHash: p.FingerprintHash,
		IPHash:          p.IPHash,
		UserAgent:       p.UserAgent,
		CreatedAt:       p.Now,
		LastActive:      p.Now,
		IsValid:         true,
	}
	m.sessions[p.TokenHash] = s
	out.Session = copySession(s)
	out.Device = copyDevice(d)
	return out, nil
}

// Check implements Store.
func (m *MemoryStore) Check(ctx context.Context, tokenHash string, now time.Time, judge Judge) (*domain.Session, domain.InvalidationReason, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[tokenHash]
	if !ok || !s.IsValid {
		return nil, "", nil
	}
	reason := judge(copySession(s))
	if reason != "" {
		m.invalidateLocked(s, reason, now)
	} else {
		s.LastActive = now
	}
	return copySession(s), reason, nil
}

// Invalidate implements Store.
func (m *MemoryStore) Invalidate(ctx context.Context, tokenHash string, reason domain.InvalidationReason, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tokenHash]
	if !ok {
		return false, nil
	}
	return m.invalidateLocked(s, reason, at), nil
}

// InvalidateAll implements Store.
func (m *MemoryStore) InvalidateAll(ctx context.Context, userID string, reason domain.InvalidationReason, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.UserID == userID && m.invalidateLocked(s, reason, at) {
			n++
		}
	}
	return n, nil
}

// ListByUser implements Store.
func (m *MemoryStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			out = append(out, copySession(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Devices returns the device repository view of the store.
func (m *MemoryStore) Devices() *MemoryDevices {
	return &MemoryDevices{m: m}
}

// MemoryDevices implements the device repository over a MemoryStore.
type MemoryDevices struct {
	m *MemoryStore
}

// GetByID returns the device for id, or nil if not found.
func (d *MemoryDevices) GetByID(ctx context.Context, id string) (*devicedomain.Device, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	for _, dev := range d.m.devices {
		if dev.ID == id {
			return copyDevice(dev), nil
		}
	}
	return nil, nil
}

// ListByUser returns the user's devices, most recently seen first.
func (d *MemoryDevices) ListByUser(ctx context.Context, userID string) ([]*devicedomain.Device, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	var out []*devicedomain.Device
	for _, dev := range d.m.devices {
		if dev.UserID == userID {
			out = append(out, copyDevice(dev))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}

// SetTrustState changes the trust state of the user's device.
func (d *MemoryDevices) SetTrustState(ctx context.Context, userID, id string, state devicedomain.TrustState) (bool, error) {
	d.m.mu.Lock()
	defer d.m.mu.Unlock()
	for _, dev := range d.m.devices {
		if dev.ID == id && dev.UserID == userID {
			dev.TrustState = state
			return true, nil
		}
	}
	return false, nil
}
