package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/backend/internal/audit"
	auditdomain "schoolhub/backend/internal/audit/domain"
	auditrepo "schoolhub/backend/internal/audit/repository"
	devicedomain "schoolhub/backend/internal/device/domain"
	"schoolhub/backend/internal/policy/engine"
	"schoolhub/backend/internal/security"
	"schoolhub/backend/internal/session/domain"
	sessionrepo "schoolhub/backend/internal/session/repository"
)

const chromeUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	svc    *SessionService
	store  *sessionrepo.MemoryStore
	events *auditrepo.MemoryRepository
	clock  *fakeClock
}

func newFixture(t *testing.T, cfg Config, policy engine.Evaluator) *fixture {
	t.Helper()
	keys, err := security.DeriveKeys(strings.Repeat("k", 32))
	require.NoError(t, err)
	store := sessionrepo.NewMemoryStore()
	events := auditrepo.NewMemoryRepository()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
	svc := NewSessionService(store, store.Devices(), keys, audit.NewLogger(events, nil), policy, cfg, nil, WithClock(clock.Now))
	return &fixture{svc: svc, store: store, events: events, clock: clock}
}

func laptop() security.Fingerprint {
	return security.Fingerprint{
		UserAgent:        chromeUA,
		Language:         "en-US",
		Timezone:         "Europe/Berlin",
		ScreenResolution: "1920x1080",
		ColorDepth:       24,
		Platform:         "Win32",
		CookiesEnabled:   true,
	}
}

func (f *fixture) login(t *testing.T, userID string, fp security.Fingerprint, ip string) *CreateResult {
	t.Helper()
	res, err := f.svc.CreateSession(context.Background(), CreateInput{UserID: userID, Role: "student", Fingerprint: fp, IP: ip})
	require.NoError(t, err)
	return res
}

func (f *fixture) eventsOf(typ auditdomain.EventType) []*auditdomain.SecurityEvent {
	var out []*auditdomain.SecurityEvent
	for _, e := range f.events.All() {
		if e.EventType == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestCreateSession_NewThenKnownDevice(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	first := f.login(t, "u1", laptop(), "203.0.113.9")
	assert.NotEmpty(t, first.Token)
	assert.True(t, first.IsNewDevice)
	assert.True(t, first.RequiresVerification, "unknown devices require re-verification")
	assert.Equal(t, "Chrome on Windows", first.Device.DeviceName)
	assert.NotEqual(t, first.Token, first.Session.TokenHash, "only the token hash is stored")
	assert.Equal(t, security.HashSessionToken(first.Token), first.Session.TokenHash)

	newDevice := f.eventsOf(auditdomain.EventNewDevice)
	require.Len(t, newDevice, 1)
	assert.Equal(t, "Chrome on Windows", newDevice[0].Details["deviceName"])
	assert.Len(t, newDevice[0].Details["fingerprintPrefix"], 8)
	assert.NotContains(t, newDevice[0].Details, "ip")

	f.clock.Advance(time.Minute)
	second := f.login(t, "u1", laptop(), "203.0.113.9")
	assert.False(t, second.IsNewDevice)
	assert.False(t, second.RequiresVerification)
	assert.Equal(t, devicedomain.TrustSeen, second.Device.TrustState)
	assert.Equal(t, 2, second.Device.LoginCount)
	assert.Equal(t, 1, second.Superseded)
	assert.Len(t, f.eventsOf(auditdomain.EventNewDevice), 1, "a returning device is not reported again")
}

func TestCreateSession_RejectsIncompleteFingerprint(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	fp := laptop()
	fp.Timezone = ""
	_, err := f.svc.CreateSession(context.Background(), CreateInput{UserID: "u1", Fingerprint: fp})
	require.ErrorIs(t, err, ErrInvalidFingerprint)
}

func TestCreateSession_SingleValidSession(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	a := f.login(t, "u1", laptop(), "203.0.113.9")
	phone := laptop()
	phone.UserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) Version/17.0 Mobile/15E148 Safari/604.1"
	phone.Platform = "iPhone"
	b := f.login(t, "u1", phone, "198.51.100.2")

	old := f.svc.Validate(ctx, a.Token, laptop(), "203.0.113.9")
	assert.False(t, old.Valid)
	assert.Equal(t, domain.ValidationSessionNotFound, old.Reason)

	cur := f.svc.Validate(ctx, b.Token, phone, "198.51.100.2")
	assert.True(t, cur.Valid)

	views, err := f.svc.ListSessions(ctx, "u1", b.Token)
	require.NoError(t, err)
	require.Len(t, views, 2)
	active := 0
	for _, v := range views {
		if v.IsActive {
			active++
			assert.True(t, v.IsCurrent)
			assert.Equal(t, "Safari on iPhone", v.DeviceName)
		} else {
			assert.Equal(t, string(domain.ReasonSuperseded), v.InvalidationReason)
		}
	}
	assert.Equal(t, 1, active)
}

// A stolen token replayed from another browser is rejected and burns the session.
func TestValidate_FingerprintMismatchInvalidates(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	victim := f.login(t, "u1", laptop(), "203.0.113.9")

	attacker := laptop()
	attacker.ScreenResolution = "1366x768"
	res := f.svc.Validate(ctx, victim.Token, attacker, "198.51.100.66")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ValidationFingerprintMismatch, res.Reason)
	assert.Equal(t, "u1", res.UserID)

	hijack := f.eventsOf(auditdomain.EventSessionHijackAttempt)
	require.Len(t, hijack, 1)
	d := hijack[0].Details
	assert.Len(t, d["storedHashPrefix"], 8)
	assert.Len(t, d["presentedHashPrefix"], 8)
	assert.NotEqual(t, d["storedHashPrefix"], d["presentedHashPrefix"])
	assert.Equal(t, victim.Session.ID, d["sessionId"])

	again := f.svc.Validate(ctx, victim.Token, laptop(), "203.0.113.9")
	assert.False(t, again.Valid, "the victim must log in again")
	assert.Equal(t, domain.ValidationSessionNotFound, again.Reason)

	views, err := f.svc.ListSessions(ctx, "u1", "")
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, string(domain.ReasonFingerprintMismatch), views[0].InvalidationReason)
}

func TestValidate_UpdatesLastActive(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	s := f.login(t, "u1", laptop(), "203.0.113.9")

	f.clock.Advance(5 * time.Minute)
	res := f.svc.Validate(context.Background(), s.Token, laptop(), "203.0.113.9")
	require.True(t, res.Valid)
	assert.Equal(t, "u1", res.UserID)
	assert.True(t, res.Session.LastActive.Equal(f.clock.Now()))
	assert.True(t, res.Session.CreatedAt.Before(res.Session.LastActive))
}

func TestValidate_CarriesLoginRole(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	created, err := f.svc.CreateSession(context.Background(), CreateInput{UserID: "t1", Role: "teacher", Fingerprint: laptop(), IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.Equal(t, "teacher", created.Session.Role)

	res := f.svc.Validate(context.Background(), created.Token, laptop(), "203.0.113.9")
	require.True(t, res.Valid)
	assert.Equal(t, "teacher", res.Session.Role)
}

func TestValidate_IPChangePolicy(t *testing.T) {
	t.Run("allow", func(t *testing.T) {
		f := newFixture(t, Config{IPChangePolicy: IPChangeAllow}, nil)
		s := f.login(t, "u1", laptop(), "203.0.113.9")
		res := f.svc.Validate(context.Background(), s.Token, laptop(), "198.51.100.2")
		assert.True(t, res.Valid)
		assert.Empty(t, f.eventsOf(auditdomain.EventIPChangeDetected))
	})

	t.Run("deny", func(t *testing.T) {
		f := newFixture(t, Config{IPChangePolicy: IPChangeDeny}, nil)
		s := f.login(t, "u1", laptop(), "203.0.113.9")

		same := f.svc.Validate(context.Background(), s.Token, laptop(), "::ffff:203.0.113.9")
		assert.True(t, same.Valid, "mapped IPv4 is the same address")

		res := f.svc.Validate(context.Background(), s.Token, laptop(), "198.51.100.2")
		assert.False(t, res.Valid)
		assert.Equal(t, domain.ValidationIPChange, res.Reason)
		events := f.eventsOf(auditdomain.EventIPChangeDetected)
		require.Len(t, events, 1)
		for _, v := range events[0].Details {
			assert.NotContains(t, v, "198.51.100.2")
		}

		after := f.svc.Validate(context.Background(), s.Token, laptop(), "203.0.113.9")
		assert.False(t, after.Valid)
	})
}

func TestValidate_ServerSideLimits(t *testing.T) {
	f := newFixture(t, Config{IdleTimeout: 30 * time.Minute, AbsoluteTimeout: time.Hour}, nil)
	ctx := context.Background()

	s := f.login(t, "u1", laptop(), "203.0.113.9")
	f.clock.Advance(31 * time.Minute)
	res := f.svc.Validate(ctx, s.Token, laptop(), "203.0.113.9")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ValidationSessionExpired, res.Reason)

	s = f.login(t, "u1", laptop(), "203.0.113.9")
	for i := 0; i < 2; i++ {
		f.clock.Advance(20 * time.Minute)
		require.True(t, f.svc.Validate(ctx, s.Token, laptop(), "203.0.113.9").Valid)
	}
	f.clock.Advance(20 * time.Minute)
	res = f.svc.Validate(ctx, s.Token, laptop(), "203.0.113.9")
	assert.False(t, res.Valid, "activity cannot extend past the absolute limit")
	assert.Equal(t, domain.ValidationSessionExpired, res.Reason)
}

func TestValidate_UnknownAndEmptyToken(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	assert.Equal(t, domain.ValidationSessionNotFound, f.svc.Validate(context.Background(), "", laptop(), "").Reason)
	assert.Equal(t, domain.ValidationSessionNotFound, f.svc.Validate(context.Background(), "nope", laptop(), "").Reason)
}

// brokenStore fails every check.
type brokenStore struct{ sessionrepo.Store }

func (brokenStore) Check(context.Context, string, time.Time, sessionrepo.Judge) (*domain.Session, domain.InvalidationReason, error) {
	return nil, "", errors.New("database is locked")
}

func TestValidate_FailsClosedOnStoreError(t *testing.T) {
	keys, err := security.DeriveKeys(strings.Repeat("k", 32))
	require.NoError(t, err)
	svc := NewSessionService(brokenStore{}, nil, keys, nil, nil, Config{}, nil)

	res := svc.Validate(context.Background(), "token", laptop(), "203.0.113.9")
	assert.False(t, res.Valid)
	assert.Equal(t, domain.ValidationInternalError, res.Reason)
}

func TestInvalidate_Idempotent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	s := f.login(t, "u1", laptop(), "203.0.113.9")

	changed, err := f.svc.Invalidate(ctx, s.Token, domain.ReasonLogout)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = f.svc.Invalidate(ctx, s.Token, domain.ReasonTimeout)
	require.NoError(t, err)
	assert.False(t, changed)

	views, err := f.svc.ListSessions(ctx, "u1", "")
	require.NoError(t, err)
	assert.Equal(t, string(domain.ReasonLogout), views[0].InvalidationReason, "the first reason is kept")

	changed, err = f.svc.Invalidate(ctx, "", domain.ReasonLogout)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestInvalidateAll_LogsEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.login(t, "u1", laptop(), "203.0.113.9")

	n, err := f.svc.InvalidateAll(context.Background(), "u1", domain.ReasonLogoutAll, "203.0.113.9", chromeUA)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := f.eventsOf(auditdomain.EventLogoutAll)
	require.Len(t, events, 1)
	assert.Equal(t, "1", events[0].Details["count"])
	assert.Equal(t, f.svc.HashIP("203.0.113.9"), events[0].IPHash)

	n, err = f.svc.InvalidateAll(context.Background(), "u1", domain.ReasonLogoutAll, "", "")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSetDeviceTrust(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()
	s := f.login(t, "u1", laptop(), "203.0.113.9")

	require.NoError(t, f.svc.SetDeviceTrust(ctx, "u1", s.Device.ID, "trusted", "203.0.113.9", chromeUA))
	devices, err := f.svc.ListDevices(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.True(t, devices[0].IsTrusted)
	assert.Equal(t, "trusted", devices[0].TrustState)
	require.Len(t, f.eventsOf(auditdomain.EventDeviceTrustChanged), 1)

	again := f.login(t, "u1", laptop(), "203.0.113.9")
	assert.Equal(t, devicedomain.TrustTrusted, again.Device.TrustState, "trust survives later logins")

	assert.ErrorIs(t, f.svc.SetDeviceTrust(ctx, "u2", s.Device.ID, "trusted", "", ""), ErrDeviceNotFound)
	assert.ErrorIs(t, f.svc.SetDeviceTrust(ctx, "u1", s.Device.ID, "bogus", "", ""), ErrInvalidTrustState)
}

func TestCreateSession_PolicyDecision(t *testing.T) {
	policy, err := engine.NewOPAEvaluator(context.Background(), "", nil)
	require.NoError(t, err)
	f := newFixture(t, Config{}, policy)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, CreateInput{UserID: "admin-1", Role: "admin", Fingerprint: laptop(), IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, res.RequiresVerification)

	res, err = f.svc.CreateSession(ctx, CreateInput{UserID: "admin-1", Role: "admin", Fingerprint: laptop(), IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, res.RequiresVerification, "admins re-verify until the device is trusted")

	res, err = f.svc.CreateSession(ctx, CreateInput{UserID: "s-1", Role: "student", Fingerprint: laptop(), IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.True(t, res.RequiresVerification)
	res, err = f.svc.CreateSession(ctx, CreateInput{UserID: "s-1", Role: "student", Fingerprint: laptop(), IP: "203.0.113.9"})
	require.NoError(t, err)
	assert.False(t, res.RequiresVerification)
}

func TestRecordClientEvent(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, f.svc.RecordClientEvent(ctx, "u1", "session_timeout_logout", map[string]string{"reason": "inactivity"}, "203.0.113.9", chromeUA))
	require.Len(t, f.eventsOf("session_timeout_logout"), 1)

	assert.ErrorIs(t, f.svc.RecordClientEvent(ctx, "u1", "DROP TABLE", nil, "", ""), ErrInvalidEventType)
	assert.ErrorIs(t, f.svc.RecordClientEvent(ctx, "u1", "session_hijack_attempt", nil, "", ""), ErrInvalidEventType)
	assert.Empty(t, f.eventsOf("session_hijack_attempt"))
}

func TestMetadata(t *testing.T) {
	f := newFixture(t, Config{AbsoluteTimeout: 8 * time.Hour, ClientInactivityTimeout: 30 * time.Minute, ClientWarningTime: 2 * time.Minute}, nil)
	s := f.login(t, "u1", laptop(), "203.0.113.9")
	f.clock.Advance(time.Minute)

	m := f.svc.Metadata(s.Session)
	assert.True(t, m.SessionStart.Equal(s.Session.CreatedAt))
	assert.Equal(t, int64(30*60*1000), m.InactivityTimeout)
	assert.Equal(t, int64(8*60*60*1000), m.AbsoluteTimeout)
	assert.Equal(t, int64(2*60*1000), m.WarningTime)
	assert.True(t, m.ServerTime.Equal(f.clock.Now()))
}

func TestMetadata_AbsoluteTimeoutAlwaysAdvertised(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"server limit disabled", Config{ClientInactivityTimeout: 30 * time.Minute}, DefaultClientAbsoluteTimeout},
		{"server limit reused", Config{AbsoluteTimeout: 4 * time.Hour, ClientInactivityTimeout: 30 * time.Minute}, 4 * time.Hour},
		{"client limit wins", Config{AbsoluteTimeout: 4 * time.Hour, ClientAbsoluteTimeout: 2 * time.Hour, ClientInactivityTimeout: 30 * time.Minute}, 2 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg, nil)
			s := f.login(t, "u1", laptop(), "203.0.113.9")
			assert.Equal(t, tt.want.Milliseconds(), f.svc.Metadata(s.Session).AbsoluteTimeout)
		})
	}
}

func TestParseIPChangePolicy(t *testing.T) {
	p, err := ParseIPChangePolicy("")
	require.NoError(t, err)
	assert.Equal(t, IPChangeAllow, p)
	p, err = ParseIPChangePolicy("deny")
	require.NoError(t, err)
	assert.Equal(t, IPChangeDeny, p)
	_, err = ParseIPChangePolicy("sometimes")
	assert.Error(t, err)
}
