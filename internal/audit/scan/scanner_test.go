package scan

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/resend/resend-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/backend/internal/audit"
	"schoolhub/backend/internal/audit/domain"
	auditrepo "schoolhub/backend/internal/audit/repository"
)

var t0 = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

type fakeAlerter struct {
	mu    sync.Mutex
	calls [][]Finding
	err   error
}

func (a *fakeAlerter) Alert(_ context.Context, f []Finding) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, f)
	return a.err
}

type failingRepo struct {
	auditrepo.Repository
}

func (failingRepo) ListSince(context.Context, time.Time, int) ([]*domain.SecurityEvent, error) {
	return nil, errors.New("db down")
}

func appendEvent(t *testing.T, repo auditrepo.Repository, id, userID string, typ domain.EventType, at time.Time) {
	t.Helper()
	require.NoError(t, repo.Append(context.Background(), &domain.SecurityEvent{ID: id, UserID: userID, EventType: typ, CreatedAt: at}))
}

func TestRunOnce_FindingsOverThresholds(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	now := t0
	logger := audit.NewLogger(repo, nil, audit.WithClock(func() time.Time { return now }))
	alerter := &fakeAlerter{}
	s := New(repo, logger, Config{Interval: 5 * time.Minute, HijackThreshold: 2, NewDeviceThreshold: 3}, nil,
		WithClock(func() time.Time { return now }), WithAlerter(alerter))

	appendEvent(t, repo, "old", "u1", domain.EventSessionHijackAttempt, t0.Add(-10*time.Minute))
	appendEvent(t, repo, "h1", "u1", domain.EventSessionHijackAttempt, t0.Add(-4*time.Minute))
	appendEvent(t, repo, "h2", "u1", domain.EventSessionHijackAttempt, t0.Add(-3*time.Minute))
	appendEvent(t, repo, "h3", "u2", domain.EventSessionHijackAttempt, t0.Add(-3*time.Minute))
	for i, at := range []time.Duration{-4, -3, -2} {
		appendEvent(t, repo, "d"+string(rune('a'+i)), "u3", domain.EventNewDevice, t0.Add(at*time.Minute))
	}
	appendEvent(t, repo, "anon", "", domain.EventSessionHijackAttempt, t0.Add(-time.Minute))

	findings, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, findings, 2)
	assert.Equal(t, Finding{UserID: "u1", Kind: KindHijackAttempts, Count: 2, Threshold: 2}, findings[0])
	assert.Equal(t, Finding{UserID: "u3", Kind: KindNewDevices, Count: 3, Threshold: 3}, findings[1])
	require.Len(t, alerter.calls, 1)

	var flagged []string
	for _, e := range repo.All() {
		if e.EventType == domain.EventSuspiciousActivity {
			flagged = append(flagged, e.UserID)
			assert.NotEmpty(t, e.Details["kind"])
		}
	}
	assert.ElementsMatch(t, []string{"u1", "u3"}, flagged)

	// The watermark moved past everything already counted.
	now = t0.Add(5 * time.Minute)
	findings, err = s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Len(t, alerter.calls, 1)
}

func TestRunOnce_ErrorKeepsWatermark(t *testing.T) {
	s := New(failingRepo{}, nil, Config{Interval: time.Minute, HijackThreshold: 1}, nil, WithClock(func() time.Time { return t0 }))
	before := s.watermark
	_, err := s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, before, s.watermark)
}

func TestRunOnce_AlertFailureSwallowed(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	appendEvent(t, repo, "h1", "u1", domain.EventSessionHijackAttempt, t0.Add(-time.Second))
	alerter := &fakeAlerter{err: errors.New("mail down")}
	s := New(repo, nil, Config{Interval: time.Minute, HijackThreshold: 1}, nil,
		WithClock(func() time.Time { return t0 }), WithAlerter(alerter))

	findings, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, findings, 1)
}

func TestRunOnce_DisabledThreshold(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	appendEvent(t, repo, "d1", "u1", domain.EventNewDevice, t0.Add(-time.Second))
	s := New(repo, nil, Config{Interval: time.Minute, HijackThreshold: 1, NewDeviceThreshold: 0}, nil,
		WithClock(func() time.Time { return t0 }))
	findings, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, findings)
}

func TestScanner_StartStop(t *testing.T) {
	repo := auditrepo.NewMemoryRepository()
	alerter := &fakeAlerter{}
	s := New(repo, nil, Config{Interval: 10 * time.Millisecond, HijackThreshold: 1}, nil, WithAlerter(alerter))
	appendEvent(t, repo, "h1", "u1", domain.EventSessionHijackAttempt, time.Now().UTC())

	s.Start(context.Background())
	s.Start(context.Background())
	assert.Eventually(t, func() bool {
		alerter.mu.Lock()
		defer alerter.mu.Unlock()
		return len(alerter.calls) == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

type fakeEmails struct {
	got *resend.SendEmailRequest
}

func (f *fakeEmails) SendWithContext(_ context.Context, p *resend.SendEmailRequest) (*resend.SendEmailResponse, error) {
	f.got = p
	return &resend.SendEmailResponse{Id: "msg-1"}, nil
}

func TestResendAlerter(t *testing.T) {
	emails := &fakeEmails{}
	a := &ResendAlerter{emails: emails, from: "alerts@school.test", to: splitRecipients("sec@school.test, ops@school.test,")}

	require.NoError(t, a.Alert(context.Background(), nil))
	assert.Nil(t, emails.got)

	require.NoError(t, a.Alert(context.Background(), []Finding{{UserID: "u1", Kind: KindHijackAttempts, Count: 4, Threshold: 2}}))
	require.NotNil(t, emails.got)
	assert.Equal(t, []string{"sec@school.test", "ops@school.test"}, emails.got.To)
	assert.Contains(t, emails.got.Subject, "1 suspicious activity")
	assert.True(t, strings.Contains(emails.got.Text, "user u1: 4 session hijack attempts"))
}
