// Package scan periodically reviews recent security events and flags users whose hijack
// attempts or new device logins exceed configured thresholds.
package scan

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"schoolhub/backend/internal/audit"
	"schoolhub/backend/internal/audit/domain"
	auditrepo "schoolhub/backend/internal/audit/repository"
)

const (
	pageSize   = 500
	runTimeout = time.Minute
)

// Kind is the type of activity a finding counts.
type Kind string

const (
	KindHijackAttempts Kind = "hijack_attempts"
	KindNewDevices     Kind = "new_devices"
)

func (k Kind) label() string {
	switch k {
	case KindHijackAttempts:
		return "session hijack attempts"
	case KindNewDevices:
		return "new device logins"
	default:
		return string(k)
	}
}

// Finding is one user over one threshold in one run.
type Finding struct {
	UserID    string
	Kind      Kind
	Count     int
	Threshold int
}

// Config holds the scan interval and thresholds. A threshold below 1 disables that check.
type Config struct {
	Interval           time.Duration
	HijackThreshold    int
	NewDeviceThreshold int
}

// Option configures a Scanner.
type Option func(*Scanner)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scanner) { s.now = now }
}

// WithAlerter mails each run's findings.
func WithAlerter(a Alerter) Option {
	return func(s *Scanner) { s.alerter = a }
}

// Scanner is an explicitly owned background job: Start launches it, Stop ends it and waits.
type Scanner struct {
	repo    auditrepo.Repository
	events  audit.EventLogger
	alerter Alerter
	cfg     Config
	log     *zap.Logger
	now     func() time.Time

	runMu     sync.Mutex
	watermark time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a stopped Scanner. The first run covers one interval back from creation.
func New(repo auditrepo.Repository, events audit.EventLogger, cfg Config, log *zap.Logger, opts ...Option) *Scanner {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	s := &Scanner{repo: repo, events: events, cfg: cfg, log: log, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.watermark = s.now().UTC().Add(-cfg.Interval)
	return s
}

// Start runs the scan every interval until Stop or ctx is done. Calling Start twice is a no-op.
func (s *Scanner) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scanner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, runTimeout)
			if _, err := s.RunOnce(runCtx); err != nil {
				s.log.Error("security event scan failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop ends the background loop and waits for an in-flight run.
func (s *Scanner) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce scans events since the previous watermark. The watermark advances only after every
// page was read, so a failed run is retried whole on the next tick.
func (s *Scanner) RunOnce(ctx context.Context) ([]Finding, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	hijacks := map[string]int{}
	devices := map[string]int{}
	since := s.watermark
	for {
		page, err := s.repo.ListSince(ctx, since, pageSize)
		if err != nil {
			return nil, err
		}
		for _, e := range page {
			if e.UserID == "" {
				continue
			}
			switch e.EventType {
			case domain.EventSessionHijackAttempt:
				hijacks[e.UserID]++
			case domain.EventNewDevice:
				devices[e.UserID]++
			}
		}
		if len(page) > 0 {
			since = page[len(page)-1].CreatedAt
		}
		if len(page) < pageSize {
			break
		}
	}
	s.watermark = since

	findings := collect(hijacks, KindHijackAttempts, s.cfg.HijackThreshold)
	findings = append(findings, collect(devices, KindNewDevices, s.cfg.NewDeviceThreshold)...)
	if len(findings) == 0 {
		return nil, nil
	}
	for _, f := range findings {
		s.log.Warn("suspicious activity detected",
			zap.String("user_id", f.UserID),
			zap.String("kind", string(f.Kind)),
			zap.Int("count", f.Count))
		if s.events != nil {
			s.events.Log(ctx, f.UserID, domain.EventSuspiciousActivity, map[string]string{
				"kind":      string(f.Kind),
				"count":     strconv.Itoa(f.Count),
				"threshold": strconv.Itoa(f.Threshold),
			}, "", "")
		}
	}
	if s.alerter != nil {
		if err := s.alerter.Alert(ctx, findings); err != nil {
			s.log.Error("security alert not delivered", zap.Int("findings", len(findings)), zap.Error(err))
		}
	}
	return findings, nil
}

func collect(counts map[string]int, kind Kind, threshold int) []Finding {
	if threshold < 1 {
		return nil
	}
	var out []Finding
	for userID, n := range counts {
		if n >= threshold {
			out = append(out, Finding{UserID: userID, Kind: kind, Count: n, Threshold: threshold})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
