// Package timeout implements the client-side session timeout controller: an inactivity timer with
// a warning window and an absolute lifetime anchored to the server-issued session start.
// It is a usability and defense-in-depth layer; the server's own limits stay authoritative.
package timeout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrMissingSessionStart is returned by Start under MissingStartDeny when metadata has no session start.
	ErrMissingSessionStart = errors.New("session metadata has no session start")
	// ErrInvalidMetadata is returned for non-positive timeouts or a warning not shorter than the inactivity timeout.
	ErrInvalidMetadata = errors.New("invalid session timeout metadata")
)

// ReasonSessionTimeout is the machine-readable reason passed to the login surface after any timeout logout.
const ReasonSessionTimeout = "session_timeout"

// revokeTimeout bounds the server call made on logout.
const revokeTimeout = 5 * time.Second

// MissingStartPolicy decides what Start does when the server sent no session start.
type MissingStartPolicy string

const (
	// MissingStartFallback starts a full absolute window from now and reports an anomaly.
	MissingStartFallback MissingStartPolicy = "fallback"
	// MissingStartDeny logs out immediately.
	MissingStartDeny MissingStartPolicy = "deny"
)

// ParseMissingStartPolicy accepts fallback or deny; empty means fallback.
func ParseMissingStartPolicy(s string) (MissingStartPolicy, error) {
	switch p := MissingStartPolicy(s); p {
	case MissingStartFallback, MissingStartDeny:
		return p, nil
	case "":
		return MissingStartFallback, nil
	default:
		return "", fmt.Errorf("unknown missing session start policy %q", s)
	}
}

// ActivityKind is a user interaction that counts as activity.
type ActivityKind string

const (
	ActivityPointerDown ActivityKind = "pointer_down"
	ActivityPointerMove ActivityKind = "pointer_move"
	ActivityKeyDown     ActivityKind = "key_down"
	ActivityScroll      ActivityKind = "scroll"
	ActivityTouchStart  ActivityKind = "touch_start"
	ActivityClick       ActivityKind = "click"
)

func (k ActivityKind) valid() bool {
	switch k {
	case ActivityPointerDown, ActivityPointerMove, ActivityKeyDown, ActivityScroll, ActivityTouchStart, ActivityClick:
		return true
	default:
		return false
	}
}

// Cause says which limit ended the session.
type Cause string

const (
	CauseInactivity          Cause = "inactivity"
	CauseAbsolute            Cause = "absolute"
	CauseMissingSessionStart Cause = "missing_session_start"
)

// Logout is passed to OnLogout. Reason is what the login surface shows; Cause stays local.
type Logout struct {
	Reason string
	Cause  Cause
}

// Anomaly names a condition worth investigating server-side.
type Anomaly string

// AnomalyMissingSessionStart is reported when the fallback policy had to invent a session start.
const AnomalyMissingSessionStart Anomaly = "missing_session_start"

// Metadata is the server's view of the session. SessionStart is nil for sessions created
// before the server recorded it.
type Metadata struct {
	SessionStart      *time.Time
	InactivityTimeout time.Duration
	AbsoluteTimeout   time.Duration
	WarningTime       time.Duration
}

func (m Metadata) validate() error {
	if m.InactivityTimeout <= 0 || m.AbsoluteTimeout <= 0 || m.WarningTime < 0 || m.WarningTime >= m.InactivityTimeout {
		return ErrInvalidMetadata
	}
	return nil
}

// Revoker ends the server-side session.
type Revoker interface {
	Revoke(ctx context.Context, reason string) error
}

// RevokerFunc adapts a function to Revoker.
type RevokerFunc func(ctx context.Context, reason string) error

// Revoke implements Revoker.
func (f RevokerFunc) Revoke(ctx context.Context, reason string) error { return f(ctx, reason) }

// Hooks are UI callbacks. They run outside the controller lock and may call back into it.
type Hooks struct {
	// OnWarning fires when the inactivity warning window opens, with the time left.
	OnWarning func(remaining time.Duration)
	// OnWarningCleared fires when activity during the warning window extends the session.
	OnWarningCleared func()
	OnLogout         func(Logout)
	OnAnomaly        func(Anomaly)
}

// Config wires a Controller. Only Revoker is required.
type Config struct {
	Clock        Clock
	Storage      Storage
	Revoker      Revoker
	Hooks        Hooks
	MissingStart MissingStartPolicy
	Logger       *zap.Logger
}

// Controller runs the two countdowns for one session at a time.
//
// Every armed timer captures a generation number; Start, Stop, logout and re-arming bump it, so a
// timer that fires after being superseded does nothing.
type Controller struct {
	clock   Clock
	storage Storage
	revoker Revoker
	hooks   Hooks
	policy  MissingStartPolicy
	log     *zap.Logger

	mu       sync.Mutex
	running  bool
	warning  bool
	gen      uint64 // session generation
	idleGen  uint64 // inactivity timer generation
	meta     Metadata
	deadline time.Time
	timers   []Timer
	idle     []Timer
}

// New returns a stopped Controller.
func New(cfg Config) *Controller {
	if cfg.Clock == nil {
		cfg.Clock = RealClock{}
	}
	if cfg.Storage == nil {
		cfg.Storage = &MemoryStorage{}
	}
	if cfg.MissingStart == "" {
		cfg.MissingStart = MissingStartFallback
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Controller{
		clock:   cfg.Clock,
		storage: cfg.Storage,
		revoker: cfg.Revoker,
		hooks:   cfg.Hooks,
		policy:  cfg.MissingStart,
		log:     cfg.Logger,
	}
}

// Start (re)initializes both countdowns from meta. Any previous session's timers are cancelled.
func (c *Controller) Start(meta Metadata) error {
	if err := meta.validate(); err != nil {
		return err
	}
	c.mu.Lock()
	c.cancelLocked()
	c.gen++
	c.running = false
	now := c.clock.Now()

	start := now
	anomaly := false
	if meta.SessionStart != nil {
		start = *meta.SessionStart
	} else if c.policy == MissingStartDeny {
		c.mu.Unlock()
		c.log.Warn("session metadata missing session start, logging out")
		c.finish(CauseMissingSessionStart)
		return ErrMissingSessionStart
	} else {
		anomaly = true
	}

	c.meta = meta
	c.deadline = start.Add(meta.AbsoluteTimeout)
	if !now.Before(c.deadline) {
		c.mu.Unlock()
		c.finish(CauseAbsolute)
		return nil
	}
	c.running = true
	c.warning = false
	c.storage.SaveLastActivity(now)
	gen := c.gen
	c.timers = append(c.timers, c.clock.AfterFunc(c.deadline.Sub(now), func() { c.fire(gen, 0, CauseAbsolute) }))
	c.armIdleLocked()
	c.mu.Unlock()

	if anomaly {
		c.log.Warn("session metadata missing session start, applying full absolute window from now")
		if c.hooks.OnAnomaly != nil {
			c.hooks.OnAnomaly(AnomalyMissingSessionStart)
		}
	}
	return nil
}

// armIdleLocked replaces the warning and inactivity timers with fresh ones.
func (c *Controller) armIdleLocked() {
	for _, t := range c.idle {
		t.Stop()
	}
	c.idleGen++
	gen, idleGen := c.gen, c.idleGen
	warnAfter := c.meta.InactivityTimeout - c.meta.WarningTime
	c.idle = []Timer{
		c.clock.AfterFunc(c.meta.InactivityTimeout, func() { c.fire(gen, idleGen, CauseInactivity) }),
	}
	if c.meta.WarningTime > 0 {
		c.idle = append(c.idle, c.clock.AfterFunc(warnAfter, func() { c.warn(gen, idleGen) }))
	}
}

// Activity records a user interaction: it restarts the inactivity countdown and clears an open
// warning. It cannot move the absolute deadline. Returns false when stopped or kind is unknown.
func (c *Controller) Activity(kind ActivityKind) bool {
	if !kind.valid() {
		return false
	}
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.storage.SaveLastActivity(c.clock.Now())
	cleared := c.warning
	c.warning = false
	c.armIdleLocked()
	c.mu.Unlock()

	if cleared && c.hooks.OnWarningCleared != nil {
		c.hooks.OnWarningCleared()
	}
	return true
}

// Deadline returns the absolute logout instant of the running session.
func (c *Controller) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.running
}

// Stop cancels every timer without revoking the session (e.g. after an explicit logout).
func (c *Controller) Stop() {
	c.mu.Lock()
	c.cancelLocked()
	c.gen++
	c.running = false
	c.warning = false
	c.mu.Unlock()
	c.storage.Clear()
}

func (c *Controller) cancelLocked() {
	for _, t := range c.timers {
		t.Stop()
	}
	for _, t := range c.idle {
		t.Stop()
	}
	c.timers, c.idle = nil, nil
}

func (c *Controller) warn(gen, idleGen uint64) {
	c.mu.Lock()
	if !c.running || gen != c.gen || idleGen != c.idleGen {
		c.mu.Unlock()
		return
	}
	c.warning = true
	remaining := c.meta.WarningTime
	c.mu.Unlock()

	if c.hooks.OnWarning != nil {
		c.hooks.OnWarning(remaining)
	}
}

// fire handles an expired countdown. idleGen is 0 for the absolute timer.
func (c *Controller) fire(gen, idleGen uint64, cause Cause) {
	c.mu.Lock()
	if !c.running || gen != c.gen || (idleGen != 0 && idleGen != c.idleGen) {
		c.mu.Unlock()
		return
	}
	c.cancelLocked()
	c.gen++
	c.running = false
	c.warning = false
	c.mu.Unlock()
	c.finish(cause)
}

// finish clears local state, revokes the server session and notifies the UI.
func (c *Controller) finish(cause Cause) {
	c.storage.Clear()
	if c.revoker != nil {
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		if err := c.revoker.Revoke(ctx, ReasonSessionTimeout); err != nil {
			c.log.Warn("failed to revoke session after timeout", zap.String("cause", string(cause)), zap.Error(err))
		}
		cancel()
	}
	c.log.Info("session timed out", zap.String("cause", string(cause)))
	if c.hooks.OnLogout != nil {
		c.hooks.OnLogout(Logout{Reason: ReasonSessionTimeout, Cause: cause})
	}
}
