package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"schoolhub/backend/internal/timeout"
)

// API is the part of Client the display needs.
type API interface {
	OpenSession(ctx context.Context, classID string) (*Session, error)
	CloseSession(ctx context.Context, sessionID string) error
	QR(ctx context.Context, sessionID string) (*QRCode, error)
}

// Options configures Run.
type Options struct {
	API          API
	Revoker      timeout.Revoker
	Metadata     timeout.Metadata
	MissingStart timeout.MissingStartPolicy
	ClassID      string
	// Refresh is how often a new code is fetched. It must stay below the server's QR max age.
	Refresh time.Duration
	// OnAnomaly is told when the timeout controller reports an anomaly.
	OnAnomaly func(timeout.Anomaly)
	Logger    *zap.Logger

	programOptions []tea.ProgramOption
}

const (
	defaultRefresh = 2 * time.Second
	requestTimeout = 5 * time.Second
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true)
	codeStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2)
	warningStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle    = lipgloss.NewStyle().Faint(true)
)

// startedMsg reports the outcome of starting the timeout controller.
type startedMsg struct{ err error }

type sessionOpenedMsg struct {
	session *Session
	err     error
}

type qrLoadedMsg struct {
	qr  *QRCode
	err error
}

type tickMsg time.Time

type warningMsg struct{ remaining time.Duration }

type warningClearedMsg struct{}

type loggedOutMsg struct{ logout timeout.Logout }

type model struct {
	api      API
	classID  string
	refresh  time.Duration
	activity func(timeout.ActivityKind) bool
	start    func() error
	now      func() time.Time

	startErr  error
	session   *Session
	qr        *QRCode
	fetching  bool
	nextFetch time.Time
	warnUntil time.Time
	loggedOut *timeout.Logout
	err       string
}

// Run opens attendance for opts.ClassID and shows rotating check-in codes until the user quits
// or the session times out. Any key press counts as activity. The timeout controller is started
// from inside the running program, so its hooks can always reach the display; attendance is only
// opened once it has started without logging out.
func Run(ctx context.Context, opts Options) error {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	var p *tea.Program
	ctrl := timeout.New(timeout.Config{
		Revoker:      opts.Revoker,
		MissingStart: opts.MissingStart,
		Logger:       log,
		Hooks: timeout.Hooks{
			OnWarning:        func(d time.Duration) { p.Send(warningMsg{remaining: d}) },
			OnWarningCleared: func() { p.Send(warningClearedMsg{}) },
			OnLogout:         func(l timeout.Logout) { p.Send(loggedOutMsg{logout: l}) },
			OnAnomaly:        opts.OnAnomaly,
		},
	})
	m := newModel(opts, ctrl.Activity)
	m.start = func() error { return ctrl.Start(opts.Metadata) }
	popts := append([]tea.ProgramOption{tea.WithAltScreen(), tea.WithContext(ctx)}, opts.programOptions...)
	p = tea.NewProgram(m, popts...)
	defer ctrl.Stop()

	final, err := p.Run()
	fm, ok := final.(model)
	if ok && fm.startErr != nil {
		return fmt.Errorf("kiosk: start timeout controller: %w", fm.startErr)
	}
	if ok && fm.session != nil && fm.loggedOut == nil {
		cctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if cerr := opts.API.CloseSession(cctx, fm.session.ID); cerr != nil {
			log.Warn("failed to close attendance session", zap.String("session_id", fm.session.ID), zap.Error(cerr))
		}
	}
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func newModel(opts Options, activity func(timeout.ActivityKind) bool) model {
	refresh := opts.Refresh
	if refresh <= 0 {
		refresh = defaultRefresh
	}
	return model{
		api:      opts.API,
		classID:  opts.ClassID,
		refresh:  refresh,
		activity: activity,
		now:      time.Now,
	}
}

func (m model) Init() tea.Cmd {
	if m.start == nil {
		return tea.Batch(m.openCmd(), tick())
	}
	start := m.start
	return func() tea.Msg { return startedMsg{err: start()} }
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.activity != nil {
			m.activity(timeout.ActivityKeyDown)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "r":
			if m.loggedOut == nil && m.session != nil {
				m.nextFetch = time.Time{}
			}
		}
		return m, nil
	case startedMsg:
		if msg.err != nil {
			// The controller has already logged out when the session start is missing under
			// the deny policy; other errors mean the metadata was unusable.
			m.startErr = msg.err
			return m, tea.Quit
		}
		if m.loggedOut != nil {
			return m, nil
		}
		return m, tea.Batch(m.openCmd(), tick())
	case sessionOpenedMsg:
		if msg.err != nil {
			m.err = "Could not open attendance: " + describe(msg.err)
			return m, nil
		}
		m.session = msg.session
		m.err = ""
		return m, nil
	case qrLoadedMsg:
		m.fetching = false
		if msg.err != nil {
			m.err = "Could not load code: " + describe(msg.err)
			if errors.Is(msg.err, ErrUnauthorized) {
				m.session = nil
			}
			return m, nil
		}
		m.qr = msg.qr
		m.err = ""
		return m, nil
	case tickMsg:
		if m.loggedOut != nil {
			return m, nil
		}
		now := time.Time(msg)
		if m.session != nil && !m.fetching && !now.Before(m.nextFetch) {
			m.fetching = true
			m.nextFetch = now.Add(m.refresh)
			return m, tea.Batch(m.qrCmd(), tick())
		}
		return m, tick()
	case warningMsg:
		m.warnUntil = m.now().Add(msg.remaining)
		return m, nil
	case warningClearedMsg:
		m.warnUntil = time.Time{}
		return m, nil
	case loggedOutMsg:
		l := msg.logout
		m.loggedOut = &l
		m.qr = nil
		m.warnUntil = time.Time{}
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("SchoolHub attendance  •  class "+m.classID) + "\n\n")

	if m.loggedOut != nil {
		b.WriteString(warningStyle.Render("Signed out ("+m.loggedOut.Reason+"). Sign in again to continue.") + "\n\n")
		b.WriteString(helpStyle.Render("q quit") + "\n")
		return b.String()
	}
	if !m.warnUntil.IsZero() {
		left := m.warnUntil.Sub(m.now()).Round(time.Second)
		if left < 0 {
			left = 0
		}
		b.WriteString(warningStyle.Render(fmt.Sprintf("Signing out in %s due to inactivity. Press any key to stay signed in.", left)) + "\n\n")
	}
	if m.err != "" {
		b.WriteString(errorStyle.Render(m.err) + "\n\n")
	}
	switch {
	case m.session == nil:
		b.WriteString("  (no open attendance session)\n")
	case m.qr == nil:
		b.WriteString("  Loading check-in code...\n")
	default:
		b.WriteString(codeStyle.Render(m.qr.Token) + "\n")
		b.WriteString(fmt.Sprintf("Valid until %s\n", m.qr.ExpiresAt.Local().Format("15:04:05")))
	}
	b.WriteString("\n" + helpStyle.Render("r refresh code  •  q close attendance and quit") + "\n")
	return b.String()
}

func (m model) openCmd() tea.Cmd {
	api, classID := m.api, m.classID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		s, err := api.OpenSession(ctx, classID)
		return sessionOpenedMsg{session: s, err: err}
	}
}

func (m model) qrCmd() tea.Cmd {
	api, id := m.api, m.session.ID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		qr, err := api.QR(ctx, id)
		return qrLoadedMsg{qr: qr, err: err}
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func describe(err error) string {
	var apiErr *APIError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return "session rejected, sign in again"
	case errors.As(err, &apiErr) && apiErr.Message != "":
		return apiErr.Message
	default:
		return err.Error()
	}
}
