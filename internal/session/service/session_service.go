package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"schoolhub/backend/internal/audit"
	auditdomain "schoolhub/backend/internal/audit/domain"
	devicedomain "schoolhub/backend/internal/device/domain"
	devicerepo "schoolhub/backend/internal/device/repository"
	"schoolhub/backend/internal/policy/engine"
	"schoolhub/backend/internal/security"
	"schoolhub/backend/internal/session/domain"
	sessionrepo "schoolhub/backend/internal/session/repository"
)

// Sentinel errors; handlers map them to HTTP status codes.
var (
	ErrInvalidFingerprint = errors.New("invalid fingerprint")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrInvalidTrustState  = errors.New("invalid trust state")
	ErrInvalidEventType   = errors.New("invalid event type")
)

// IPChangePolicy decides what happens when a session is used from a different IP than the one it was created on.
type IPChangePolicy string

const (
	IPChangeAllow IPChangePolicy = "allow"
	IPChangeDeny  IPChangePolicy = "deny"
)

// ParseIPChangePolicy parses allow or deny; empty means allow.
func ParseIPChangePolicy(s string) (IPChangePolicy, error) {
	switch p := IPChangePolicy(s); p {
	case IPChangeAllow, IPChangeDeny:
		return p, nil
	case "":
		return IPChangeAllow, nil
	default:
		return "", fmt.Errorf("unknown ip change policy %q", s)
	}
}

// DefaultClientAbsoluteTimeout is advertised when neither a client nor a server absolute limit is set.
const DefaultClientAbsoluteTimeout = 8 * time.Hour

// Config holds the session limits. Zero durations disable the corresponding server-side limit.
type Config struct {
	IPChangePolicy  IPChangePolicy
	IdleTimeout     time.Duration
	AbsoluteTimeout time.Duration
	// Advertised to the client timeout controller. ClientAbsoluteTimeout falls back to
	// AbsoluteTimeout and then to DefaultClientAbsoluteTimeout, so the client always gets a limit.
	ClientInactivityTimeout time.Duration
	ClientAbsoluteTimeout   time.Duration
	ClientWarningTime       time.Duration
}

// CreateInput is a login request that has already passed identity verification.
type CreateInput struct {
	UserID      string
	Role        string
	Fingerprint security.Fingerprint
	IP          string
	// UserAgent is the request header; the fingerprint's user agent is used when empty.
	UserAgent string
}

// CreateResult is returned by CreateSession. Token is the only copy of the raw session token.
type CreateResult struct {
	Token                string
	Session              *domain.Session
	Device               *devicedomain.Device
	IsNewDevice          bool
	RequiresVerification bool
	Superseded           int
}

// ValidationResult is the outcome of Validate. UserID is set whenever a session was found.
type ValidationResult struct {
	Valid   bool
	Reason  domain.ValidationReason
	UserID  string
	Session *domain.Session
}

// SessionView is the user-facing projection of a session. It carries the keyed IP hash, never a raw IP.
type SessionView struct {
	ID                 string    `json:"id"`
	DeviceID           string    `json:"deviceId"`
	DeviceName         string    `json:"deviceName"`
	UserAgent          string    `json:"userAgent"`
	IPHash             string    `json:"ipHash"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActive         time.Time `json:"lastActive"`
	IsActive           bool      `json:"isActive"`
	IsCurrent          bool      `json:"isCurrent"`
	InvalidationReason string    `json:"invalidationReason,omitempty"`
}

// DeviceView is the user-facing projection of a device.
type DeviceView struct {
	ID              string    `json:"id"`
	DeviceName      string    `json:"deviceName"`
	FingerprintHash string    `json:"fingerprintHash"`
	FirstSeen       time.Time `json:"firstSeen"`
	LastSeen        time.Time `json:"lastSeen"`
	LoginCount      int       `json:"loginCount"`
	TrustState      string    `json:"trustState"`
	IsTrusted       bool      `json:"isTrusted"`
}

// Metadata is what the client timeout controller needs. SessionStart is server-issued and not client-settable.
type Metadata struct {
	SessionStart      time.Time `json:"sessionStart"`
	LastActive        time.Time `json:"lastActive"`
	InactivityTimeout int64     `json:"inactivityTimeoutMs"`
	AbsoluteTimeout   int64     `json:"absoluteTimeoutMs"`
	WarningTime       int64     `json:"warningTimeMs"`
	ServerTime        time.Time `json:"serverTime"`
}

// Option configures a SessionService.
type Option func(*SessionService)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *SessionService) { s.now = now }
}

// SessionService creates, validates and ends fingerprint-bound sessions.
type SessionService struct {
	store        sessionrepo.Store
	devices      devicerepo.Repository
	fingerprints *security.FingerprintHasher
	ips          *security.IPHasher
	events       audit.EventLogger
	policy       engine.Evaluator
	cfg          Config
	log          *zap.Logger
	now          func() time.Time
}

// NewSessionService returns a SessionService. policy may be nil, in which case only unknown devices
// require re-verification. log may be nil.
func NewSessionService(
	store sessionrepo.Store,
	devices devicerepo.Repository,
	keys security.Keys,
	events audit.EventLogger,
	policy engine.Evaluator,
	cfg Config,
	log *zap.Logger,
	opts ...Option,
) *SessionService {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.IPChangePolicy == "" {
		cfg.IPChangePolicy = IPChangeAllow
	}
	if cfg.ClientAbsoluteTimeout <= 0 {
		cfg.ClientAbsoluteTimeout = cfg.AbsoluteTimeout
	}
	if cfg.ClientAbsoluteTimeout <= 0 {
		cfg.ClientAbsoluteTimeout = DefaultClientAbsoluteTimeout
	}
	s := &SessionService{
		store:        store,
		devices:      devices,
		fingerprints: security.NewFingerprintHasher(keys.Fingerprint),
		ips:          security.NewIPHasher(keys.IP),
		events:       events,
		policy:       policy,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HashIP returns the keyed hash of ip used in sessions and security events.
func (s *SessionService) HashIP(ip string) string {
	return s.ips.Hash(ip)
}

// CreateSession starts a new session for a verified user. Every other valid session of the user
// is invalidated in the same atomic step, so at most one session per user is valid.
func (s *SessionService) CreateSession(ctx context.Context, in CreateInput) (*CreateResult, error) {
	if in.UserID == "" {
		return nil, errors.New("user id is required")
	}
	if err := in.Fingerprint.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFingerprint, err)
	}
	token, err := security.NewSessionToken()
	if err != nil {
		return nil, fmt.Errorf("generate session token: %w", err)
	}
	ua := in.UserAgent
	if ua == "" {
		ua = in.Fingerprint.UserAgent
	}
	fpHash := s.fingerprints.Hash(in.Fingerprint)
	ipHash := s.ips.Hash(in.IP)

	res, err := s.store.CreateSession(ctx, sessionrepo.CreateParams{
		SessionID:       uuid.New().String(),
		NewDeviceID:     uuid.New().String(),
		UserID:          in.UserID,
		Role:            in.Role,
		TokenHash:       security.HashSessionToken(token),
		FingerprintHash: fpHash,
		IPHash:          ipHash,
		UserAgent:       ua,
		DeviceName:      devicedomain.NameFromUserAgent(in.Fingerprint.UserAgent),
		Now:             s.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	if res.IsNewDevice {
		s.logEvent(ctx, in.UserID, auditdomain.EventNewDevice, map[string]string{
			"deviceId":          res.Device.ID,
			"deviceName":        res.Device.DeviceName,
			"fingerprintPrefix": security.HashPrefix(fpHash),
		}, ipHash, ua)
	}

	out := &CreateResult{
		Token:                token,
		Session:              res.Session,
		Device:               res.Device,
		IsNewDevice:          res.IsNewDevice,
		RequiresVerification: res.Device.TrustState == devicedomain.TrustUnknown,
		Superseded:           res.Superseded,
	}
	if s.policy != nil {
		decision, err := s.policy.EvaluateDeviceTrust(ctx, engine.Input{
			Device:      res.Device,
			IsNewDevice: res.IsNewDevice,
			UserID:      in.UserID,
			Role:        in.Role,
		})
		if err != nil {
			s.log.Warn("device trust policy failed", zap.String("user_id", in.UserID), zap.Error(err))
		}
		// The evaluator returns a fail-closed decision alongside any error.
		out.RequiresVerification = decision.RequireReverification
	}

	s.log.Info("session created",
		zap.String("user_id", in.UserID),
		zap.String("session_id", res.Session.ID),
		zap.Bool("new_device", res.IsNewDevice),
		zap.Int("superseded", res.Superseded))
	return out, nil
}

// Validate checks a presented session token against the stored fingerprint and IP bindings.
// A fingerprint mismatch or a denied IP change invalidates the session before returning.
// Any store error fails closed with reason internal_error.
func (s *SessionService) Validate(ctx context.Context, token string, fp security.Fingerprint, ip string) ValidationResult {
	if token == "" {
		return ValidationResult{Reason: domain.ValidationSessionNotFound}
	}
	fpHash := s.fingerprints.Hash(fp)
	ipHash := s.ips.Hash(ip)
	now := s.now().UTC()

	judge := func(sess *domain.Session) domain.InvalidationReason {
		if !security.HashEqual(sess.FingerprintHash, fpHash) {
			return domain.ReasonFingerprintMismatch
		}
		if s.cfg.IPChangePolicy == IPChangeDeny && !security.HashEqual(sess.IPHash, ipHash) {
			return domain.ReasonIPChange
		}
		if s.expired(sess, now) {
			return domain.ReasonExpired
		}
		return ""
	}

	sess, reason, err := s.store.Check(ctx, security.HashSessionToken(token), now, judge)
	if err != nil {
		s.log.Error("session validation failed", zap.Error(err))
		return ValidationResult{Reason: domain.ValidationInternalError}
	}
	if sess == nil {
		return ValidationResult{Reason: domain.ValidationSessionNotFound}
	}

	switch reason {
	case "":
		return ValidationResult{Valid: true, UserID: sess.UserID, Session: sess}
	case domain.ReasonFingerprintMismatch:
		s.log.Warn("session fingerprint mismatch", zap.String("user_id", sess.UserID), zap.String("session_id", sess.ID))
		s.logEvent(ctx, sess.UserID, auditdomain.EventSessionHijackAttempt, map[string]string{
			"sessionId":           sess.ID,
			"deviceId":            sess.DeviceID,
			"storedHashPrefix":    security.HashPrefix(sess.FingerprintHash),
			"presentedHashPrefix": security.HashPrefix(fpHash),
		}, ipHash, fp.UserAgent)
		return ValidationResult{Reason: domain.ValidationFingerprintMismatch, UserID: sess.UserID, Session: sess}
	case domain.ReasonIPChange:
		s.log.Warn("session ip change denied", zap.String("user_id", sess.UserID), zap.String("session_id", sess.ID))
		s.logEvent(ctx, sess.UserID, auditdomain.EventIPChangeDetected, map[string]string{
			"sessionId":         sess.ID,
			"storedIpPrefix":    security.HashPrefix(sess.IPHash),
			"presentedIpPrefix": security.HashPrefix(ipHash),
		}, ipHash, fp.UserAgent)
		return ValidationResult{Reason: domain.ValidationIPChange, UserID: sess.UserID, Session: sess}
	case domain.ReasonExpired:
		return ValidationResult{Reason: domain.ValidationSessionExpired, UserID: sess.UserID, Session: sess}
	default:
		return ValidationResult{Reason: domain.ValidationInternalError, UserID: sess.UserID}
	}
}

func (s *SessionService) expired(sess *domain.Session, now time.Time) bool {
	if s.cfg.AbsoluteTimeout > 0 && now.Sub(sess.CreatedAt) >= s.cfg.AbsoluteTimeout {
		return true
	}
	return s.cfg.IdleTimeout > 0 && now.Sub(sess.LastActive) >= s.cfg.IdleTimeout
}

// Invalidate ends the session for token. Ending an unknown or already invalid session is a no-op.
func (s *SessionService) Invalidate(ctx context.Context, token string, reason domain.InvalidationReason) (bool, error) {
	if token == "" {
		return false, nil
	}
	changed, err := s.store.Invalidate(ctx, security.HashSessionToken(token), reason, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("invalidate session: %w", err)
	}
	return changed, nil
}

// InvalidateAll ends every valid session of the user and returns the count. A logout_all request
// is recorded as a security event.
func (s *SessionService) InvalidateAll(ctx context.Context, userID string, reason domain.InvalidationReason, ip, userAgent string) (int, error) {
	n, err := s.store.InvalidateAll(ctx, userID, reason, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("invalidate sessions: %w", err)
	}
	if reason == domain.ReasonLogoutAll {
		s.logEvent(ctx, userID, auditdomain.EventLogoutAll, map[string]string{
			"count": strconv.Itoa(n),
		}, s.ips.Hash(ip), userAgent)
	}
	return n, nil
}

// ListSessions returns the user's recent sessions. currentToken marks the caller's own session.
func (s *SessionService) ListSessions(ctx context.Context, userID, currentToken string) ([]SessionView, error) {
	list, err := s.store.ListByUser(ctx, userID, 20)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	current := ""
	if currentToken != "" {
		current = security.HashSessionToken(currentToken)
	}
	out := make([]SessionView, 0, len(list))
	for _, sess := range list {
		out = append(out, SessionView{
			ID:                 sess.ID,
			DeviceID:           sess.DeviceID,
			DeviceName:         devicedomain.NameFromUserAgent(sess.UserAgent),
			UserAgent:          sess.UserAgent,
			IPHash:             sess.IPHash,
			CreatedAt:          sess.CreatedAt,
			LastActive:         sess.LastActive,
			IsActive:           sess.IsValid,
			IsCurrent:          current != "" && security.HashEqual(sess.TokenHash, current),
			InvalidationReason: string(sess.InvalidationReason),
		})
	}
	return out, nil
}

// ListDevices returns the user's known devices, most recently seen first.
func (s *SessionService) ListDevices(ctx context.Context, userID string) ([]DeviceView, error) {
	list, err := s.devices.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make([]DeviceView, 0, len(list))
	for _, d := range list {
		out = append(out, DeviceView{
			ID:              d.ID,
			DeviceName:      d.DeviceName,
			FingerprintHash: d.FingerprintHash,
			FirstSeen:       d.FirstSeen,
			LastSeen:        d.LastSeen,
			LoginCount:      d.LoginCount,
			TrustState:      string(d.TrustState),
			IsTrusted:       d.IsTrusted(),
		})
	}
	return out, nil
}

// SetDeviceTrust changes the trust state of one of the user's devices.
func (s *SessionService) SetDeviceTrust(ctx context.Context, userID, deviceID, state, ip, userAgent string) error {
	ts, err := devicedomain.ParseTrustState(state)
	if err != nil {
		return ErrInvalidTrustState
	}
	ok, err := s.devices.SetTrustState(ctx, userID, deviceID, ts)
	if err != nil {
		return fmt.Errorf("set device trust: %w", err)
	}
	if !ok {
		return ErrDeviceNotFound
	}
	s.logEvent(ctx, userID, auditdomain.EventDeviceTrustChanged, map[string]string{
		"deviceId":   deviceID,
		"trustState": string(ts),
	}, s.ips.Hash(ip), userAgent)
	return nil
}

// RecordClientEvent records a security event reported by the client (e.g. a timeout logout).
// Event types the server emits itself are rejected.
func (s *SessionService) RecordClientEvent(ctx context.Context, userID, eventType string, details map[string]string, ip, userAgent string) error {
	t := auditdomain.EventType(eventType)
	if err := auditdomain.ValidateEventType(t); err != nil || auditdomain.IsReserved(t) {
		return ErrInvalidEventType
	}
	s.logEvent(ctx, userID, t, details, s.ips.Hash(ip), userAgent)
	return nil
}

// Metadata returns the timer configuration for a validated session.
func (s *SessionService) Metadata(sess *domain.Session) Metadata {
	return Metadata{
		SessionStart:      sess.CreatedAt,
		LastActive:        sess.LastActive,
		InactivityTimeout: s.cfg.ClientInactivityTimeout.Milliseconds(),
		AbsoluteTimeout:   s.cfg.ClientAbsoluteTimeout.Milliseconds(),
		WarningTime:       s.cfg.ClientWarningTime.Milliseconds(),
		ServerTime:        s.now().UTC(),
	}
}

func (s *SessionService) logEvent(ctx context.Context, userID string, t auditdomain.EventType, details map[string]string, ipHash, ua string) {
	if s.events == nil {
		return
	}
	s.events.Log(ctx, userID, t, details, ipHash, ua)
}
