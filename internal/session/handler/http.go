// Package handler exposes the session service over HTTP and the internal SessionGuard gRPC API.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"schoolhub/backend/internal/platform/httpx"
	"schoolhub/backend/internal/security"
	"schoolhub/backend/internal/server/interceptors"
	"schoolhub/backend/internal/session/domain"
	"schoolhub/backend/internal/session/service"
)

// FingerprintHeader carries the client fingerprint (base64url JSON) on session-bound requests.
const FingerprintHeader = "X-Client-Fingerprint"

// IdentityVerifier verifies hosted auth provider access tokens.
type IdentityVerifier interface {
	Verify(token string) (*security.Identity, error)
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
	// MaxAge bounds the cookie lifetime; zero makes it a browser-session cookie.
	MaxAge time.Duration
}

// HTTPHandler serves the /api/session, /api/sessions, /api/devices and /api/security routes.
type HTTPHandler struct {
	sessions *service.SessionService
	identity IdentityVerifier
	cookie   CookieConfig
	log      *zap.Logger
}

// NewHTTPHandler returns the session HTTP handler.
func NewHTTPHandler(sessions *service.SessionService, identity IdentityVerifier, cookie CookieConfig, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	if cookie.Name == "" {
		cookie.Name = "sh_session"
	}
	return &HTTPHandler{sessions: sessions, identity: identity, cookie: cookie, log: log}
}

type loginRequest struct {
	AccessToken string               `json:"accessToken"`
	Fingerprint security.Fingerprint `json:"fingerprint"`
}

type loginResponse struct {
	UserID               string    `json:"userId"`
	SessionID            string    `json:"sessionId"`
	CreatedAt            time.Time `json:"createdAt"`
	DeviceID             string    `json:"deviceId"`
	DeviceName           string    `json:"deviceName"`
	TrustState           string    `json:"trustState"`
	IsNewDevice          bool      `json:"isNewDevice"`
	RequiresVerification bool      `json:"requiresVerification"`
}

// Login verifies the provider token, creates a fingerprint-bound session and sets the cookie.
func (h *HTTPHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	id, err := h.identity.Verify(req.AccessToken)
	if err != nil {
		h.log.Info("login rejected", zap.Error(err))
		httpx.Unauthorized(w)
		return
	}
	res, err := h.sessions.CreateSession(r.Context(), service.CreateInput{
		UserID:      id.UserID,
		Role:        id.Role,
		Fingerprint: req.Fingerprint,
		IP:          httpx.ClientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if errors.Is(err, service.ErrInvalidFingerprint) {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid fingerprint")
		return
	}
	if err != nil {
		h.log.Error("create session failed", zap.String("user_id", id.UserID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	h.setCookie(w, res.Token)
	httpx.WriteJSON(w, http.StatusCreated, loginResponse{
		UserID:               id.UserID,
		SessionID:            res.Session.ID,
		CreatedAt:            res.Session.CreatedAt,
		DeviceID:             res.Device.ID,
		DeviceName:           res.Device.DeviceName,
		TrustState:           string(res.Device.TrustState),
		IsNewDevice:          res.IsNewDevice,
		RequiresVerification: res.RequiresVerification,
	})
}

// Validate reports the session behind the cookie as valid. RequireSession has done the work.
func (h *HTTPHandler) Validate(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.GetIdentity(r.Context())
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"userId":    id.UserID,
		"sessionId": id.SessionID,
	})
}

// Metadata returns the timeout controller settings anchored to the server's session start.
func (h *HTTPHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.GetIdentity(r.Context())
	httpx.WriteJSON(w, http.StatusOK, h.sessions.Metadata(id.Session))
}

// Logout ends the cookie's session. It does not require a matching fingerprint, so a client can
// always end its own session. ?reason=session_timeout records a timer-driven logout.
func (h *HTTPHandler) Logout(w http.ResponseWriter, r *http.Request) {
	reason, ok := domain.ParseInvalidationReason(r.URL.Query().Get("reason"))
	if !ok {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid reason")
		return
	}
	if c, err := r.Cookie(h.cookie.Name); err == nil {
		if _, err := h.sessions.Invalidate(r.Context(), c.Value, reason); err != nil {
			h.log.Error("logout failed", zap.Error(err))
			httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
			return
		}
	}
	h.clearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll ends every session of the caller and clears the cookie.
func (h *HTTPHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.GetIdentity(r.Context())
	n, err := h.sessions.InvalidateAll(r.Context(), id.UserID, domain.ReasonLogoutAll, httpx.ClientIP(r), r.UserAgent())
	if err != nil {
		h.log.Error("logout all failed", zap.String("user_id", id.UserID), zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	h.clearCookie(w)
	httpx.WriteJSON(w, http.StatusOK, map[string]int{"count": n})
}

type listResponse struct {
	Sessions []service.SessionView `json:"sessions"`
	Devices  []service.DeviceView  `json:"devices"`
}

// List returns the caller's sessions and devices.
func (h *HTTPHandler) List(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.GetIdentity(r.Context())
	sessions, err := h.sessions.ListSessions(r.Context(), id.UserID, id.Token)
	if err != nil {
		h.internal(w, "list sessions", err)
		return
	}
	devices, err := h.sessions.ListDevices(r.Context(), id.UserID)
	if err != nil {
		h.internal(w, "list devices", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, listResponse{Sessions: sessions, Devices: devices})
}

type trustRequest struct {
	TrustState string `json:"trustState"`
}

// SetDeviceTrust changes the trust state of one of the caller's devices.
func (h *HTTPHandler) SetDeviceTrust(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.GetIdentity(r.Context())
	var req trustRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	err := h.sessions.SetDeviceTrust(r.Context(), id.UserID, mux.Vars(r)["id"], req.TrustState, httpx.ClientIP(r), r.UserAgent())
	switch {
	case errors.Is(err, service.ErrInvalidTrustState):
		httpx.WriteError(w, http.StatusBadRequest, "Invalid trust state")
	case errors.Is(err, service.ErrDeviceNotFound):
		httpx.WriteError(w, http.StatusNotFound, "Device not found")
	case err != nil:
		h.internal(w, "set device trust", err)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

type eventRequest struct {
	EventType string            `json:"eventType"`
	Details   map[string]string `json:"details"`
}

// RecordEvent stores a client-reported security event (e.g. a timeout logout).
func (h *HTTPHandler) RecordEvent(w http.ResponseWriter, r *http.Request) {
	id, _ := interceptors.GetIdentity(r.Context())
	var req eventRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	err := h.sessions.RecordClientEvent(r.Context(), id.UserID, req.EventType, req.Details, httpx.ClientIP(r), r.UserAgent())
	if errors.Is(err, service.ErrInvalidEventType) {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid event type")
		return
	}
	if err != nil {
		h.internal(w, "record event", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RequireSession validates the cookie against the X-Client-Fingerprint header and the client IP
// and puts the identity in the request context. Every failure is the same 401; a session ended by
// the check also loses its cookie.
func (h *HTTPHandler) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := r.Cookie(h.cookie.Name)
		if err != nil || c.Value == "" {
			httpx.Unauthorized(w)
			return
		}
		header := r.Header.Get(FingerprintHeader)
		if header == "" {
			httpx.WriteError(w, http.StatusBadRequest, "Missing fingerprint")
			return
		}
		fp, err := security.DecodeFingerprintHeader(header)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, "Invalid fingerprint")
			return
		}
		res := h.sessions.Validate(r.Context(), c.Value, fp, httpx.ClientIP(r))
		if !res.Valid {
			h.log.Info("session rejected",
				zap.String("reason", string(res.Reason)),
				zap.String("user_id", res.UserID),
				zap.String("path", r.URL.Path))
			if res.Reason != domain.ValidationInternalError {
				h.clearCookie(w)
			}
			httpx.Unauthorized(w)
			return
		}
		ctx := interceptors.WithIdentity(r.Context(), interceptors.Identity{
			UserID:    res.UserID,
			SessionID: res.Session.ID,
			Role:      res.Session.Role,
			Token:     c.Value,
			Session:   res.Session,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *HTTPHandler) setCookie(w http.ResponseWriter, token string) {
	c := &http.Cookie{
		Name:     h.cookie.Name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
	}
	if h.cookie.MaxAge > 0 {
		c.MaxAge = int(h.cookie.MaxAge.Seconds())
	}
	http.SetCookie(w, c)
}

func (h *HTTPHandler) clearCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     h.cookie.Name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   h.cookie.Secure,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
}

func (h *HTTPHandler) internal(w http.ResponseWriter, op string, err error) {
	h.log.Error(op+" failed", zap.Error(err))
	httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
}

// Register mounts the routes on r. loginLimit, when non-nil, wraps the login endpoint.
func (h *HTTPHandler) Register(r *mux.Router, loginLimit func(http.Handler) http.Handler) {
	login := http.Handler(http.HandlerFunc(h.Login))
	if loginLimit != nil {
		login = loginLimit(login)
	}
	r.Handle("/api/session", login).Methods(http.MethodPost)
	r.HandleFunc("/api/session", h.Logout).Methods(http.MethodDelete)

	bound := func(f http.HandlerFunc) http.Handler { return h.RequireSession(f) }
	r.Handle("/api/session/validate", bound(h.Validate)).Methods(http.MethodGet)
	r.Handle("/api/session/metadata", bound(h.Metadata)).Methods(http.MethodGet)
	r.Handle("/api/session/logout-all", bound(h.LogoutAll)).Methods(http.MethodPost)
	r.Handle("/api/sessions", bound(h.List)).Methods(http.MethodGet)
	r.Handle("/api/devices/{id}/trust", bound(h.SetDeviceTrust)).Methods(http.MethodPatch)
	r.Handle("/api/security/events", bound(h.RecordEvent)).Methods(http.MethodPost)
}

