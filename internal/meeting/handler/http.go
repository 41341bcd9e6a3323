// Package handler exposes meeting join and participant management over HTTP.
package handler

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"schoolhub/backend/internal/meeting/domain"
	"schoolhub/backend/internal/meeting/service"
	"schoolhub/backend/internal/platform/httpx"
	"schoolhub/backend/internal/platform/rbac"
)

// HTTPHandler serves /api/meetings.
type HTTPHandler struct {
	svc *service.MeetingService
	log *zap.Logger
}

// NewHTTPHandler returns the meeting HTTP handler.
func NewHTTPHandler(svc *service.MeetingService, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPHandler{svc: svc, log: log}
}

// Join returns a LiveKit token for the meeting room.
func (h *HTTPHandler) Join(w http.ResponseWriter, r *http.Request) {
	tok, err := h.svc.Join(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "join", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, tok)
}

type addRequest struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
}

// Participants lists the meeting's participants.
func (h *HTTPHandler) Participants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.Participants(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "list participants", err)
		return
	}
	if ps == nil {
		ps = []*domain.Participant{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"participants": ps})
}

// AddParticipant invites a user. Hosts only.
func (h *HTTPHandler) AddParticipant(w http.ResponseWriter, r *http.Request) {
	var req addRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	p, err := h.svc.AddParticipant(r.Context(), mux.Vars(r)["id"], req.UserID, req.Role)
	if err != nil {
		h.fail(w, "add participant", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, p)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, rbac.ErrUnauthenticated):
		httpx.Unauthorized(w)
	case errors.Is(err, rbac.ErrForbidden):
		httpx.WriteError(w, http.StatusForbidden, "Forbidden")
	case errors.Is(err, domain.ErrInvalidParticipant):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrDisabled):
		httpx.WriteError(w, http.StatusServiceUnavailable, "Meetings are unavailable")
	default:
		h.log.Error("meeting "+op+" failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
	}
}

// Register mounts the routes behind bound.
func (h *HTTPHandler) Register(r *mux.Router, bound func(http.Handler) http.Handler) {
	r.Handle("/api/meetings/{id}/join", bound(http.HandlerFunc(h.Join))).Methods(http.MethodPost)
	r.Handle("/api/meetings/{id}/participants", bound(http.HandlerFunc(h.Participants))).Methods(http.MethodGet)
	r.Handle("/api/meetings/{id}/participants", bound(http.HandlerFunc(h.AddParticipant))).Methods(http.MethodPost)
}
