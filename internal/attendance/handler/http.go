// Package handler exposes attendance sessions and QR check-in over HTTP.
package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"schoolhub/backend/internal/attendance/domain"
	"schoolhub/backend/internal/attendance/service"
	"schoolhub/backend/internal/platform/httpx"
	"schoolhub/backend/internal/platform/rbac"
	"schoolhub/backend/internal/server/interceptors"
)

// HTTPHandler serves /api/attendance. Every route expects an identity from RequireSession.
type HTTPHandler struct {
	svc *service.AttendanceService
	log *zap.Logger
}

// NewHTTPHandler returns the attendance HTTP handler.
func NewHTTPHandler(svc *service.AttendanceService, log *zap.Logger) *HTTPHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPHandler{svc: svc, log: log}
}

func userID(r *http.Request) string {
	id, _ := interceptors.GetUserID(r.Context())
	return id
}

// sessionView is the JSON form of an attendance session.
type sessionView struct {
	ID        string           `json:"id"`
	ClassID   string           `json:"classId"`
	TeacherID string           `json:"teacherId"`
	IsActive  bool             `json:"isActive"`
	Geofence  *domain.Geofence `json:"geofence,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ClosedAt  *time.Time       `json:"closedAt,omitempty"`
}

func viewOf(s *domain.Session) sessionView {
	return sessionView{
		ID:        s.ID,
		ClassID:   s.ClassID,
		TeacherID: s.TeacherID,
		IsActive:  s.IsActive,
		Geofence:  s.Geofence,
		CreatedAt: s.CreatedAt,
		ClosedAt:  s.ClosedAt,
	}
}

type openRequest struct {
	ClassID  string           `json:"classId"`
	Geofence *domain.Geofence `json:"geofence,omitempty"`
}

// Open starts an attendance session owned by the caller.
func (h *HTTPHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	sess, err := h.svc.Open(r.Context(), userID(r), req.ClassID, req.Geofence)
	if err != nil {
		h.fail(w, "open", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, viewOf(sess))
}

// Close ends the session.
func (h *HTTPHandler) Close(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Close(r.Context(), userID(r), mux.Vars(r)["id"]); err != nil {
		h.fail(w, "close", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// QR returns a freshly signed check-in code. The kiosk polls it every few seconds.
func (h *HTTPHandler) QR(w http.ResponseWriter, r *http.Request) {
	qr, err := h.svc.IssueQR(r.Context(), userID(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "issue qr", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, qr)
}

// Records lists the session's check-ins.
func (h *HTTPHandler) Records(w http.ResponseWriter, r *http.Request) {
	recs, err := h.svc.Records(r.Context(), userID(r), mux.Vars(r)["id"])
	if err != nil {
		h.fail(w, "list records", err)
		return
	}
	if recs == nil {
		recs = []*domain.Record{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"records": recs})
}

type checkInRequest struct {
	Token     string   `json:"token"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// CheckIn records the caller's attendance from a scanned code.
func (h *HTTPHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req checkInRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "Invalid request")
		return
	}
	rec, err := h.svc.CheckIn(r.Context(), service.CheckInInput{
		StudentID: userID(r),
		Token:     req.Token,
		Latitude:  req.Latitude,
		Longitude: req.Longitude,
	})
	if err != nil {
		h.fail(w, "check in", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, rec)
}

func (h *HTTPHandler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidToken):
		// Expired, forged and malformed codes look the same to the caller.
		httpx.WriteError(w, http.StatusBadRequest, "Invalid or expired code")
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, service.ErrLocationRequired):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrSessionNotFound):
		httpx.WriteError(w, http.StatusNotFound, "Session not found")
	case errors.Is(err, service.ErrForbidden), errors.Is(err, service.ErrNotEnrolled),
		errors.Is(err, service.ErrOutsideGeofence):
		httpx.WriteError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, service.ErrSessionClosed), errors.Is(err, service.ErrAlreadyCheckedIn):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("attendance "+op+" failed", zap.Error(err))
		httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
	}
}

// staffOnly admits teachers and admins. Students may only check in.
func staffOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := rbac.RequireRole(r.Context(), rbac.RoleTeacher, rbac.RoleAdmin); err != nil {
			if errors.Is(err, rbac.ErrUnauthenticated) {
				httpx.Unauthorized(w)
				return
			}
			httpx.WriteError(w, http.StatusForbidden, "Forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Register mounts the routes. bound wraps handlers with session validation; checkInLimit, when
// non-nil, rate limits check-ins in front of it.
func (h *HTTPHandler) Register(r *mux.Router, bound func(http.Handler) http.Handler, checkInLimit func(http.Handler) http.Handler) {
	checkIn := bound(http.HandlerFunc(h.CheckIn))
	if checkInLimit != nil {
		checkIn = checkInLimit(checkIn)
	}
	r.Handle("/api/attendance/check-in", checkIn).Methods(http.MethodPost)
	staff := func(f http.HandlerFunc) http.Handler { return bound(staffOnly(f)) }
	r.Handle("/api/attendance/sessions", staff(h.Open)).Methods(http.MethodPost)
	r.Handle("/api/attendance/{id}/close", staff(h.Close)).Methods(http.MethodPost)
	r.Handle("/api/attendance/{id}/qr", staff(h.QR)).Methods(http.MethodGet)
	r.Handle("/api/attendance/{id}/records", staff(h.Records)).Methods(http.MethodGet)
}
