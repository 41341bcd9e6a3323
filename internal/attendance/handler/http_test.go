package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schoolhub/backend/internal/attendance/domain"
	"schoolhub/backend/internal/attendance/repository"
	"schoolhub/backend/internal/attendance/service"
	"schoolhub/backend/internal/platform/rbac"
	"schoolhub/backend/internal/qrtoken"
	"schoolhub/backend/internal/server/interceptors"
)

const userHeader = "X-Test-User"

// asUser stands in for RequireSession. Users named teacher-* carry the teacher role.
func asUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(userHeader)
		role := rbac.RoleStudent
		if strings.HasPrefix(user, "teacher-") {
			role = rbac.RoleTeacher
		}
		ctx := interceptors.WithIdentity(r.Context(), interceptors.Identity{UserID: user, Role: role})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func newRouter(t *testing.T) *mux.Router {
	t.Helper()
	repo := repository.NewMemoryRepository()
	signer := qrtoken.NewSigner([]byte("0123456789abcdef0123456789abcdef"), time.Minute, 2*time.Second)
	svc := service.NewAttendanceService(repo, signer, time.Minute, nil)
	require.NoError(t, svc.Enroll(context.Background(), "class-7b", "stu-1"))
	r := mux.NewRouter()
	NewHTTPHandler(svc, nil).Register(r, asUser, nil)
	return r
}

func call(t *testing.T, r http.Handler, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(userHeader, user)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func open(t *testing.T, r http.Handler, fence *domain.Geofence) sessionView {
	t.Helper()
	rec := call(t, r, http.MethodPost, "/api/attendance/sessions", "teacher-1", openRequest{ClassID: "class-7b", Geofence: fence})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var v sessionView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func qr(t *testing.T, r http.Handler, sessionID string) service.QRCode {
	t.Helper()
	rec := call(t, r, http.MethodGet, "/api/attendance/"+sessionID+"/qr", "teacher-1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var code service.QRCode
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &code))
	return code
}

func f(v float64) *float64 { return &v }

func TestCheckInFlow(t *testing.T) {
	r := newRouter(t)
	sess := open(t, r, nil)
	assert.True(t, sess.IsActive)
	assert.Equal(t, "teacher-1", sess.TeacherID)

	code := qr(t, r, sess.ID)
	rec := call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: code.Token})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: code.Token})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-2", checkInRequest{Token: code.Token})
	assert.Equal(t, http.StatusForbidden, rec.Code, "not enrolled")

	rec = call(t, r, http.MethodGet, "/api/attendance/"+sess.ID+"/records", "teacher-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Records []domain.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, "stu-1", body.Records[0].StudentID)
}

func TestCheckIn_BadCode(t *testing.T) {
	r := newRouter(t)
	open(t, r, nil)

	rec := call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: "forged.token"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"Invalid or expired code"}`, rec.Body.String())
}

func TestCheckIn_Geofence(t *testing.T) {
	r := newRouter(t)
	sess := open(t, r, &domain.Geofence{Latitude: 52.5200, Longitude: 13.4050, RadiusMeters: 100})
	code := qr(t, r, sess.ID)

	rec := call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: code.Token})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "location required")

	rec = call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: code.Token, Latitude: f(48.1351), Longitude: f(11.5820)})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: code.Token, Latitude: f(52.5201), Longitude: f(13.4051)})
	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestTeacherOnlyRoutes(t *testing.T) {
	r := newRouter(t)
	sess := open(t, r, nil)

	rec := call(t, r, http.MethodGet, "/api/attendance/"+sess.ID+"/qr", "stu-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodGet, "/api/attendance/missing/qr", "teacher-1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	code := qr(t, r, sess.ID)
	rec = call(t, r, http.MethodPost, "/api/attendance/"+sess.ID+"/close", "teacher-1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = call(t, r, http.MethodPost, "/api/attendance/check-in", "stu-1", checkInRequest{Token: code.Token})
	assert.Equal(t, http.StatusConflict, rec.Code, "closed session")
}

func TestStudentCannotRunAttendance(t *testing.T) {
	r := newRouter(t)

	rec := call(t, r, http.MethodPost, "/api/attendance/sessions", "stu-1", openRequest{ClassID: "class-7b"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.JSONEq(t, `{"error":"Forbidden"}`, rec.Body.String())

	sess := open(t, r, nil)
	for _, path := range []string{"/api/attendance/" + sess.ID + "/qr", "/api/attendance/" + sess.ID + "/records"} {
		rec = call(t, r, http.MethodGet, path, "stu-1", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, path)
	}
	rec = call(t, r, http.MethodPost, "/api/attendance/"+sess.ID+"/close", "stu-1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = call(t, r, http.MethodGet, "/api/attendance/"+sess.ID+"/records", "teacher-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"records":[]}`, rec.Body.String())
}

func TestOpen_InvalidGeofence(t *testing.T) {
	r := newRouter(t)
	rec := call(t, r, http.MethodPost, "/api/attendance/sessions", "teacher-1", openRequest{ClassID: "class-7b", Geofence: &domain.Geofence{Latitude: 91, RadiusMeters: 10}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
