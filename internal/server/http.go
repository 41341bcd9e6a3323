package server

import (
	"fmt"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	attendancehandler "schoolhub/backend/internal/attendance/handler"
	"schoolhub/backend/internal/csrf"
	meetinghandler "schoolhub/backend/internal/meeting/handler"
	"schoolhub/backend/internal/platform/httpx"
	"schoolhub/backend/internal/platform/ratelimit"
	sessionhandler "schoolhub/backend/internal/session/handler"
)

// HTTPDeps holds the handlers mounted on the API router. Nil handlers are not mounted, except
// Sessions, which every session-bound route depends on.
type HTTPDeps struct {
	Sessions   *sessionhandler.HTTPHandler
	Attendance *attendancehandler.HTTPHandler
	Meetings   *meetinghandler.HTTPHandler
	Health     http.Handler
	// LoginLimit and CheckInLimit rate limit per client IP. Nil disables the limit.
	LoginLimit   *ratelimit.PerIP
	CheckInLimit *ratelimit.PerIP
}

// NewHTTPHandler builds the API handler. CORS, panic recovery, access logging, security
// headers and the same-site origin check run before any route; matched routes are traced.
func NewHTTPHandler(allowedOrigins []string, deps HTTPDeps, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := mux.NewRouter()
	if deps.Health != nil {
		r.Handle("/healthz", deps.Health).Methods(http.MethodGet)
	}

	var loginLimit, checkInLimit func(http.Handler) http.Handler
	if deps.LoginLimit != nil {
		loginLimit = deps.LoginLimit.Middleware("login", logger)
	}
	if deps.CheckInLimit != nil {
		checkInLimit = deps.CheckInLimit.Middleware("check_in", logger)
	}
	deps.Sessions.Register(r, loginLimit)
	if deps.Attendance != nil {
		deps.Attendance.Register(r, deps.Sessions.RequireSession, checkInLimit)
	}
	if deps.Meetings != nil {
		deps.Meetings.Register(r, deps.Sessions.RequireSession)
	}
	// Route middleware runs after matching, so spans are named by route template.
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "http.request",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return fmt.Sprintf("%s %s", r.Method, routeTemplate(r))
			}))
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "Not found")
	})

	var h http.Handler = r
	h = csrf.Middleware("/api/", logger)(h)
	h = secureHeaders(h)
	h = accessLog(logger)(h)
	h = recoverer(logger)(h)
	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", sessionhandler.FingerprintHeader},
		AllowCredentials: true,
		MaxAge:           600,
	})
	return c.Handler(h)
}

// NewHTTPServer wraps handler with the server timeouts.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// routeTemplate keeps span names low-cardinality (/api/attendance/{id}/qr, not the id).
func routeTemplate(r *http.Request) string {
	if rt := mux.CurrentRoute(r); rt != nil {
		if tpl, err := rt.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rec.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			}
			switch {
			case rec.status >= 500:
				logger.Error("http request", fields...)
			case rec.status >= 400:
				logger.Info("http request", fields...)
			default:
				logger.Debug("http request", fields...)
			}
		})
	}
}

func recoverer(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if v := recover(); v != nil {
					if v == http.ErrAbortHandler {
						panic(v)
					}
					logger.Error("http handler panic",
						zap.Any("panic", v),
						zap.String("path", r.URL.Path),
						zap.ByteString("stack", debug.Stack()))
					httpx.WriteError(w, http.StatusInternalServerError, "Internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
