// Package handler serves the readiness probe.
package handler

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"schoolhub/backend/internal/platform/httpx"
)

const checkTimeout = 2 * time.Second

// Pinger checks database connectivity. *sqlx.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the device trust policy compiles and evaluates.
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Status is the /healthz response body.
type Status struct {
	Status   string `json:"status"`
	Database string `json:"database,omitempty"`
	Policy   string `json:"policy,omitempty"`
}

// Server reports SERVING only when every configured dependency answers.
type Server struct {
	pinger Pinger
	policy PolicyChecker
	log    *zap.Logger
}

// NewServer returns a health server. Nil dependencies are skipped.
func NewServer(pinger Pinger, policy PolicyChecker, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{pinger: pinger, policy: policy, log: log}
}

// Check runs the dependency checks.
func (s *Server) Check(ctx context.Context) (Status, bool) {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	st := Status{Status: "SERVING"}
	ok := true
	if s.pinger != nil {
		st.Database = "ok"
		if err := s.pinger.PingContext(ctx); err != nil {
			s.log.Warn("health: database ping failed", zap.Error(err))
			st.Database, ok = "unavailable", false
		}
	}
	if s.policy != nil {
		st.Policy = "ok"
		if err := s.policy.HealthCheck(ctx); err != nil {
			s.log.Warn("health: policy check failed", zap.Error(err))
			st.Policy, ok = "unavailable", false
		}
	}
	if !ok {
		st.Status = "NOT_SERVING"
	}
	return st, ok
}

// ServeHTTP answers 200 when serving and 503 otherwise.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	st, ok := s.Check(r.Context())
	code := http.StatusOK
	if !ok {
		code = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, code, st)
}
