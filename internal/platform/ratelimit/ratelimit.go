// Package ratelimit provides a per-client-IP token bucket middleware for sensitive endpoints.
package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"schoolhub/backend/internal/platform/httpx"
)

// idleTTL is how long an unused bucket is kept before it is swept.
const idleTTL = 10 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// PerIP holds one limiter per client IP.
type PerIP struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

// PerMinute returns a limiter allowing n requests per minute per IP with a burst of n.
func PerMinute(n int) *PerIP {
	if n < 1 {
		n = 1
	}
	return &PerIP{
		limit:   rate.Limit(float64(n) / 60.0),
		burst:   n,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow reports whether ip may make a request now.
func (l *PerIP) Allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) > idleTTL {
		for k, b := range l.buckets {
			if now.Sub(b.lastSeen) > idleTTL {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[ip] = b
	}
	b.lastSeen = now
	l.mu.Unlock()
	return b.limiter.AllowN(now, 1)
}

// Middleware answers 429 with Retry-After once the caller's bucket is empty.
func (l *PerIP) Middleware(name string, logger *zap.Logger) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(int(time.Duration(float64(time.Second)/float64(l.limit)).Seconds()) + 1)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow(httpx.ClientIP(r)) {
				logger.Info("rate limit exceeded", zap.String("endpoint", name))
				w.Header().Set("Retry-After", retryAfter)
				httpx.WriteError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
