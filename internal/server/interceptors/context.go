package interceptors

import (
	"context"

	sessiondomain "schoolhub/backend/internal/session/domain"
)

type contextKey struct{ name string }

var (
	identityKey = contextKey{"identity"}
	callerKey   = contextKey{"caller"}
)

// Identity is the authenticated user behind a validated session cookie.
type Identity struct {
	UserID    string
	SessionID string
	Role      string
	// Token is the raw cookie value; it is needed to end or mark the current session.
	Token   string
	Session *sessiondomain.Session
}

// WithIdentity returns a context carrying id. Handlers read it via GetIdentity and GetUserID.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// GetIdentity returns the identity from context and true if set.
func GetIdentity(ctx context.Context) (Identity, bool) {
	v, ok := ctx.Value(identityKey).(Identity)
	return v, ok
}

// GetUserID returns the user_id from context and true if set; otherwise "", false.
func GetUserID(ctx context.Context) (string, bool) {
	id, ok := GetIdentity(ctx)
	if !ok || id.UserID == "" {
		return "", false
	}
	return id.UserID, true
}

// GetRole returns the role recorded on the session at login and true if set; otherwise "", false.
func GetRole(ctx context.Context) (string, bool) {
	id, ok := GetIdentity(ctx)
	if !ok || id.Role == "" {
		return "", false
	}
	return id.Role, true
}

// GetSessionID returns the session_id from context and true if set; otherwise "", false.
func GetSessionID(ctx context.Context) (string, bool) {
	id, ok := GetIdentity(ctx)
	if !ok || id.SessionID == "" {
		return "", false
	}
	return id.SessionID, true
}

// WithCaller marks ctx as coming from an authenticated internal service.
func WithCaller(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, callerKey, name)
}

// GetCaller returns the internal caller name set by ServiceTokenUnary.
func GetCaller(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(callerKey).(string)
	return v, ok && v != ""
}
