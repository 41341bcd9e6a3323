package interceptors

import (
	"context"
	"testing"

	sessiondomain "schoolhub/backend/internal/session/domain"
)

func TestWithIdentity_SetsAllValues(t *testing.T) {
	sess := &sessiondomain.Session{ID: "session-1", UserID: "user-1"}
	ctx := WithIdentity(context.Background(), Identity{UserID: "user-1", SessionID: "session-1", Role: "teacher", Token: "tok", Session: sess})

	userID, ok := GetUserID(ctx)
	if !ok {
		t.Fatal("GetUserID should return true")
	}
	if userID != "user-1" {
		t.Errorf("user_id = %q, want %q", userID, "user-1")
	}

	sessionID, ok := GetSessionID(ctx)
	if !ok {
		t.Fatal("GetSessionID should return true")
	}
	if sessionID != "session-1" {
		t.Errorf("session_id = %q, want %q", sessionID, "session-1")
	}

	if role, ok := GetRole(ctx); !ok || role != "teacher" {
		t.Errorf("role = %q, %v, want teacher", role, ok)
	}

	id, ok := GetIdentity(ctx)
	if !ok {
		t.Fatal("GetIdentity should return true")
	}
	if id.Token != "tok" || id.Session != sess {
		t.Errorf("identity = %+v, want token and session preserved", id)
	}
}

func TestGetUserID_NotSet(t *testing.T) {
	if _, ok := GetUserID(context.Background()); ok {
		t.Error("GetUserID should return false for empty context")
	}
	if _, ok := GetSessionID(context.Background()); ok {
		t.Error("GetSessionID should return false for empty context")
	}
	if _, ok := GetRole(context.Background()); ok {
		t.Error("GetRole should return false for empty context")
	}
}

func TestGetUserID_EmptyIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{})
	if _, ok := GetUserID(ctx); ok {
		t.Error("GetUserID should return false when user_id is empty")
	}
}

func TestWithCaller(t *testing.T) {
	if _, ok := GetCaller(context.Background()); ok {
		t.Error("GetCaller should return false for empty context")
	}
	caller, ok := GetCaller(WithCaller(context.Background(), "service"))
	if !ok || caller != "service" {
		t.Errorf("caller = %q, %v; want service, true", caller, ok)
	}
}
