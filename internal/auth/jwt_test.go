package auth

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/benhollis/remotegw/internal/session"
)

func TestSessionFromClaims(t *testing.T) {
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-a"},
		Workspace:        "ws-1",
		Permissions:      []string{"file_read", "TERMINAL_CREATE"},
	}

	sess := SessionFromClaims(claims, "sess-1")
	if sess.ID != "sess-1" || sess.UserID != "user-a" || sess.WorkspaceID != "ws-1" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if !sess.HasPermission(session.FileRead) {
		t.Fatal("expected lowercase claim to map to FILE_READ")
	}
	if !sess.HasPermission(session.TerminalCreate) {
		t.Fatal("expected TERMINAL_CREATE permission")
	}
	if sess.HasPermission(session.FileDelete) {
		t.Fatal("did not expect FILE_DELETE")
	}
}

func TestContainsAny(t *testing.T) {
	if !containsAny([]string{"a", "b"}, "b") {
		t.Fatal("expected match")
	}
	if containsAny(nil, "a") {
		t.Fatal("expected no match on empty list")
	}
}
