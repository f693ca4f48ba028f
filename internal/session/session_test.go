package session

import "testing"

func TestRegistryBindAndLookup(t *testing.T) {
	r := NewRegistry()
	s := NewSession("sess-1", "user-a", "ws-1", []Permission{FileRead, TerminalCreate})
	r.Bind("sock-1", s)

	got := r.SessionBySocket("sock-1")
	if got == nil || got.ID != "sess-1" {
		t.Fatalf("expected sess-1, got %v", got)
	}
	if !r.HasPermission("sock-1", FileRead) {
		t.Fatal("expected FILE_READ permission")
	}
	if r.HasPermission("sock-1", FileWrite) {
		t.Fatal("did not expect FILE_WRITE permission")
	}
}

func TestRegistryUnbindIsIdempotent(t *testing.T) {
	r := NewRegistry()
	r.Unbind("never-bound")

	s := NewSession("sess-1", "user-a", "", nil)
	r.Bind("sock-1", s)
	r.Unbind("sock-1")
	r.Unbind("sock-1")

	if r.SessionBySocket("sock-1") != nil {
		t.Fatal("expected nil after unbind")
	}
	if r.Count() != 0 {
		t.Fatalf("expected 0 bound sockets, got %d", r.Count())
	}
}

func TestSessionsForUserAcrossSockets(t *testing.T) {
	r := NewRegistry()
	s1 := NewSession("sess-1", "user-a", "ws-1", nil)
	s2 := NewSession("sess-2", "user-a", "ws-1", nil)
	s3 := NewSession("sess-3", "user-b", "ws-1", nil)
	r.Bind("sock-1", s1)
	r.Bind("sock-2", s2)
	r.Bind("sock-3", s3)

	got := r.SessionsForUser("user-a")
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions for user-a, got %d", len(got))
	}
}

func TestHasPermissionNilSession(t *testing.T) {
	r := NewRegistry()
	if r.HasPermission("unknown-socket", FileRead) {
		t.Fatal("expected false for unbound socket")
	}
}
