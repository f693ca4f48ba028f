package isolation

import (
	"errors"
	"testing"
)

func TestAcquireEnforcesQuota(t *testing.T) {
	tbl := New(2)

	if err := tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Acquire("user-a", "asst-1", "sess-1", KindAssistant); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := tbl.Acquire("user-a", "term-2", "sess-1", KindTerminal)
	if err == nil {
		t.Fatal("expected quota error on third instance")
	}
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}

	if got := tbl.CountForUser("user-a"); got != 2 {
		t.Fatalf("expected count 2, got %d", got)
	}
	if got := tbl.RemainingForUser("user-a"); got != 0 {
		t.Fatalf("expected 0 remaining, got %d", got)
	}
}

func TestAcquireDuplicateInstanceID(t *testing.T) {
	tbl := New(0)
	if err := tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := tbl.Acquire("user-b", "term-1", "sess-2", KindTerminal); err == nil {
		t.Fatal("expected error on duplicate instance id")
	}
}

func TestReleaseFreesSlot(t *testing.T) {
	tbl := New(1)
	if err := tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tbl.Release("user-a", "term-1")

	if got := tbl.CountForUser("user-a"); got != 0 {
		t.Fatalf("expected count 0 after release, got %d", got)
	}
	if err := tbl.Acquire("user-a", "term-2", "sess-1", KindTerminal); err != nil {
		t.Fatalf("expected slot to be free after release: %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	tbl := New(0)
	tbl.Release("user-a", "never-acquired")
	tbl.Release("user-a", "never-acquired")
}

func TestReleaseSessionSweepsLeftovers(t *testing.T) {
	tbl := New(0)
	tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal)
	tbl.Acquire("user-a", "asst-1", "sess-1", KindAssistant)
	tbl.Acquire("user-a", "term-2", "sess-2", KindTerminal)

	recs := tbl.ReleaseSession("sess-1")
	if len(recs) != 2 {
		t.Fatalf("expected 2 records released, got %v", recs)
	}
	if got := tbl.CountForUser("user-a"); got != 1 {
		t.Fatalf("expected only sess-2's instance to survive, got count %d", got)
	}

	if recs := tbl.ReleaseSession("sess-1"); recs != nil {
		t.Fatalf("expected second release to be empty, got %v", recs)
	}
}

func TestOwns(t *testing.T) {
	tbl := New(0)
	tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal)

	if !tbl.Owns("user-a", "term-1") {
		t.Fatal("expected user-a to own term-1")
	}
	if tbl.Owns("user-b", "term-1") {
		t.Fatal("expected user-b to not own term-1")
	}
	if tbl.Owns("user-a", "unknown") {
		t.Fatal("expected unknown instance to not be owned")
	}
}

func TestUnlimitedQuota(t *testing.T) {
	tbl := New(0)
	for i := 0; i < 50; i++ {
		if err := tbl.Acquire("user-a", string(rune('a'+i)), "sess-1", KindTerminal); err != nil {
			t.Fatalf("unexpected error at %d: %v", i, err)
		}
	}
	if got := tbl.RemainingForUser("user-a"); got != -1 {
		t.Fatalf("expected -1 (unlimited), got %d", got)
	}
}

func TestTouchUpdatesActivity(t *testing.T) {
	tbl := New(0)
	tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal)

	before, ok := tbl.LastActivity("term-1")
	if !ok {
		t.Fatal("expected instance to be held")
	}
	tbl.Touch("term-1")
	after, _ := tbl.LastActivity("term-1")
	if after.Before(before) {
		t.Fatal("expected activity timestamp to not go backwards")
	}

	tbl.Touch("unknown-instance") // must not panic
}

func TestInstancesForUser(t *testing.T) {
	tbl := New(0)
	tbl.Acquire("user-a", "term-1", "sess-1", KindTerminal)
	tbl.Acquire("user-a", "asst-1", "sess-1", KindAssistant)
	tbl.Acquire("user-b", "term-2", "sess-2", KindTerminal)

	ids := tbl.InstancesForUser("user-a")
	if len(ids) != 2 {
		t.Fatalf("expected 2 instances for user-a, got %v", ids)
	}

	recs := tbl.RecordsForUser("user-a")
	if len(recs) != 2 {
		t.Fatalf("expected 2 records for user-a, got %v", recs)
	}
	for _, r := range recs {
		if r.SessionID != "sess-1" {
			t.Fatalf("expected sess-1 binding, got %+v", r)
		}
	}
}
