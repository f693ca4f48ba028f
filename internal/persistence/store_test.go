package persistence

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func tempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

func TestOpenAndClose(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOpenCreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "sub", "test.db")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	store, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestAppendAndLoadPreservesOrder(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	base := time.Now()
	for i, id := range []string{"p1", "p2", "p3"} {
		err := store.AppendPatch(PatchRecord{
			ID:         id,
			StoreKey:   "user-a\x00ws-1",
			EntityType: "task",
			Payload:    []byte(`{"n":` + string(rune('0'+i)) + `}`),
			UserID:     "user-a",
			SessionID:  "sess-1",
			ReceivedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("AppendPatch: %v", err)
		}
	}

	all, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	recs := all["user-a\x00ws-1"]
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %v", recs)
	}
	for i, want := range []string{"p1", "p2", "p3"} {
		if recs[i].ID != want {
			t.Fatalf("order not preserved: %v", recs)
		}
	}
	if recs[0].EntityType != "task" || recs[0].UserID != "user-a" || recs[0].SessionID != "sess-1" {
		t.Fatalf("fields not round-tripped: %+v", recs[0])
	}
}

func TestCountForKey(t *testing.T) {
	store, err := Open(tempDBPath(t))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.AppendPatch(PatchRecord{ID: "p1", StoreKey: "k1", EntityType: "task", UserID: "u", SessionID: "s", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("AppendPatch: %v", err)
	}
	if err := store.AppendPatch(PatchRecord{ID: "p2", StoreKey: "k2", EntityType: "task", UserID: "u", SessionID: "s", ReceivedAt: time.Now()}); err != nil {
		t.Fatalf("AppendPatch: %v", err)
	}

	n, err := store.CountForKey("k1")
	if err != nil {
		t.Fatalf("CountForKey: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1, got %d", n)
	}
}
