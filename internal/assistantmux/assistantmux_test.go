package assistantmux

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benhollis/remotegw/internal/hostbridge"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/pty"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	socketID  string
	eventName string
	fields    map[string]any
}

func (r *recordingEmitter) Emit(socketID, eventName string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{socketID, eventName, fields})
}

func (r *recordingEmitter) waitFor(socketID, eventName string, timeout time.Duration) *recordedEvent {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		for i := range r.events {
			if r.events[i].eventName == eventName && (socketID == "" || r.events[i].socketID == socketID) {
				ev := r.events[i]
				r.mu.Unlock()
				return &ev
			}
		}
		r.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (r *recordingEmitter) countFor(socketID, eventName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.eventName == eventName && ev.socketID == socketID {
			n++
		}
	}
	return n
}

type stubDetector struct {
	path, version string
	err           error
}

func (s stubDetector) Detect() (string, string, error) { return s.path, s.version, s.err }

func newTestMux(t *testing.T, qmax int, bridge hostbridge.Bridge) (*Mux, *recordingEmitter) {
	t.Helper()
	mgr := pty.NewManager(pty.ManagerConfig{
		DefaultShell: "/bin/sh",
		DefaultRows:  24,
		DefaultCols:  80,
	})
	emitter := &recordingEmitter{}
	mux := New(Config{
		Manager:     mgr,
		Isolation:   isolation.New(qmax),
		Bridge:      bridge,
		Emitter:     emitter,
		Detector:    stubDetector{path: "/bin/sh", version: "1.0"},
		IdleQuiesce: 30 * time.Millisecond,
		SendBufSize: 16,
	})
	return mux, emitter
}

func TestSpawnGatewayOwnedSendAndStop(t *testing.T) {
	mux, emitter := newTestMux(t, 0, nil)

	pid, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-1", "", "shell", "", "")
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("expected a positive pid, got %d", pid)
	}

	if err := mux.Send(context.Background(), "user-a", "sock-1", "inst-1", []byte("echo hi\n")); err != nil {
		t.Fatalf("unexpected send error: %v", err)
	}

	if ev := emitter.waitFor("sock-1", "ASSISTANT_OUTPUT", 2*time.Second); ev == nil {
		t.Fatal("expected at least one ASSISTANT_OUTPUT event")
	}

	if err := mux.Stop(context.Background(), "user-a", "sock-1", "inst-1"); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}

	if err := mux.Send(context.Background(), "user-a", "sock-1", "inst-1", []byte("x")); err == nil {
		t.Fatal("expected send after stop to fail")
	}
}

func TestSpawnEnforcesQuota(t *testing.T) {
	mux, _ := newTestMux(t, 1, nil)

	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-1", "", "", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-2", "", "", "", ""); err == nil {
		t.Fatal("expected quota error on second instance")
	}
}

func TestSpawnDuplicateInstanceIDRejected(t *testing.T) {
	mux, _ := newTestMux(t, 0, nil)

	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-1", "", "", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-1", "", "", "", ""); err == nil {
		t.Fatal("expected error re-spawning an already-live gateway instance id")
	}
}

func TestHostOwnedSpawnProxiesOutput(t *testing.T) {
	fake := hostbridge.NewFake()
	fake.Seed("inst-host", "agent", "/work", hostbridge.StatusConnected)

	mux, emitter := newTestMux(t, 0, fake)

	pid, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-host", "/work", "agent", "", "")
	if err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	if pid != -1 {
		t.Fatalf("expected -1 pid for an already-connected host instance, got %d", pid)
	}

	fake.Emit("inst-host", []byte("hello from host"))

	ev := emitter.waitFor("sock-1", "ASSISTANT_OUTPUT", 2*time.Second)
	if ev == nil {
		t.Fatal("expected a forwarded ASSISTANT_OUTPUT event")
	}

	fake.MarkComplete("inst-host")
	if emitter.waitFor("sock-1", "ASSISTANT_RESPONSE_COMPLETE", 2*time.Second) == nil {
		t.Fatal("expected a forwarded ASSISTANT_RESPONSE_COMPLETE event")
	}

	if err := mux.Send(context.Background(), "user-a", "sock-1", "inst-host", []byte("hi")); err != nil {
		t.Fatalf("unexpected send error for forwarded instance: %v", err)
	}
}

func TestHostOwnedReconnectReplacesProxyTarget(t *testing.T) {
	fake := hostbridge.NewFake()
	fake.Seed("inst-host", "agent", "/work", hostbridge.StatusConnected)

	mux, emitter := newTestMux(t, 0, fake)

	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-host", "/work", "agent", "", ""); err != nil {
		t.Fatalf("unexpected spawn error: %v", err)
	}
	fake.Emit("inst-host", []byte("first"))
	if emitter.waitFor("sock-1", "ASSISTANT_OUTPUT", 2*time.Second) == nil {
		t.Fatal("expected sock-1 to receive output before reconnect")
	}

	// sock-1 disconnects; the disconnect cascade tears its proxy down.
	mux.CleanupSocket("user-a", "sock-1")

	// sock-2 reconnects to the same host-owned instance.
	if _, err := mux.Spawn(context.Background(), "user-a", "sock-2", "inst-host", "/work", "agent", "", ""); err != nil {
		t.Fatalf("unexpected reconnect spawn error: %v", err)
	}

	before := emitter.countFor("sock-1", "ASSISTANT_OUTPUT")
	fake.Emit("inst-host", []byte("second"))

	if emitter.waitFor("sock-2", "ASSISTANT_OUTPUT", 2*time.Second) == nil {
		t.Fatal("expected sock-2 to receive output after reconnect")
	}
	// Give any errant delivery to sock-1 a chance to land before asserting none did.
	time.Sleep(50 * time.Millisecond)
	if after := emitter.countFor("sock-1", "ASSISTANT_OUTPUT"); after != before {
		t.Fatalf("expected no further ASSISTANT_OUTPUT delivered to sock-1 after reconnect, got %d new events", after-before)
	}
}

func TestCleanupSocketKillsGatewayInstances(t *testing.T) {
	mux, _ := newTestMux(t, 0, nil)

	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-1", "", "", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mux.CleanupSocket("user-a", "sock-1")

	if err := mux.Send(context.Background(), "user-a", "sock-1", "inst-1", []byte("x")); err == nil {
		t.Fatal("expected instance to be gone after cleanup")
	}
}

func TestGetInstancesScopedToUser(t *testing.T) {
	mux, _ := newTestMux(t, 0, nil)

	if _, err := mux.Spawn(context.Background(), "user-a", "sock-1", "inst-1", "", "mine", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := mux.Spawn(context.Background(), "user-b", "sock-2", "inst-2", "", "theirs", "", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := mux.GetInstances("user-a")
	if len(got) != 1 || got[0].ID != "inst-1" {
		t.Fatalf("expected exactly inst-1 for user-a, got %+v", got)
	}
}
