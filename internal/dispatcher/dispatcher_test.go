package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benhollis/remotegw/internal/assistantmux"
	"github.com/benhollis/remotegw/internal/featurecache"
	"github.com/benhollis/remotegw/internal/fileops"
	"github.com/benhollis/remotegw/internal/hostbridge"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/pathguard"
	"github.com/benhollis/remotegw/internal/pty"
	"github.com/benhollis/remotegw/internal/session"
	"github.com/benhollis/remotegw/internal/synchub"
	"github.com/benhollis/remotegw/internal/terminalmux"
	"github.com/benhollis/remotegw/internal/workspace"
)

type recordingSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	name   string
	fields map[string]any
}

func (s *recordingSink) SendResponse(Response) {}

func (s *recordingSink) SendEvent(eventName string, fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{eventName, fields})
}

func (s *recordingSink) waitFor(eventName string, timeout time.Duration) *sinkEvent {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for i := range s.events {
			if s.events[i].name == eventName {
				ev := s.events[i]
				s.mu.Unlock()
				return &ev
			}
		}
		s.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

func (s *recordingSink) count(eventName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.events {
		if ev.name == eventName {
			n++
		}
	}
	return n
}

type stubDetector struct{ path string }

func (s stubDetector) Detect() (string, string, error) { return s.path, "1.0", nil }

type testEnv struct {
	dispatcher *Dispatcher
	registry   *session.Registry
	bridge     *hostbridge.Fake
	root       string
}

func newTestEnv(t *testing.T, qmax int) *testEnv {
	t.Helper()

	root := t.TempDir()
	registry := session.NewRegistry()
	isoTable := isolation.New(qmax)
	bridge := hostbridge.NewFake()

	mgr := pty.NewManager(pty.ManagerConfig{
		DefaultShell: "/bin/sh",
		DefaultRows:  24,
		DefaultCols:  80,
	})

	deps := Deps{
		Registry:  registry,
		Isolation: isoTable,
		Workspace: workspace.NewQuery(root, ""),
		Features:  featurecache.New(nil),
	}
	d := New(deps)

	guard := pathguard.New(root, []string{filepath.Join(root, "forbidden")})
	files := fileops.New(guard, d, 30*time.Millisecond)
	t.Cleanup(func() { _ = files.Close() })

	terminals := terminalmux.New(mgr, isoTable, bridge, d)
	assistants := assistantmux.New(assistantmux.Config{
		Manager:     mgr,
		Isolation:   isoTable,
		Bridge:      bridge,
		Emitter:     d,
		Detector:    stubDetector{path: "/bin/sh"},
		IdleQuiesce: 50 * time.Millisecond,
	})
	hub, err := synchub.New(registry, d, nil)
	if err != nil {
		t.Fatal(err)
	}

	d.SetComponents(terminals, assistants, files, hub)

	return &testEnv{dispatcher: d, registry: registry, bridge: bridge, root: root}
}

func (e *testEnv) connect(t *testing.T, socketID, sessID, userID, workspaceID string, perms []session.Permission) *recordingSink {
	t.Helper()
	sink := &recordingSink{}
	e.dispatcher.Register(socketID, session.NewSession(sessID, userID, workspaceID, perms), sink)
	return sink
}

func (e *testEnv) call(t *testing.T, socketID, verb string, payload any) Response {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			t.Fatal(err)
		}
		raw = data
	}
	req, err := json.Marshal(Request{ID: "req-1", Verb: verb, Payload: raw})
	if err != nil {
		t.Fatal(err)
	}
	return e.dispatcher.Dispatch(context.Background(), socketID, req)
}

func allPerms() []session.Permission {
	return []session.Permission{
		session.FileRead, session.FileWrite, session.FileDelete,
		session.TerminalCreate, session.TerminalWrite,
		session.AssistantSpawn, session.AssistantControl,
		session.WorkspaceManage,
	}
}

func TestNoSessionRejected(t *testing.T) {
	env := newTestEnv(t, 0)

	resp := env.call(t, "sock-unknown", "workspace:get", nil)
	if resp.Success || resp.Error == nil || resp.Error.Code != CodeNoSession {
		t.Fatalf("expected NO_SESSION, got %+v", resp)
	}
}

func TestPermissionGate(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", []session.Permission{session.FileRead})

	resp := env.call(t, "sock-1", "terminal:create", map[string]any{"cols": 80, "rows": 24})
	if resp.Success || resp.Error.Code != CodePermissionDenied {
		t.Fatalf("expected PERMISSION_DENIED, got %+v", resp)
	}
}

func TestUnknownVerb(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())

	resp := env.call(t, "sock-1", "nope:verb", nil)
	if resp.Success || resp.Error == nil {
		t.Fatalf("expected failure for unknown verb, got %+v", resp)
	}
}

// Terminal lifecycle: create, write, observe output, destroy, then further
// writes report the terminal gone.
func TestTerminalLifecycle(t *testing.T) {
	env := newTestEnv(t, 0)
	sink := env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())

	resp := env.call(t, "sock-1", "terminal:create", map[string]any{"cols": 80, "rows": 24})
	if !resp.Success {
		t.Fatalf("create failed: %+v", resp)
	}
	terminalID := resp.Data.(map[string]any)["terminalId"].(string)

	resp = env.call(t, "sock-1", "terminal:write", map[string]any{"terminalId": terminalID, "data": "echo hi\n"})
	if !resp.Success {
		t.Fatalf("write failed: %+v", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	var decoded []byte
	for time.Now().Before(deadline) {
		sink.mu.Lock()
		decoded = decoded[:0]
		for _, ev := range sink.events {
			if ev.name != "TERMINAL_DATA" {
				continue
			}
			chunk, err := base64.StdEncoding.DecodeString(ev.fields["data"].(string))
			if err != nil {
				sink.mu.Unlock()
				t.Fatalf("TERMINAL_DATA not base64: %v", err)
			}
			decoded = append(decoded, chunk...)
		}
		sink.mu.Unlock()
		if strings.Contains(string(decoded), "hi") {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !strings.Contains(string(decoded), "hi") {
		t.Fatalf("expected terminal output to contain %q, got %q", "hi", decoded)
	}

	resp = env.call(t, "sock-1", "terminal:destroy", map[string]any{"terminalId": terminalID})
	if !resp.Success {
		t.Fatalf("destroy failed: %+v", resp)
	}

	resp = env.call(t, "sock-1", "terminal:write", map[string]any{"terminalId": terminalID, "data": "x"})
	if resp.Success || resp.Error.Code != CodeTerminalNotFound {
		t.Fatalf("expected TERMINAL_NOT_FOUND after destroy, got %+v", resp)
	}
}

// Cross-user isolation: user B cannot control or observe user A's
// assistant instance.
func TestCrossUserIsolation(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-a", "sess-a", "user-a", "ws-1", allPerms())
	env.connect(t, "sock-b", "sess-b", "user-b", "ws-1", allPerms())

	resp := env.call(t, "sock-a", "assistant:spawn", map[string]any{"instanceId": "inst-1"})
	if !resp.Success {
		t.Fatalf("spawn failed: %+v", resp)
	}

	resp = env.call(t, "sock-b", "assistant:send", map[string]any{"instanceId": "inst-1", "data": "x"})
	if resp.Success || resp.Error.Code != CodeAccessDenied {
		t.Fatalf("expected ACCESS_DENIED for user-b, got %+v", resp)
	}

	resp = env.call(t, "sock-b", "assistant:getInstances", nil)
	if !resp.Success {
		t.Fatalf("getInstances failed: %+v", resp)
	}
	if instances := resp.Data.(map[string]any)["instances"]; instances != nil {
		for _, inst := range instances.([]assistantmux.InstanceInfo) {
			if inst.ID == "inst-1" {
				t.Fatal("user-b must not see user-a's instance")
			}
		}
	}
}

// Quota: with a per-user limit of 3 the fourth spawn fails and registers nothing.
func TestQuotaExceeded(t *testing.T) {
	env := newTestEnv(t, 3)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())

	for _, id := range []string{"i1", "i2", "i3"} {
		if resp := env.call(t, "sock-1", "assistant:spawn", map[string]any{"instanceId": id}); !resp.Success {
			t.Fatalf("spawn %s failed: %+v", id, resp)
		}
	}

	resp := env.call(t, "sock-1", "assistant:spawn", map[string]any{"instanceId": "i4"})
	if resp.Success || resp.Error.Code != CodeQuotaExceeded {
		t.Fatalf("expected QUOTA_EXCEEDED, got %+v", resp)
	}

	resp = env.call(t, "sock-1", "assistant:getInstances", nil)
	instances := resp.Data.(map[string]any)["instances"].([]assistantmux.InstanceInfo)
	if len(instances) != 3 {
		t.Fatalf("expected exactly 3 instances after rejected spawn, got %d", len(instances))
	}
}

// Forwarded reconnect: after sock-1 disconnects, the same user re-spawning
// the host-owned id on sock-2 receives subsequent host output; none goes to
// the closed socket.
func TestForwardedReconnect(t *testing.T) {
	env := newTestEnv(t, 0)
	env.bridge.Seed("inst-host", "agent", "/work", hostbridge.StatusConnected)

	sink1 := env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())

	resp := env.call(t, "sock-1", "assistant:spawn", map[string]any{"instanceId": "inst-host"})
	if !resp.Success {
		t.Fatalf("spawn failed: %+v", resp)
	}

	env.bridge.Emit("inst-host", []byte("first"))
	if sink1.waitFor("ASSISTANT_OUTPUT", 2*time.Second) == nil {
		t.Fatal("expected sock-1 to receive host output")
	}

	env.dispatcher.Disconnect("sock-1")

	sink2 := env.connect(t, "sock-2", "sess-2", "user-a", "ws-1", allPerms())
	resp = env.call(t, "sock-2", "assistant:spawn", map[string]any{"instanceId": "inst-host"})
	if !resp.Success {
		t.Fatalf("reconnect spawn failed: %+v", resp)
	}

	before := sink1.count("ASSISTANT_OUTPUT")
	env.bridge.Emit("inst-host", []byte("second"))

	if sink2.waitFor("ASSISTANT_OUTPUT", 2*time.Second) == nil {
		t.Fatal("expected sock-2 to receive host output after reconnect")
	}
	time.Sleep(50 * time.Millisecond)
	if after := sink1.count("ASSISTANT_OUTPUT"); after != before {
		t.Fatal("closed socket must not receive further output")
	}
}

// Sync fan-out: sock-2 receives the pushed patches as an event; the pusher
// does not see its own patches on pull.
func TestSyncFanOut(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())
	sink2 := env.connect(t, "sock-2", "sess-2", "user-a", "ws-1", allPerms())

	resp := env.call(t, "sock-1", "sync:push", map[string]any{
		"patches": []map[string]any{{"entityType": "task", "payload": map[string]any{"id": "t1"}}},
	})
	if !resp.Success {
		t.Fatalf("push failed: %+v", resp)
	}

	ev := sink2.waitFor("sync:patches", time.Second)
	if ev == nil {
		t.Fatal("expected sync:patches on the sibling socket")
	}
	if ev.fields["from"] != "sess-1" {
		t.Fatalf("expected from=sess-1, got %v", ev.fields)
	}

	resp = env.call(t, "sock-1", "sync:pull", map[string]any{})
	if !resp.Success {
		t.Fatalf("pull failed: %+v", resp)
	}
	patches := resp.Data.(map[string]any)["patches"].([]synchub.Patch)
	if len(patches) != 0 {
		t.Fatalf("pusher must not see its own patches, got %v", patches)
	}

	resp = env.call(t, "sock-2", "sync:pull", map[string]any{})
	patches = resp.Data.(map[string]any)["patches"].([]synchub.Patch)
	if len(patches) != 1 || patches[0].EntityType != "task" {
		t.Fatalf("sibling pull should return the patch, got %v", patches)
	}
}

// Path guard: forbidden prefixes and traversal are INVALID_PATH; a path
// inside the workspace succeeds.
func TestPathGuardOnFileVerbs(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())

	resp := env.call(t, "sock-1", "file:read", map[string]any{"path": filepath.Join(env.root, "forbidden", "passwd")})
	if resp.Success || resp.Error.Code != CodeInvalidPath {
		t.Fatalf("expected INVALID_PATH for forbidden prefix, got %+v", resp)
	}

	resp = env.call(t, "sock-1", "file:read", map[string]any{"path": "../outside.txt"})
	if resp.Success || resp.Error.Code != CodeInvalidPath {
		t.Fatalf("expected INVALID_PATH for traversal, got %+v", resp)
	}

	if resp := env.call(t, "sock-1", "file:write", map[string]any{"path": "ok.txt", "content": "contents"}); !resp.Success {
		t.Fatalf("write failed: %+v", resp)
	}
	resp = env.call(t, "sock-1", "file:read", map[string]any{"path": "ok.txt"})
	if !resp.Success || resp.Data.(map[string]any)["content"] != "contents" {
		t.Fatalf("expected read to succeed, got %+v", resp)
	}
}

func TestDisconnectCascadeKillsTerminals(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", allPerms())

	resp := env.call(t, "sock-1", "terminal:create", map[string]any{"cols": 80, "rows": 24})
	if !resp.Success {
		t.Fatalf("create failed: %+v", resp)
	}

	env.dispatcher.Disconnect("sock-1")

	if env.registry.SessionBySocket("sock-1") != nil {
		t.Fatal("expected session to be unregistered")
	}

	// A reconnecting socket with the same id starts from a clean slate.
	env.connect(t, "sock-1", "sess-1b", "user-a", "ws-1", allPerms())
	resp = env.call(t, "sock-1", "terminal:list", nil)
	if !resp.Success {
		t.Fatalf("list failed: %+v", resp)
	}
	terminals := resp.Data.(map[string]any)["terminals"].([]terminalListEntry)
	if len(terminals) != 0 {
		t.Fatalf("expected no surviving terminals after disconnect, got %v", terminals)
	}
}

func TestWorkspaceGet(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", nil)

	resp := env.call(t, "sock-1", "workspace:get", nil)
	if !resp.Success {
		t.Fatalf("workspace:get failed: %+v", resp)
	}
	info := resp.Data.(workspace.Info)
	if info.Path != env.root || !info.HasWorkspace {
		t.Fatalf("unexpected workspace info: %+v", info)
	}
}

func TestFeaturesStoreThenGet(t *testing.T) {
	env := newTestEnv(t, 0)
	env.connect(t, "sock-1", "sess-1", "user-a", "ws-1", nil)

	resp := env.call(t, "sock-1", "features:store", map[string]any{
		"commands": []map[string]any{{"name": "deploy"}},
	})
	if !resp.Success {
		t.Fatalf("store failed: %+v", resp)
	}

	resp = env.call(t, "sock-1", "features:get", nil)
	if !resp.Success {
		t.Fatalf("get failed: %+v", resp)
	}
	desc := resp.Data.(*featurecache.Descriptor)
	if len(desc.Commands) != 1 || desc.Commands[0].Name != "deploy" {
		t.Fatalf("unexpected descriptor: %+v", desc)
	}
}
