// Package assistantmux exposes one assistant-instance abstraction
// regardless of whether the underlying process is spawned by the gateway
// itself (through internal/pty, the same substrate terminalmux uses) or
// already running under the host and merely proxied through the
// hostbridge.Bridge interface.
//
// A host-owned instance has a single live forwarding target: a buffered
// channel drained by a dedicated write-pump goroutine, replaced wholesale
// when the owner reconnects on a new socket so no further bytes reach the
// old one. Gateway-owned instances are plain PTYs; there is no protocol
// between the gateway and the assistant binary beyond its byte stream.
package assistantmux

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/benhollis/remotegw/internal/hostbridge"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/pty"
	"github.com/benhollis/remotegw/internal/quiesce"
	"github.com/benhollis/remotegw/internal/transcoder"
)

// Sentinel errors the Dispatcher maps to INSTANCE_NOT_FOUND, ACCESS_DENIED,
// INSTANCE_EXISTS and ASSISTANT_NOT_FOUND wire codes.
var (
	ErrNotFound       = errors.New("instance not found")
	ErrAccessDenied   = errors.New("access denied")
	ErrInstanceExists = errors.New("instance already exists")
	ErrBinaryMissing  = errors.New("assistant binary not found")
	ErrHostStart      = errors.New("host instance start failed")
)

// Emitter delivers asynchronous events to one socket. Structurally
// identical to terminalmux.Emitter — the Dispatcher implements both with
// one type.
type Emitter interface {
	Emit(socketID, eventName string, fields map[string]any)
}

// BinaryDetector resolves the assistant CLI binary's path and version once,
// cached by the caller. Kept as an interface so tests can stub it without
// touching the filesystem.
type BinaryDetector interface {
	Detect() (path, version string, err error)
}

// InstanceInfo describes one gateway-owned assistant instance for
// assistant:getInstances.
type InstanceInfo struct {
	ID               string
	WorkingDirectory string
	Name             string
	Status           string
}

type gatewayInstance struct {
	id               string
	userID           string
	socketID         string
	workingDirectory string
	name             string
	sess             *pty.Session
}

// proxyTarget is the single live forwarding destination for a host-owned
// instance: a buffered channel drained by a dedicated write-pump
// goroutine, replaced wholesale on reconnect rather than merged with the
// prior target.
type proxyTarget struct {
	socketID     string
	instanceID   string
	sendCh       chan []byte
	done         chan struct{}
	once         sync.Once
	cancelOutput func()
	cancelDone   func()
}

func newProxyTarget(socketID, instanceID string, bufSize int) *proxyTarget {
	return &proxyTarget{
		socketID:   socketID,
		instanceID: instanceID,
		sendCh:     make(chan []byte, bufSize),
		done:       make(chan struct{}),
	}
}

func (p *proxyTarget) close() {
	p.once.Do(func() { close(p.done) })
}

// Mux is AssistantMux.
type Mux struct {
	mu sync.Mutex

	manager   *pty.Manager
	isolation *isolation.Table
	bridge    hostbridge.Bridge
	emitter   Emitter
	detector  BinaryDetector
	quiesce   *quiesce.Detector

	env         []string // gateway-wide env merged into every spawned assistant PTY
	sendBufSize int

	gatewayInstances map[string]*gatewayInstance       // instanceID -> instance
	socketInstances  map[string]map[string]struct{}    // socketID -> gateway instanceIDs
	forwardingSet    map[string]map[string]struct{}    // socketID -> host-owned instanceIDs
	proxies          map[string]*proxyTarget           // instanceID -> current forwarding target
	transcoders      map[string]*transcoder.Transcoder // "socketID\x00instanceID" -> transcoder
}

// Config configures a new Mux.
type Config struct {
	Manager     *pty.Manager
	Isolation   *isolation.Table
	Bridge      hostbridge.Bridge
	Emitter     Emitter
	Detector    BinaryDetector
	IdleQuiesce time.Duration
	SendBufSize int
	// Env is the gateway-wide environment merged into every gateway-spawned
	// assistant PTY, ahead of the per-instance ASSISTANT_* variables.
	Env []string
}

// New creates an AssistantMux.
func New(cfg Config) *Mux {
	sendBuf := cfg.SendBufSize
	if sendBuf <= 0 {
		sendBuf = 256
	}

	m := &Mux{
		manager:          cfg.Manager,
		isolation:        cfg.Isolation,
		bridge:           cfg.Bridge,
		emitter:          cfg.Emitter,
		detector:         cfg.Detector,
		sendBufSize:      sendBuf,
		env:              append([]string{}, cfg.Env...),
		gatewayInstances: make(map[string]*gatewayInstance),
		socketInstances:  make(map[string]map[string]struct{}),
		forwardingSet:    make(map[string]map[string]struct{}),
		proxies:          make(map[string]*proxyTarget),
		transcoders:      make(map[string]*transcoder.Transcoder),
	}

	idleQuiesce := cfg.IdleQuiesce
	if idleQuiesce <= 0 {
		idleQuiesce = 800 * time.Millisecond
	}
	m.quiesce = quiesce.NewDetector(idleQuiesce, func(instanceID string) {
		m.onResponseComplete(instanceID)
	})

	return m
}

// Spawn implements assistant:spawn: ids this socket already forwards
// refresh their proxy, host-known ids are adopted and proxied, and
// anything else becomes a gateway-owned PTY running the detected assistant
// binary.
func (m *Mux) Spawn(ctx context.Context, userID, socketID, instanceID, workingDirectory, instanceName, workspaceID, customInstructions string) (pid int, err error) {
	if m.isForwarding(socketID, instanceID) {
		return m.spawnForwarded(ctx, socketID, instanceID, workingDirectory, instanceName)
	}

	if m.bridge != nil {
		exists, err := m.bridge.InstanceExists(ctx, instanceID)
		if err != nil {
			return 0, fmt.Errorf("check host instance: %w", err)
		}
		if exists {
			if _, held := m.isolation.LastActivity(instanceID); !held {
				if err := m.isolation.Acquire(userID, instanceID, socketID, isolation.KindAssistant); err != nil {
					return 0, err
				}
			}
			m.addForwarding(socketID, instanceID)
			status, err := m.bridge.InstanceStatus(ctx, instanceID)
			if err != nil {
				return 0, fmt.Errorf("check host instance status: %w", err)
			}
			if status != hostbridge.StatusConnected {
				pid, err := m.bridge.Start(ctx, instanceID, defaultWorkingDirectory(workingDirectory), instanceName)
				if err != nil {
					return 0, fmt.Errorf("%w: %v", ErrHostStart, err)
				}
				m.installProxy(instanceID, socketID)
				return pid, nil
			}
			m.installProxy(instanceID, socketID)
			return -1, nil
		}
	}

	m.mu.Lock()
	if _, exists := m.gatewayInstances[instanceID]; exists {
		m.mu.Unlock()
		return 0, fmt.Errorf("%w: %s", ErrInstanceExists, instanceID)
	}
	m.mu.Unlock()

	path, _, err := m.detector.Detect()
	if err != nil || path == "" {
		return 0, fmt.Errorf("%w (detect: %v)", ErrBinaryMissing, err)
	}

	if err := m.isolation.Acquire(userID, instanceID, socketID, isolation.KindAssistant); err != nil {
		return 0, err
	}

	env := m.buildSpawnEnv(instanceID, instanceName, userID, workspaceID, customInstructions)
	workDir := defaultWorkingDirectory(workingDirectory)

	sess, err := m.manager.CreateProgramSession(instanceID, userID, 24, 80, workDir, env, path)
	if err != nil {
		m.isolation.Release(userID, instanceID)
		return 0, err
	}

	m.mu.Lock()
	m.gatewayInstances[instanceID] = &gatewayInstance{
		id:               instanceID,
		userID:           userID,
		socketID:         socketID,
		workingDirectory: workDir,
		name:             instanceName,
		sess:             sess,
	}
	if m.socketInstances[socketID] == nil {
		m.socketInstances[socketID] = make(map[string]struct{})
	}
	m.socketInstances[socketID][instanceID] = struct{}{}
	m.mu.Unlock()

	sess.StartOutputReader(
		func(id string, data []byte) {
			m.isolation.Touch(id)
			m.quiesce.Touch(id)
			m.emitter.Emit(socketID, "ASSISTANT_OUTPUT", map[string]any{
				"instanceId": id,
				"data":       base64.StdEncoding.EncodeToString(data),
			})
			m.feedTranscoder(socketID, id, data)
		},
		func(id string) {
			code, _ := sess.ExitStatus()
			m.emitter.Emit(socketID, "ASSISTANT_EXIT", map[string]any{
				"instanceId": id,
				"code":       code,
				"signal":     nil,
			})
			m.quiesce.Cancel(id)
			m.forgetGateway(id)
			m.isolation.Release(userID, id)
		},
	)

	if sess.Cmd != nil && sess.Cmd.Process != nil {
		return sess.Cmd.Process.Pid, nil
	}
	return -1, nil
}

// spawnForwarded re-installs a proxy for an already-forwarding socket. It
// is also the reconnect path: a new socket re-spawning an id that a
// previous, now-disconnected socket had proxied.
func (m *Mux) spawnForwarded(ctx context.Context, socketID, instanceID, workingDirectory, instanceName string) (int, error) {
	if m.bridge == nil {
		return 0, fmt.Errorf("no host bridge configured")
	}
	status, err := m.bridge.InstanceStatus(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("check host instance status: %w", err)
	}
	if status != hostbridge.StatusConnected {
		pid, err := m.bridge.Start(ctx, instanceID, defaultWorkingDirectory(workingDirectory), instanceName)
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrHostStart, err)
		}
		m.installProxy(instanceID, socketID)
		return pid, nil
	}
	m.installProxy(instanceID, socketID)
	return -1, nil
}

// installProxy replaces any existing forwarding target for instanceID with
// one pointed at socketID, tearing down the prior delivery path before
// wiring in the new one — the old socket's subscription is cancelled so no
// further bytes reach it after a reconnect.
func (m *Mux) installProxy(instanceID, socketID string) {
	m.mu.Lock()
	if prior, ok := m.proxies[instanceID]; ok {
		if prior.socketID == socketID {
			m.mu.Unlock()
			return // already proxying to this socket; idempotent no-op
		}
		m.teardownProxyLocked(instanceID, prior)
	}

	target := newProxyTarget(socketID, instanceID, m.sendBufSize)
	m.proxies[instanceID] = target
	m.mu.Unlock()

	go m.proxyWritePump(target)

	target.cancelOutput = m.bridge.SubscribeOutput(instanceID, func(ev hostbridge.OutputEvent) {
		m.isolation.Touch(instanceID)
		m.quiesce.Touch(instanceID)
		m.sendToProxy(target, ev.Data)
		m.feedTranscoder(socketID, instanceID, ev.Data)
	})
	target.cancelDone = m.bridge.SubscribeResponseComplete(instanceID, func(id string) {
		m.emitter.Emit(socketID, "ASSISTANT_RESPONSE_COMPLETE", map[string]any{"instanceId": id})
	})
}

// teardownProxyLocked removes instanceID's subscriptions and closes its
// write pump. Caller must hold m.mu; the proxies map entry for instanceID
// is NOT deleted here — the caller either replaces it immediately or
// deletes it itself.
func (m *Mux) teardownProxyLocked(instanceID string, target *proxyTarget) {
	if target.cancelOutput != nil {
		target.cancelOutput()
	}
	if target.cancelDone != nil {
		target.cancelDone()
	}
	target.close()
}

func (m *Mux) proxyWritePump(target *proxyTarget) {
	for {
		select {
		case data, ok := <-target.sendCh:
			if !ok {
				return
			}
			m.emitter.Emit(target.socketID, "ASSISTANT_OUTPUT", map[string]any{
				"instanceId": target.instanceID,
				"data":       base64.StdEncoding.EncodeToString(data),
			})
		case <-target.done:
			return
		}
	}
}

// sendToProxy is best-effort: if the channel is full the chunk is dropped
// for this target.
func (m *Mux) sendToProxy(target *proxyTarget, data []byte) {
	select {
	case target.sendCh <- data:
	case <-target.done:
	default:
	}
}

// Send implements assistant:send.
func (m *Mux) Send(ctx context.Context, userID, socketID, instanceID string, data []byte) error {
	if m.isForwarding(socketID, instanceID) {
		if err := m.checkOwnership(userID, instanceID); err != nil {
			return err
		}
		return m.bridge.Send(ctx, instanceID, data)
	}

	inst, err := m.ownedInstance(userID, socketID, instanceID)
	if err != nil {
		return err
	}
	_, err = inst.sess.Write(data)
	return err
}

// Resize implements assistant:resize. Host-owned instances don't expose a
// resize through HostBridge; only the transcoder's own viewport resizes,
// via ConfigureTerminal.
func (m *Mux) Resize(userID, socketID, instanceID string, cols, rows int) error {
	inst, err := m.ownedInstance(userID, socketID, instanceID)
	if err != nil {
		return err
	}
	return inst.sess.Resize(rows, cols)
}

// Stop implements assistant:stop.
func (m *Mux) Stop(ctx context.Context, userID, socketID, instanceID string) error {
	if m.isForwarding(socketID, instanceID) {
		if err := m.checkOwnership(userID, instanceID); err != nil {
			return err
		}
		if err := m.bridge.Stop(ctx, instanceID); err != nil {
			return err
		}
		m.removeForwarding(socketID, instanceID)
		m.teardownProxy(instanceID)
		m.isolation.Release(userID, instanceID)
		return nil
	}

	inst, err := m.ownedInstance(userID, socketID, instanceID)
	if err != nil {
		return err
	}
	if err := m.manager.CloseSession(instanceID); err != nil {
		return err
	}
	m.quiesce.Cancel(instanceID)
	m.forgetGateway(instanceID)
	m.isolation.Release(userID, instanceID)
	return nil
}

// ConfigureTerminal implements assistant:configureTerminal: creates or
// replaces the (socketId, instanceId) transcoder, seeds it with the
// current host buffer, and keeps it updated going forward via the existing
// output subscription / StartOutputReader feed.
func (m *Mux) ConfigureTerminal(ctx context.Context, socketID, instanceID string, cols, rows int) error {
	key := transcoderKey(socketID, instanceID)

	m.mu.Lock()
	if old, ok := m.transcoders[key]; ok {
		old.Close()
	}
	tc := transcoder.New(cols, rows)
	m.transcoders[key] = tc
	m.mu.Unlock()

	if m.bridge != nil {
		if buf, err := m.bridge.GetBuffer(ctx, instanceID); err == nil {
			tc.Write(buf)
		} else {
			m.emitter.Emit(socketID, "ASSISTANT_ERROR", map[string]any{
				"instanceId": instanceID,
				"error":      err.Error(),
			})
		}
	}
	return nil
}

// GetBuffer implements assistant:getBuffer. The host-side full buffer is
// preferred over the transcoder's own buffer whenever a host bridge is
// available, since the transcoder may not have seen pre-configuration
// history; the transcoder is retained for future enhancements but is not
// currently read here.
func (m *Mux) GetBuffer(ctx context.Context, socketID, instanceID string) ([]byte, error) {
	if m.bridge != nil {
		if buf, err := m.bridge.GetBuffer(ctx, instanceID); err == nil {
			return buf, nil
		}
	}

	m.mu.Lock()
	inst, ok := m.gatewayInstances[instanceID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	return inst.sess.OutputBuffer.ReadAll(), nil
}

// GetInstances implements assistant:getInstances — gateway-owned instances
// belonging to userID only.
func (m *Mux) GetInstances(userID string) []InstanceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []InstanceInfo
	for _, inst := range m.gatewayInstances {
		if inst.userID != userID {
			continue
		}
		out = append(out, InstanceInfo{
			ID:               inst.id,
			WorkingDirectory: inst.workingDirectory,
			Name:             inst.name,
			Status:           "running",
		})
	}
	return out
}

// ListHost implements assistant:listHost.
func (m *Mux) ListHost(ctx context.Context) ([]hostbridge.InstanceInfo, error) {
	if m.bridge == nil {
		return nil, nil
	}
	return m.bridge.ListInstances(ctx)
}

// CleanupSocket implements this component's portion of the disconnect
// cascade: kill every gateway-owned PTY tied to the socket, dispose every
// transcoder keyed on the socket, and tear down every forwarding
// subscription the socket installed.
func (m *Mux) CleanupSocket(userID, socketID string) {
	m.mu.Lock()
	gatewayIDs := make([]string, 0, len(m.socketInstances[socketID]))
	for id := range m.socketInstances[socketID] {
		gatewayIDs = append(gatewayIDs, id)
	}
	delete(m.socketInstances, socketID)

	forwardedIDs := make([]string, 0, len(m.forwardingSet[socketID]))
	for id := range m.forwardingSet[socketID] {
		forwardedIDs = append(forwardedIDs, id)
	}
	delete(m.forwardingSet, socketID)

	for key := range m.transcoders {
		if transcoderKeySocket(key) == socketID {
			m.transcoders[key].Close()
			delete(m.transcoders, key)
		}
	}
	m.mu.Unlock()

	for _, id := range gatewayIDs {
		_ = m.manager.CloseSession(id)
		m.quiesce.Cancel(id)
		m.forgetGateway(id)
		m.isolation.Release(userID, id)
	}

	for _, id := range forwardedIDs {
		m.teardownProxyIfOwnedBy(id, socketID)
		m.isolation.Release(userID, id)
	}
}

func (m *Mux) onResponseComplete(instanceID string) {
	m.mu.Lock()
	inst, isGateway := m.gatewayInstances[instanceID]
	m.mu.Unlock()
	if isGateway {
		m.emitter.Emit(inst.socketID, "ASSISTANT_RESPONSE_COMPLETE", map[string]any{"instanceId": instanceID})
	}
	// Host-owned instances' response-complete is delivered directly by the
	// HostBridge subscription installed in installProxy.
}

func (m *Mux) feedTranscoder(socketID, instanceID string, data []byte) {
	m.mu.Lock()
	tc, ok := m.transcoders[transcoderKey(socketID, instanceID)]
	m.mu.Unlock()
	if ok {
		tc.Write(data)
	}
}

func (m *Mux) checkOwnership(userID, instanceID string) error {
	if m.isolation.Owns(userID, instanceID) {
		return nil
	}
	return fmt.Errorf("%w for instance: %s", ErrAccessDenied, instanceID)
}

func (m *Mux) ownedInstance(userID, socketID, instanceID string) (*gatewayInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.gatewayInstances[instanceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, instanceID)
	}
	if inst.userID != userID || inst.socketID != socketID {
		return nil, fmt.Errorf("%w for instance: %s", ErrAccessDenied, instanceID)
	}
	return inst, nil
}

func (m *Mux) forgetGateway(instanceID string) {
	m.mu.Lock()
	inst, ok := m.gatewayInstances[instanceID]
	delete(m.gatewayInstances, instanceID)
	if ok {
		if ids := m.socketInstances[inst.socketID]; ids != nil {
			delete(ids, instanceID)
		}
	}
	m.mu.Unlock()
}

func (m *Mux) isForwarding(socketID, instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids, ok := m.forwardingSet[socketID]
	if !ok {
		return false
	}
	_, ok = ids[instanceID]
	return ok
}

func (m *Mux) addForwarding(socketID, instanceID string) {
	m.mu.Lock()
	if m.forwardingSet[socketID] == nil {
		m.forwardingSet[socketID] = make(map[string]struct{})
	}
	m.forwardingSet[socketID][instanceID] = struct{}{}
	m.mu.Unlock()
}

func (m *Mux) removeForwarding(socketID, instanceID string) {
	m.mu.Lock()
	if ids := m.forwardingSet[socketID]; ids != nil {
		delete(ids, instanceID)
	}
	m.mu.Unlock()
}

func (m *Mux) teardownProxy(instanceID string) {
	m.mu.Lock()
	target, ok := m.proxies[instanceID]
	if ok {
		delete(m.proxies, instanceID)
		m.teardownProxyLocked(instanceID, target)
	}
	m.mu.Unlock()
}

func (m *Mux) teardownProxyIfOwnedBy(instanceID, socketID string) {
	m.mu.Lock()
	target, ok := m.proxies[instanceID]
	if ok && target.socketID == socketID {
		delete(m.proxies, instanceID)
		m.teardownProxyLocked(instanceID, target)
	}
	m.mu.Unlock()
}

func (m *Mux) buildSpawnEnv(instanceID, instanceName, userID, workspaceID, customInstructions string) []string {
	env := append([]string{}, m.env...)
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"ASSISTANT_INSTANCE_ID="+instanceID,
		"ASSISTANT_INSTANCE_NAME="+instanceName,
		"USER_ID="+userID,
		"WORKSPACE_ID="+workspaceID,
		"REMOTE_MODE=true",
	)
	if customInstructions != "" {
		env = append(env, "ASSISTANT_CUSTOM_INSTRUCTIONS="+customInstructions)
	}
	return env
}

func transcoderKey(socketID, instanceID string) string {
	return socketID + "\x00" + instanceID
}

func transcoderKeySocket(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i]
		}
	}
	return key
}

// defaultWorkingDirectory falls back to HOME when no working directory is
// supplied.
func defaultWorkingDirectory(requested string) string {
	if requested != "" {
		return requested
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

