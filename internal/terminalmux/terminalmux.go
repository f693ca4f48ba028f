// Package terminalmux spawns and owns PTY processes for remote-created
// shells, streams their output as events, and enumerates remote-owned plus
// host-owned terminals.
//
// internal/pty provides the substrate (ring buffer, output reader
// goroutine, orphan/reattach); this package wraps it with socket-ownership
// bookkeeping and event emission.
package terminalmux

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/benhollis/remotegw/internal/hostbridge"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/pty"
)

// Sentinel errors the Dispatcher maps to TERMINAL_NOT_FOUND and
// ACCESS_DENIED wire codes.
var (
	ErrNotFound     = errors.New("terminal not found")
	ErrAccessDenied = errors.New("access denied")
)

// Emitter delivers asynchronous events to one socket. AssistantMux uses the
// same interface, so the Dispatcher implements it once.
type Emitter interface {
	Emit(socketID, eventName string, fields map[string]any)
}

// TerminalInfo is what terminal:list returns for one terminal.
type TerminalInfo struct {
	ID            string
	Name          string
	Status        string
	HostOwned     bool
	CurrentBuffer []byte // only set for host-owned entries when available
}

// Mux is TerminalMux.
type Mux struct {
	mu        sync.RWMutex
	manager   *pty.Manager
	isolation *isolation.Table
	bridge    hostbridge.Bridge // optional; nil disables host-owned listing
	emitter   Emitter

	// socketOf/terminalsOf are bulk-cleanup indexes, not ownership.
	socketOf    map[string]string              // terminalID -> socketID
	terminalsOf map[string]map[string]struct{} // socketID -> terminalIDs
}

// New creates a TerminalMux backed by the given pty.Manager.
func New(manager *pty.Manager, isoTable *isolation.Table, bridge hostbridge.Bridge, emitter Emitter) *Mux {
	return &Mux{
		manager:     manager,
		isolation:   isoTable,
		bridge:      bridge,
		emitter:     emitter,
		socketOf:    make(map[string]string),
		terminalsOf: make(map[string]map[string]struct{}),
	}
}

// Create implements terminal:create.
func (m *Mux) Create(userID, socketID string, cols, rows int, cwd string, env []string, name string) (string, error) {
	id, err := pty.NewSessionID()
	if err != nil {
		return "", err
	}

	sess, err := m.manager.CreateSessionWithOptions(id, userID, rows, cols, resolveWorkDir(cwd), env)
	if err != nil {
		return "", err
	}

	if err := m.isolation.Acquire(userID, id, socketID, isolation.KindTerminal); err != nil {
		_ = m.manager.CloseSession(id)
		return "", err
	}
	if name != "" {
		_ = m.manager.SetSessionName(id, name)
	}

	m.mu.Lock()
	m.socketOf[id] = socketID
	if m.terminalsOf[socketID] == nil {
		m.terminalsOf[socketID] = make(map[string]struct{})
	}
	m.terminalsOf[socketID][id] = struct{}{}
	m.mu.Unlock()

	sess.StartOutputReader(
		func(terminalID string, data []byte) {
			m.isolation.Touch(terminalID)
			m.emitter.Emit(socketID, "TERMINAL_DATA", map[string]any{
				"terminalId": terminalID,
				"data":       base64.StdEncoding.EncodeToString(data),
			})
		},
		func(terminalID string) {
			code, _ := sess.ExitStatus()
			m.emitter.Emit(socketID, "TERMINAL_EXIT", map[string]any{
				"terminalId": terminalID,
				"code":       code,
				"signal":     nil,
			})
			m.forget(terminalID)
			m.isolation.Release(userID, terminalID)
		},
	)

	return id, nil
}

// Write implements terminal:write. It enforces ownership via socketID.
func (m *Mux) Write(socketID, terminalID string, data []byte) error {
	if err := m.checkOwnership(socketID, terminalID); err != nil {
		return err
	}
	sess := m.manager.GetSession(terminalID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, terminalID)
	}
	_, err := sess.Write(data)
	return err
}

// Resize implements terminal:resize.
func (m *Mux) Resize(socketID, terminalID string, cols, rows int) error {
	if err := m.checkOwnership(socketID, terminalID); err != nil {
		return err
	}
	sess := m.manager.GetSession(terminalID)
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, terminalID)
	}
	return sess.Resize(rows, cols)
}

// Destroy implements terminal:destroy.
func (m *Mux) Destroy(userID, socketID, terminalID string) error {
	if err := m.checkOwnership(socketID, terminalID); err != nil {
		return err
	}
	if err := m.manager.CloseSession(terminalID); err != nil {
		return err
	}
	m.forget(terminalID)
	m.isolation.Release(userID, terminalID)
	return nil
}

// List implements terminal:list, merging remote-owned terminals with
// host-owned terminals reported by HostBridge.
func (m *Mux) List(ctx context.Context, userID string) []TerminalInfo {
	var out []TerminalInfo

	for _, info := range m.manager.GetActiveSessionsForUser(userID) {
		out = append(out, TerminalInfo{
			ID:     info.ID,
			Name:   info.Name,
			Status: info.Status,
		})
	}

	if m.bridge != nil {
		hostInstances, err := m.bridge.ListInstances(ctx)
		if err == nil {
			for _, hi := range hostInstances {
				entry := TerminalInfo{ID: hi.ID, Name: hi.Name, Status: string(hi.Status), HostOwned: true}
				if buf, err := m.bridge.GetBuffer(ctx, hi.ID); err == nil {
					entry.CurrentBuffer = buf
				}
				out = append(out, entry)
			}
		}
	}

	return out
}

// CleanupSocket kills every PTY owned by socketID and clears its
// back-references. Invoked by the Dispatcher's disconnect cascade.
func (m *Mux) CleanupSocket(userID, socketID string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminalsOf[socketID]))
	for id := range m.terminalsOf[socketID] {
		ids = append(ids, id)
	}
	delete(m.terminalsOf, socketID)
	m.mu.Unlock()

	for _, id := range ids {
		_ = m.manager.CloseSession(id)
		m.forget(id)
		m.isolation.Release(userID, id)
	}
}

func (m *Mux) checkOwnership(socketID, terminalID string) error {
	m.mu.RLock()
	owner, ok := m.socketOf[terminalID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, terminalID)
	}
	if owner != socketID {
		return fmt.Errorf("%w for terminal: %s", ErrAccessDenied, terminalID)
	}
	return nil
}

func (m *Mux) forget(terminalID string) {
	m.mu.Lock()
	socketID, ok := m.socketOf[terminalID]
	delete(m.socketOf, terminalID)
	if ok {
		if ids := m.terminalsOf[socketID]; ids != nil {
			delete(ids, terminalID)
		}
	}
	m.mu.Unlock()
}

// resolveWorkDir implements the first tier of working-directory selection:
// the request's cwd, if given, wins outright. An empty return defers to
// CreateSessionWithOptions's own fallback to the manager's configured
// WorkDir; workspace.Query supplies the HOME tier the same way it does for
// workspace:get.
func resolveWorkDir(cwd string) string {
	return cwd
}

