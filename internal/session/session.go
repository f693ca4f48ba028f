// Package session is the SessionRegistry: a pure lookup table mapping a
// socket identifier to the Session bound to it. The gateway does not
// authenticate anyone here — internal/auth hands this package an
// already-established Session at WebSocket upgrade time, and every other
// component consults this registry by socket id.
package session

import (
	"sync"
	"time"
)

// Permission is one of the enumerated request-gating tags.
type Permission string

const (
	FileRead         Permission = "FILE_READ"
	FileWrite        Permission = "FILE_WRITE"
	FileDelete       Permission = "FILE_DELETE"
	TerminalCreate   Permission = "TERMINAL_CREATE"
	TerminalWrite    Permission = "TERMINAL_WRITE"
	AssistantSpawn   Permission = "ASSISTANT_SPAWN"
	AssistantControl Permission = "ASSISTANT_CONTROL"
	WorkspaceManage  Permission = "WORKSPACE_MANAGE"
)

// Session is the per-socket identity and permission set. One Session is
// live per socket; it is not observable across sockets except through
// SessionsForUser, which the sync hub's fan-out relies on.
type Session struct {
	ID          string
	UserID      string
	WorkspaceID string
	// SocketID is set by Registry.Bind: the socket this session currently
	// rides on. SyncHub's fan-out addresses sibling sessions through it.
	SocketID    string
	Permissions map[Permission]struct{}
	CreatedAt   time.Time
}

// HasPermission reports whether the session carries the given permission.
func (s *Session) HasPermission(p Permission) bool {
	if s == nil {
		return false
	}
	_, ok := s.Permissions[p]
	return ok
}

// NewSession constructs a Session from a resolved user identity and a
// permission list. It does not register the session; call Registry.Bind.
func NewSession(id, userID, workspaceID string, perms []Permission) *Session {
	set := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		set[p] = struct{}{}
	}
	return &Session{
		ID:          id,
		UserID:      userID,
		WorkspaceID: workspaceID,
		Permissions: set,
		CreatedAt:   time.Now(),
	}
}

// Registry maps socket identifier to session: concurrent readers, rare
// writers, no I/O beyond the map itself. A session's lifetime is the
// lifetime of its connected socket.
type Registry struct {
	mu       sync.RWMutex
	bySocket map[string]*Session
	byUser   map[string]map[string]*Session // userID -> sessionID -> Session
}

// NewRegistry creates an empty SessionRegistry.
func NewRegistry() *Registry {
	return &Registry{
		bySocket: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Bind registers sess as the session for socketID. Any previous binding for
// that socket is replaced.
func (r *Registry) Bind(socketID string, sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess.SocketID = socketID
	r.bySocket[socketID] = sess

	byID, ok := r.byUser[sess.UserID]
	if !ok {
		byID = make(map[string]*Session)
		r.byUser[sess.UserID] = byID
	}
	byID[sess.ID] = sess
}

// Unbind removes the session bound to socketID. It is idempotent.
func (r *Registry) Unbind(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.bySocket[socketID]
	if !ok {
		return
	}
	delete(r.bySocket, socketID)

	if byID, ok := r.byUser[sess.UserID]; ok {
		delete(byID, sess.ID)
		if len(byID) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
}

// SessionBySocket returns the session bound to socketID, or nil.
func (r *Registry) SessionBySocket(socketID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySocket[socketID]
}

// SessionsForUser returns every live session belonging to userID, across
// all sockets. Used by SyncHub's fan-out and AssistantMux's reconnect path.
func (r *Registry) SessionsForUser(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byID, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

// HasPermission checks a permission against the session bound to socketID.
// Returns false if no session is bound.
func (r *Registry) HasPermission(socketID string, p Permission) bool {
	return r.SessionBySocket(socketID).HasPermission(p)
}

// Count returns the number of bound sockets. Used by tests and diagnostics.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySocket)
}
