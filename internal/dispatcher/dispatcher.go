// Package dispatcher implements the per-socket handler registry: every
// message verb is bound to its component behind a uniform session lookup,
// permission gate, payload validation, and response envelope. It also owns
// the disconnect cascade and the per-socket event fan-out every component
// emits through.
//
// Handlers live in a verb table rather than one switch statement; the
// outbound Sink indirection keeps a single writer per socket so concurrent
// handlers never interleave frames.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benhollis/remotegw/internal/assistantmux"
	"github.com/benhollis/remotegw/internal/featurecache"
	"github.com/benhollis/remotegw/internal/fileops"
	"github.com/benhollis/remotegw/internal/isolation"
	"github.com/benhollis/remotegw/internal/session"
	"github.com/benhollis/remotegw/internal/synchub"
	"github.com/benhollis/remotegw/internal/terminalmux"
	"github.com/benhollis/remotegw/internal/workspace"
)

// Request is the inbound message envelope.
type Request struct {
	ID      string          `json:"id"`
	Verb    string          `json:"verb"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the outbound reply envelope. Every request receives exactly
// one.
type Response struct {
	ID      string     `json:"id"`
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *WireError `json:"error,omitempty"`
}

// Sink is one socket's outbound half. The transport implements it with a
// single writer goroutine per socket so concurrent handlers never
// interleave frames on the wire.
type Sink interface {
	SendResponse(Response)
	SendEvent(eventName string, fields map[string]any)
}

// handlerFunc performs one verb's effect. sess is already resolved and
// permission-checked.
type handlerFunc func(ctx context.Context, socketID string, sess *session.Session, payload json.RawMessage) (any, error)

type verbSpec struct {
	permission session.Permission // "" means no permission gate
	failCode   Code               // fallback error code for this verb
	handle     handlerFunc
}

// Deps are the components the Dispatcher routes to.
type Deps struct {
	Registry   *session.Registry
	Isolation  *isolation.Table
	Terminals  *terminalmux.Mux
	Assistants *assistantmux.Mux
	Files      *fileops.Handler
	Sync       *synchub.Hub
	Workspace  *workspace.Query
	Features   *featurecache.Cache
}

// Dispatcher routes request envelopes to verb handlers and events back to
// sockets.
type Dispatcher struct {
	deps  Deps
	verbs map[string]verbSpec

	mu    sync.RWMutex
	sinks map[string]Sink
}

// New creates a Dispatcher over the given components.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:  deps,
		sinks: make(map[string]Sink),
	}
	d.verbs = d.buildVerbTable()
	return d
}

// SetComponents attaches the components that themselves emit through the
// Dispatcher. They cannot be part of Deps at construction time — each takes
// the Dispatcher as its Emitter, so the Dispatcher must exist first.
func (d *Dispatcher) SetComponents(terminals *terminalmux.Mux, assistants *assistantmux.Mux, files *fileops.Handler, sync *synchub.Hub) {
	d.deps.Terminals = terminals
	d.deps.Assistants = assistants
	d.deps.Files = files
	d.deps.Sync = sync
}

// Register binds a freshly authenticated session and its outbound sink to
// socketID. A reconnecting socket id observes the old socket's cleanup
// completed before this runs — the transport calls Disconnect first.
func (d *Dispatcher) Register(socketID string, sess *session.Session, sink Sink) {
	d.deps.Registry.Bind(socketID, sess)
	d.mu.Lock()
	d.sinks[socketID] = sink
	d.mu.Unlock()
	slog.Info("session registered", "socket", socketID, "session", sess.ID, "user", sess.UserID)
}

// Emit implements the Emitter interface every component publishes through.
// Events for sockets that are already gone are dropped.
func (d *Dispatcher) Emit(socketID, eventName string, fields map[string]any) {
	d.mu.RLock()
	sink, ok := d.sinks[socketID]
	d.mu.RUnlock()
	if !ok {
		return
	}
	sink.SendEvent(eventName, fields)
}

// Dispatch routes one raw inbound message and returns the response
// envelope. It never returns an error: every failure becomes a response
// with success=false.
func (d *Dispatcher) Dispatch(ctx context.Context, socketID string, raw []byte) Response {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Response{ID: req.ID, Error: &WireError{Code: codeUnknownVerb, Message: fmt.Sprintf("malformed request: %v", err)}}
	}

	spec, ok := d.verbs[req.Verb]
	if !ok {
		return Response{ID: req.ID, Error: &WireError{Code: codeUnknownVerb, Message: fmt.Sprintf("unknown verb: %s", req.Verb)}}
	}

	sess := d.deps.Registry.SessionBySocket(socketID)
	if sess == nil {
		return Response{ID: req.ID, Error: &WireError{Code: CodeNoSession, Message: "no session for socket"}}
	}
	if spec.permission != "" && !sess.HasPermission(spec.permission) {
		return Response{ID: req.ID, Error: &WireError{Code: CodePermissionDenied, Message: fmt.Sprintf("missing permission: %s", spec.permission)}}
	}

	data, err := spec.handle(ctx, socketID, sess, req.Payload)
	if err != nil {
		slog.Debug("verb failed", "verb", req.Verb, "socket", socketID, "error", err)
		return Response{ID: req.ID, Error: mapError(err, spec.failCode)}
	}
	return Response{ID: req.ID, Success: true, Data: data}
}

// Disconnect runs the socket-close cascade: unregister the
// session, then terminal cleanup, assistant cleanup, watch cleanup, and a
// final isolation sweep. Each stage logs its own problems and never blocks
// the next. SyncHub keeps its patches.
func (d *Dispatcher) Disconnect(socketID string) {
	sess := d.deps.Registry.SessionBySocket(socketID)
	d.deps.Registry.Unbind(socketID)

	d.mu.Lock()
	delete(d.sinks, socketID)
	d.mu.Unlock()

	if sess == nil {
		return
	}
	slog.Info("session disconnecting", "socket", socketID, "session", sess.ID, "user", sess.UserID)

	d.runStage("terminal cleanup", func() {
		d.deps.Terminals.CleanupSocket(sess.UserID, socketID)
	})
	d.runStage("assistant cleanup", func() {
		d.deps.Assistants.CleanupSocket(sess.UserID, socketID)
	})
	d.runStage("watch cleanup", func() {
		d.deps.Files.CleanupSocket(socketID)
	})
	d.runStage("isolation sweep", func() {
		for _, rec := range d.deps.Isolation.ReleaseSession(socketID) {
			slog.Warn("instance slot survived component cleanup", "instance", rec.InstanceID, "user", rec.UserID, "kind", rec.Kind)
		}
	})
}

func (d *Dispatcher) runStage(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("disconnect stage panicked", "stage", name, "panic", r)
		}
	}()
	fn()
}
