// Package synchub implements the append-only per-(user, workspace) patch
// log with push fan-out to the user's other live sessions and cursor-based
// pull.
//
// One mutex per store key serializes concurrent pushes; broadcast is
// best-effort (a missed sibling still gets the patch on its next pull).
// internal/persistence provides the optional write-through journal.
package synchub

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/benhollis/remotegw/internal/persistence"
	"github.com/benhollis/remotegw/internal/session"
)

// compressedHintCount and compressedHintBytes are the advisory thresholds
// past which a pull response suggests the client compress future pushes.
const (
	compressedHintCount = 10
	compressedHintBytes = 10 * 1024
)

// Patch is one entry in the append-only log. UserID, SessionID and
// ReceivedAt are attached on ingress; the payload is never inspected.
type Patch struct {
	ID         string          `json:"id"`
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	UserID     string          `json:"userId"`
	SessionID  string          `json:"sessionId"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// IncomingPatch is the client-supplied shape of a pushed patch.
type IncomingPatch struct {
	EntityType string          `json:"entityType"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Status is the sync:status response payload.
type Status struct {
	TotalPatches  int            `json:"totalPatches"`
	PatchesByType map[string]int `json:"patchesByType"`
	OldestPatch   *time.Time     `json:"oldestPatch,omitempty"`
	NewestPatch   *time.Time     `json:"newestPatch,omitempty"`
}

// Emitter delivers asynchronous events to one socket.
type Emitter interface {
	Emit(socketID, eventName string, fields map[string]any)
}

// store is one (user, workspace) log. Its mutex serializes concurrent
// pushes; readers copy under the same lock since appends are cheap.
type store struct {
	mu      sync.Mutex
	patches []Patch
}

// Hub is SyncHub.
type Hub struct {
	registry *session.Registry
	emitter  Emitter
	journal  *persistence.Store // optional write-through durability

	mu     sync.Mutex
	stores map[string]*store
}

// New creates a Hub. journal may be nil for in-memory-only operation; when
// set, previously journaled patches are replayed into the hub.
func New(registry *session.Registry, emitter Emitter, journal *persistence.Store) (*Hub, error) {
	h := &Hub{
		registry: registry,
		emitter:  emitter,
		journal:  journal,
		stores:   make(map[string]*store),
	}
	if journal != nil {
		byKey, err := journal.LoadAll()
		if err != nil {
			return nil, fmt.Errorf("replay patch journal: %w", err)
		}
		for key, recs := range byKey {
			st := h.storeFor(key)
			for _, rec := range recs {
				st.patches = append(st.patches, Patch{
					ID:         rec.ID,
					EntityType: rec.EntityType,
					Payload:    json.RawMessage(rec.Payload),
					UserID:     rec.UserID,
					SessionID:  rec.SessionID,
					ReceivedAt: rec.ReceivedAt,
				})
			}
		}
	}
	return h, nil
}

func storeKey(userID, workspaceID string) string {
	if workspaceID == "" {
		workspaceID = "default"
	}
	return userID + "\x00" + workspaceID
}

func (h *Hub) storeFor(key string) *store {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.stores[key]
	if !ok {
		st = &store{}
		h.stores[key] = st
	}
	return st
}

// Push implements sync:push: decode (and optionally decompress) the patch
// batch, enrich each patch, append to the caller's store, and fan out to
// the user's other live sessions in the same workspace. Returns the number
// of patches accepted.
func (h *Hub) Push(sess *session.Session, patchesRaw json.RawMessage, compressed bool) (int, error) {
	incoming, err := decodePatches(patchesRaw, compressed)
	if err != nil {
		return 0, err
	}
	if len(incoming) == 0 {
		return 0, nil
	}

	now := time.Now()
	enriched := make([]Patch, len(incoming))
	for i, in := range incoming {
		enriched[i] = Patch{
			ID:         uuid.NewString(),
			EntityType: in.EntityType,
			Payload:    in.Payload,
			UserID:     sess.UserID,
			SessionID:  sess.ID,
			ReceivedAt: now,
		}
	}

	key := storeKey(sess.UserID, sess.WorkspaceID)
	st := h.storeFor(key)
	st.mu.Lock()
	st.patches = append(st.patches, enriched...)
	st.mu.Unlock()

	if h.journal != nil {
		for _, p := range enriched {
			rec := persistence.PatchRecord{
				ID:         p.ID,
				StoreKey:   key,
				EntityType: p.EntityType,
				Payload:    []byte(p.Payload),
				UserID:     p.UserID,
				SessionID:  p.SessionID,
				ReceivedAt: p.ReceivedAt,
			}
			if err := h.journal.AppendPatch(rec); err != nil {
				slog.Warn("patch journal append failed", "error", err)
			}
		}
	}

	h.broadcast(sess, enriched)
	return len(enriched), nil
}

// broadcast fans the batch out to every other live session of the same
// user in the same workspace. Best-effort: a sibling without a usable
// socket just waits for its next pull.
func (h *Hub) broadcast(from *session.Session, patches []Patch) {
	for _, sibling := range h.registry.SessionsForUser(from.UserID) {
		if sibling.ID == from.ID || sibling.WorkspaceID != from.WorkspaceID {
			continue
		}
		if sibling.SocketID == "" {
			continue
		}
		h.emitter.Emit(sibling.SocketID, "sync:patches", map[string]any{
			"patches": patches,
			"from":    from.ID,
		})
	}
}

// Pull implements sync:pull: every patch in the caller's store received
// after since (all, if since is nil), filtered by entityType when types is
// non-empty, excluding patches the calling session authored itself. The
// returned bool is the advisory compression hint.
func (h *Hub) Pull(sess *session.Session, since *time.Time, types []string) ([]Patch, bool) {
	st := h.storeFor(storeKey(sess.UserID, sess.WorkspaceID))

	var typeSet map[string]struct{}
	if len(types) > 0 {
		typeSet = make(map[string]struct{}, len(types))
		for _, t := range types {
			typeSet[t] = struct{}{}
		}
	}

	st.mu.Lock()
	out := make([]Patch, 0)
	size := 0
	for _, p := range st.patches {
		if p.SessionID == sess.ID {
			continue
		}
		if since != nil && !p.ReceivedAt.After(*since) {
			continue
		}
		if typeSet != nil {
			if _, ok := typeSet[p.EntityType]; !ok {
				continue
			}
		}
		out = append(out, p)
		size += len(p.Payload)
	}
	st.mu.Unlock()

	return out, len(out) > compressedHintCount || size > compressedHintBytes
}

// Status implements sync:status for the caller's store.
func (h *Hub) Status(sess *session.Session) Status {
	st := h.storeFor(storeKey(sess.UserID, sess.WorkspaceID))

	st.mu.Lock()
	defer st.mu.Unlock()

	status := Status{
		TotalPatches:  len(st.patches),
		PatchesByType: make(map[string]int),
	}
	for i := range st.patches {
		status.PatchesByType[st.patches[i].EntityType]++
	}
	if len(st.patches) > 0 {
		oldest := st.patches[0].ReceivedAt
		newest := st.patches[len(st.patches)-1].ReceivedAt
		status.OldestPatch = &oldest
		status.NewestPatch = &newest
	}
	return status
}

// decodePatches parses the wire form of a pushed batch. Uncompressed, it is
// a JSON array of IncomingPatch; compressed, it is a JSON string holding
// base64-encoded gzip of that same array.
func decodePatches(raw json.RawMessage, compressed bool) ([]IncomingPatch, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	data := []byte(raw)
	if compressed {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return nil, fmt.Errorf("compressed patches must be a base64 string: %w", err)
		}
		gzipped, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode compressed patches: %w", err)
		}
		zr, err := gzip.NewReader(bytes.NewReader(gzipped))
		if err != nil {
			return nil, fmt.Errorf("decompress patches: %w", err)
		}
		data, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("decompress patches: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, fmt.Errorf("decompress patches: %w", err)
		}
	}

	var incoming []IncomingPatch
	if err := json.Unmarshal(data, &incoming); err != nil {
		return nil, fmt.Errorf("decode patches: %w", err)
	}
	return incoming, nil
}
