// Package fileops implements the path-guarded filesystem verbs plus a
// debounced change watcher.
//
// Listings report type, size, and mtime per entry, and per-entry stat
// failures degrade instead of failing the listing. The watch table keeps
// one fsnotify watcher, a ref-counted path table, and a per-path debounce
// timer so a burst of syscall events coalesces into one delivered change.
package fileops

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"

	"github.com/benhollis/remotegw/internal/pathguard"
)

// ErrInvalidPath wraps every pathguard rejection so the Dispatcher can map
// it to INVALID_PATH regardless of which verb tripped it.
var ErrInvalidPath = errors.New("invalid path")

// Emitter delivers asynchronous events to one socket, same shape as the
// terminalmux/assistantmux emitters.
type Emitter interface {
	Emit(socketID, eventName string, fields map[string]any)
}

// Entry is one file:list result row.
type Entry struct {
	Name        string `json:"name"`
	Path        string `json:"path"`
	IsDirectory bool   `json:"isDirectory"`
	IsFile      bool   `json:"isFile"`
	Size        int64  `json:"size,omitempty"`
	SizeHuman   string `json:"sizeHuman,omitempty"`
	Modified    string `json:"modified,omitempty"`
	Error       string `json:"error,omitempty"`
}

// StatResult is the file:stat response payload.
type StatResult struct {
	Exists      bool   `json:"exists"`
	IsFile      bool   `json:"isFile"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
	Modified    string `json:"modified,omitempty"`
	Changed     string `json:"changed,omitempty"`
	Accessed    string `json:"accessed,omitempty"`
}

type watchEntry struct {
	refs    map[string]struct{} // socketIDs subscribed to this path
	pending map[string]struct{} // op names seen since the last flush
	timer   *time.Timer
}

// Handler is FileOpsHandler.
type Handler struct {
	guard    *pathguard.Guard
	emitter  Emitter
	debounce time.Duration

	mu        sync.Mutex
	watcher   *fsnotify.Watcher
	watches   map[string]*watchEntry         // resolved path -> entry
	socketsOf map[string]map[string]struct{} // socketID -> resolved paths
	closed    bool
}

// New creates a Handler guarded by guard. Watch events are debounced by
// debounce and delivered through emitter.
func New(guard *pathguard.Guard, emitter Emitter, debounce time.Duration) *Handler {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	return &Handler{
		guard:     guard,
		emitter:   emitter,
		debounce:  debounce,
		watches:   make(map[string]*watchEntry),
		socketsOf: make(map[string]map[string]struct{}),
	}
}

func (h *Handler) resolve(path string) (string, error) {
	resolved, err := h.guard.Resolve(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	return resolved, nil
}

// Read implements file:read. encoding selects the wire representation of the
// content: "base64" for binary-safe transfer, anything else is returned as
// UTF-8 text.
func (h *Handler) Read(path, encoding string) (string, error) {
	resolved, err := h.resolve(path)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return "", err
	}
	if encoding == "base64" {
		return base64.StdEncoding.EncodeToString(data), nil
	}
	return string(data), nil
}

// Write implements file:write: overwrite, create-if-absent. No atomic
// rename is promised.
func (h *Handler) Write(path, content, encoding string) error {
	resolved, err := h.resolve(path)
	if err != nil {
		return err
	}
	data := []byte(content)
	if encoding == "base64" {
		data, err = base64.StdEncoding.DecodeString(content)
		if err != nil {
			return fmt.Errorf("decode content: %w", err)
		}
	}
	return os.WriteFile(resolved, data, 0o644)
}

// List implements file:list. Per-entry stat failures degrade to an entry
// carrying an error string, never failing the listing as a whole.
func (h *Handler) List(path string) ([]Entry, error) {
	resolved, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	dirEntries, err := os.ReadDir(resolved)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := Entry{
			Name:        de.Name(),
			Path:        filepath.Join(resolved, de.Name()),
			IsDirectory: de.IsDir(),
			IsFile:      de.Type().IsRegular(),
		}
		info, err := de.Info()
		if err != nil {
			entry.Error = err.Error()
		} else {
			if entry.IsFile {
				entry.Size = info.Size()
				entry.SizeHuman = humanize.IBytes(uint64(info.Size()))
			}
			entry.Modified = info.ModTime().UTC().Format(time.RFC3339)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete implements file:delete: recursive for directories, unlink for
// files. Deleting a missing path is an error.
func (h *Handler) Delete(path string) error {
	resolved, err := h.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(resolved); err != nil {
		return err
	}
	return os.RemoveAll(resolved)
}

// Stat implements file:stat. A missing path is not an error; the result
// reports Exists=false.
func (h *Handler) Stat(path string) (*StatResult, error) {
	resolved, err := h.resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return &StatResult{Exists: false}, nil
		}
		return nil, err
	}

	res := &StatResult{
		Exists:      true,
		IsFile:      info.Mode().IsRegular(),
		IsDirectory: info.IsDir(),
		Size:        info.Size(),
		Modified:    info.ModTime().UTC().Format(time.RFC3339),
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		res.Changed = time.Unix(st.Ctim.Sec, st.Ctim.Nsec).UTC().Format(time.RFC3339)
		res.Accessed = time.Unix(st.Atim.Sec, st.Atim.Nsec).UTC().Format(time.RFC3339)
	}
	return res, nil
}

// Watch implements file:watch: register socketID's interest in path and
// acknowledge immediately. Change events arrive later as coalesced
// FILE_CHANGE events carrying the watched path and the operations seen in
// the burst.
func (h *Handler) Watch(socketID, path string) error {
	resolved, err := h.resolve(path)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(resolved); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return fmt.Errorf("watcher closed")
	}

	if h.watcher == nil {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return err
		}
		h.watcher = w
		go h.run(w)
	}

	entry, ok := h.watches[resolved]
	if !ok {
		if err := h.watcher.Add(resolved); err != nil {
			return err
		}
		entry = &watchEntry{refs: make(map[string]struct{}), pending: make(map[string]struct{})}
		h.watches[resolved] = entry
	}
	entry.refs[socketID] = struct{}{}

	if h.socketsOf[socketID] == nil {
		h.socketsOf[socketID] = make(map[string]struct{})
	}
	h.socketsOf[socketID][resolved] = struct{}{}
	return nil
}

// run drains fsnotify events, debouncing per watched path.
func (h *Handler) run(w *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			h.recordEvent(ev)
		case _, ok := <-w.Errors:
			if !ok {
				return
			}
		}
	}
}

// recordEvent attributes ev to its watch entry: the event path itself when
// the target is watched directly, or its parent directory when the target
// lives inside a watched directory.
func (h *Handler) recordEvent(ev fsnotify.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	watched := ev.Name
	entry, ok := h.watches[watched]
	if !ok {
		watched = filepath.Dir(ev.Name)
		entry, ok = h.watches[watched]
	}
	if !ok {
		return
	}

	entry.pending[ev.Op.String()] = struct{}{}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	path := watched
	entry.timer = time.AfterFunc(h.debounce, func() {
		h.flush(path)
	})
}

func (h *Handler) flush(path string) {
	h.mu.Lock()
	entry, ok := h.watches[path]
	if !ok || len(entry.pending) == 0 {
		h.mu.Unlock()
		return
	}
	ops := make([]string, 0, len(entry.pending))
	for op := range entry.pending {
		ops = append(ops, op)
	}
	entry.pending = make(map[string]struct{})
	sockets := make([]string, 0, len(entry.refs))
	for id := range entry.refs {
		sockets = append(sockets, id)
	}
	h.mu.Unlock()

	for _, socketID := range sockets {
		h.emitter.Emit(socketID, "FILE_CHANGE", map[string]any{
			"path":       path,
			"operations": ops,
		})
	}
}

// CleanupSocket drops every watch held by socketID, removing the underlying
// fsnotify watch once its last subscriber is gone.
func (h *Handler) CleanupSocket(socketID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for path := range h.socketsOf[socketID] {
		entry, ok := h.watches[path]
		if !ok {
			continue
		}
		delete(entry.refs, socketID)
		if len(entry.refs) == 0 {
			if entry.timer != nil {
				entry.timer.Stop()
			}
			delete(h.watches, path)
			if h.watcher != nil {
				_ = h.watcher.Remove(path)
			}
		}
	}
	delete(h.socketsOf, socketID)
}

// Close shuts the watcher down. Further Watch calls fail.
func (h *Handler) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, entry := range h.watches {
		if entry.timer != nil {
			entry.timer.Stop()
		}
	}
	h.watches = make(map[string]*watchEntry)
	h.socketsOf = make(map[string]map[string]struct{})
	if h.watcher != nil {
		w := h.watcher
		h.watcher = nil
		return w.Close()
	}
	return nil
}
