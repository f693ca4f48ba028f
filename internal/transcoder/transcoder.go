// Package transcoder provides a headless terminal emulator that re-renders
// a wide host PTY's byte stream into a client's declared, typically
// narrower, viewport, and can produce a reconnect-ready ANSI snapshot of
// its current grid plus scrollback.
//
// Built on charmbracelet/x/vt: a ring-buffer scrollback captured via the
// emulator's ScrollOut callback, and a Snapshot that concatenates
// scrollback, screen-flush padding, a style/cursor reset, and a grid
// repaint into one ANSI byte stream.
package transcoder

import (
	"fmt"
	"strings"
	"sync"

	uv "github.com/charmbracelet/ultraviolet"
	"github.com/charmbracelet/x/vt"
)

const maxScrollbackLines = 50000

// Transcoder is one client's private view onto a wide host terminal,
// keyed by (socketId, instanceId) in AssistantMux.
type Transcoder struct {
	emu        *vt.Emulator
	scrollback []string
	sbHead     int
	sbLen      int

	mu           sync.Mutex
	altScreen    bool
	cursorHidden bool
	cols, rows   int
}

// New creates a Transcoder sized to (cols, rows) — the client's declared
// viewport, per assistant:configureTerminal.
func New(cols, rows int) *Transcoder {
	t := &Transcoder{
		emu:        vt.NewEmulator(cols, rows),
		scrollback: make([]string, maxScrollbackLines),
		cols:       cols,
		rows:       rows,
	}
	t.emu.SetCallbacks(vt.Callbacks{
		ScrollOut: func(lines []uv.Line) {
			if t.altScreen {
				return
			}
			for _, line := range lines {
				rendered := line.Render()
				if t.sbLen == len(t.scrollback) {
					t.scrollback[t.sbHead] = ""
				}
				t.scrollback[t.sbHead] = rendered
				t.sbHead = (t.sbHead + 1) % len(t.scrollback)
				if t.sbLen < len(t.scrollback) {
					t.sbLen++
				}
			}
		},
		ScrollbackClear: func() {
			for i := range t.scrollback {
				t.scrollback[i] = ""
			}
			t.sbLen = 0
			t.sbHead = 0
		},
		AltScreen: func(on bool) {
			t.altScreen = on
		},
		CursorVisibility: func(visible bool) {
			t.cursorHidden = !visible
		},
	})
	return t
}

// Write feeds one chunk of forwarded assistant output into the emulator.
func (t *Transcoder) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emu.Write(p)
}

// Resize changes the transcoder's viewport dimensions.
func (t *Transcoder) Resize(cols, rows int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.emu.Resize(cols, rows)
	t.cols, t.rows = cols, rows
}

// Snapshot renders a reconnect-ready ANSI byte stream: scrollback, then
// screen-flush padding, then a style+cursor reset and grid repaint, then
// cursor position/visibility restore. Feeding this to a real ANSI emulator
// reproduces the transcoder's current view.
func (t *Transcoder) Snapshot() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()

	var buf strings.Builder

	lines := t.scrollbackLines()
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	if len(lines) > 0 {
		for i := 0; i < t.rows-1; i++ {
			buf.WriteByte('\n')
		}
	}

	buf.WriteString("\x1b[m\x1b[H")
	buf.WriteString(t.emu.Render())

	pos := t.emu.CursorPosition()
	fmt.Fprintf(&buf, "\x1b[%d;%dH", pos.Y+1, pos.X+1)

	if t.cursorHidden {
		buf.WriteString("\x1b[?25l")
	} else {
		buf.WriteString("\x1b[?25h")
	}

	return []byte(buf.String())
}

// ScrollbackLen reports how many scrollback lines are currently retained.
func (t *Transcoder) ScrollbackLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sbLen
}

// Close releases the underlying emulator.
func (t *Transcoder) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.emu.Close()
}

func (t *Transcoder) scrollbackLines() []string {
	if t.sbLen == 0 {
		return nil
	}
	lines := make([]string, t.sbLen)
	start := (t.sbHead - t.sbLen + len(t.scrollback)) % len(t.scrollback)
	for i := 0; i < t.sbLen; i++ {
		lines[i] = t.scrollback[(start+i)%len(t.scrollback)]
	}
	return lines
}
