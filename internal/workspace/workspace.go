// Package workspace resolves the session's workspace path through a
// layered source chain: in-memory global workspace, then the persisted
// userData/config.json, then the user's home directory. Which tier
// answered is deliberately not exposed to the client.
package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
)

// Info is the workspace:get response payload.
type Info struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	HasWorkspace bool   `json:"hasWorkspace"`
}

// userConfig mirrors the persisted userData/config.json fields the gateway
// reads: workspacePath first, workspace.lastPath as the older layout.
type userConfig struct {
	WorkspacePath string `json:"workspacePath"`
	Workspace     struct {
		LastPath string `json:"lastPath"`
	} `json:"workspace"`
}

// Query resolves the current workspace.
type Query struct {
	mu         sync.RWMutex
	global     string // in-memory tier; set at startup or by the operator
	configPath string // persisted tier; "" disables it
}

// NewQuery creates a Query with the given in-memory global workspace (may
// be empty) and persisted config path (may be empty).
func NewQuery(global, configPath string) *Query {
	return &Query{global: global, configPath: configPath}
}

// SetGlobal replaces the in-memory global workspace.
func (q *Query) SetGlobal(path string) {
	q.mu.Lock()
	q.global = path
	q.mu.Unlock()
}

// Get implements workspace:get. The home fallback reports
// HasWorkspace=false: the session has a directory to operate in, but no
// workspace was ever chosen.
func (q *Query) Get() Info {
	q.mu.RLock()
	global := q.global
	configPath := q.configPath
	q.mu.RUnlock()

	if global != "" {
		return Info{Path: global, Name: filepath.Base(global), HasWorkspace: true}
	}

	if path := readConfigWorkspace(configPath); path != "" {
		return Info{Path: path, Name: filepath.Base(path), HasWorkspace: true}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return Info{}
	}
	return Info{Path: home, Name: filepath.Base(home), HasWorkspace: false}
}

// Path returns just the resolved workspace path, for components that need a
// working-directory default (TerminalMux's globalWorkspace tier).
func (q *Query) Path() string {
	return q.Get().Path
}

func readConfigWorkspace(configPath string) string {
	if configPath == "" {
		return ""
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return ""
	}
	var cfg userConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return ""
	}
	if cfg.WorkspacePath != "" {
		return cfg.WorkspacePath
	}
	return cfg.Workspace.LastPath
}
