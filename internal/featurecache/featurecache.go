// Package featurecache holds a lazily computed, in-memory snapshot of
// host-scoped auxiliary feature metadata (hooks, servers, commands) for
// clients that fetch it once per session.
//
// The expensive external probe runs at most once; the parsed result is
// cached and reused for every later request, until a store replaces it.
package featurecache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Hook describes one host-side hook registration.
type Hook struct {
	Name    string `json:"name"`
	Event   string `json:"event"`
	Command string `json:"command,omitempty"`
}

// Server describes one host-side auxiliary server.
type Server struct {
	Name    string `json:"name"`
	Command string `json:"command,omitempty"`
	Enabled bool   `json:"enabled"`
}

// Command describes one host-side custom command.
type Command struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Descriptor is the features:get / features:store payload.
type Descriptor struct {
	Hooks    []Hook    `json:"hooks"`
	Servers  []Server  `json:"servers"`
	Commands []Command `json:"commands"`
	LastSync time.Time `json:"lastSync"`
}

// Prober computes a Descriptor from scratch. It is invoked at most once
// per Cache lifetime; later Get calls reuse its result until a Store
// replaces it.
type Prober func(ctx context.Context) (*Descriptor, error)

// Cache is FeatureCache.
type Cache struct {
	prober Prober

	mu     sync.Mutex
	stored *Descriptor

	probeOnce sync.Once
	probed    *Descriptor
	probeErr  error
}

// New creates a Cache backed by prober.
func New(prober Prober) *Cache {
	return &Cache{prober: prober}
}

// Get implements features:get: the last stored descriptor if one exists,
// otherwise the memoized probe result.
func (c *Cache) Get(ctx context.Context) (*Descriptor, error) {
	c.mu.Lock()
	if c.stored != nil {
		d := *c.stored
		c.mu.Unlock()
		return &d, nil
	}
	c.mu.Unlock()

	c.probeOnce.Do(func() {
		if c.prober == nil {
			c.probed = &Descriptor{}
			return
		}
		c.probed, c.probeErr = c.prober(ctx)
	})
	if c.probeErr != nil {
		return nil, c.probeErr
	}
	d := *c.probed
	return &d, nil
}

// Store implements features:store: replace the cached descriptor and stamp
// LastSync.
func (c *Cache) Store(desc Descriptor) {
	desc.LastSync = time.Now()
	c.mu.Lock()
	c.stored = &desc
	c.mu.Unlock()
}

// settingsFile mirrors the host settings layout the default prober reads.
type settingsFile struct {
	Hooks    []Hook    `json:"hooks"`
	Servers  []Server  `json:"servers"`
	Commands []Command `json:"commands"`
}

// DefaultProber builds a Prober that merges a host settings file with the
// output of an external tooling query (`<tool> features --json`). Either
// source may be absent; an empty descriptor is not an error.
func DefaultProber(settingsPath, toolPath string) Prober {
	return func(ctx context.Context) (*Descriptor, error) {
		desc := &Descriptor{}

		if settingsPath != "" {
			if data, err := os.ReadFile(settingsPath); err == nil {
				var sf settingsFile
				if err := json.Unmarshal(data, &sf); err != nil {
					return nil, fmt.Errorf("parse settings file: %w", err)
				}
				desc.Hooks = sf.Hooks
				desc.Servers = sf.Servers
				desc.Commands = sf.Commands
			}
		}

		if toolPath != "" {
			out, err := exec.CommandContext(ctx, toolPath, "features", "--json").Output()
			if err == nil {
				var sf settingsFile
				if err := json.Unmarshal(out, &sf); err == nil {
					desc.Hooks = append(desc.Hooks, sf.Hooks...)
					desc.Servers = append(desc.Servers, sf.Servers...)
					desc.Commands = append(desc.Commands, sf.Commands...)
				}
			}
		}

		desc.LastSync = time.Now()
		return desc, nil
	}
}
