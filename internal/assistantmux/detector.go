package assistantmux

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// CachedDetector resolves the assistant CLI binary once and memoizes the
// result for every later spawn, in the same memoize-the-expensive-probe
// shape as the feature cache.
type CachedDetector struct {
	// ExplicitPath short-circuits detection when the operator pins the
	// binary via configuration.
	ExplicitPath string
	// Names are the candidate binary names tried on PATH, in order.
	Names []string

	once    sync.Once
	path    string
	version string
	err     error
}

// Detect resolves (path, version). The probe runs at most once.
func (d *CachedDetector) Detect() (string, string, error) {
	d.once.Do(func() {
		d.path, d.err = d.resolvePath()
		if d.err != nil {
			return
		}
		// Version is informational; a binary that won't answer --version is
		// still spawnable.
		if out, err := exec.Command(d.path, "--version").Output(); err == nil {
			d.version = strings.TrimSpace(string(out))
		}
	})
	return d.path, d.version, d.err
}

func (d *CachedDetector) resolvePath() (string, error) {
	if d.ExplicitPath != "" {
		if _, err := exec.LookPath(d.ExplicitPath); err != nil {
			return "", fmt.Errorf("configured assistant binary: %w", err)
		}
		return d.ExplicitPath, nil
	}
	for _, name := range d.Names {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no assistant binary on PATH (tried %s)", strings.Join(d.Names, ", "))
}
