package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestGetPrefersGlobal(t *testing.T) {
	q := NewQuery("/work/project", "")

	info := q.Get()
	if info.Path != "/work/project" || info.Name != "project" || !info.HasWorkspace {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestGetFallsBackToConfigWorkspacePath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"workspacePath":"/persisted/proj"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	q := NewQuery("", configPath)
	info := q.Get()
	if info.Path != "/persisted/proj" || !info.HasWorkspace {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestGetFallsBackToConfigLastPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"workspace":{"lastPath":"/older/proj"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	q := NewQuery("", configPath)
	info := q.Get()
	if info.Path != "/older/proj" || !info.HasWorkspace {
		t.Fatalf("unexpected info: %+v", info)
	}
}

func TestGetFallsBackToHome(t *testing.T) {
	q := NewQuery("", filepath.Join(t.TempDir(), "absent.json"))

	info := q.Get()
	home, _ := os.UserHomeDir()
	if info.Path != home {
		t.Fatalf("expected home fallback, got %+v", info)
	}
	if info.HasWorkspace {
		t.Fatal("home fallback must report HasWorkspace=false")
	}
}

func TestSetGlobalOverridesConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.json")
	if err := os.WriteFile(configPath, []byte(`{"workspacePath":"/persisted/proj"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	q := NewQuery("", configPath)
	q.SetGlobal("/runtime/override")

	if got := q.Path(); got != "/runtime/override" {
		t.Fatalf("expected override, got %s", got)
	}
}
