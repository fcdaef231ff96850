package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	m, err := NewManager()
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	m := testManager(t)
	if m.Exists() {
		t.Fatal("config file should not exist yet")
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode() != "normal" {
		t.Errorf("Mode() = %q, want normal", cfg.Mode())
	}
	if !cfg.ApprovalDefault() {
		t.Error("ApprovalDefault() = false, want true")
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := testManager(t)
	in := &Config{
		LLMProvider:     "openai",
		Model:           "gpt-4o",
		DevelopmentMode: "auto-accept",
		Editor:          EditorConfig{Enabled: true, Port: 9000},
		Compaction:      CompactionConfig{Mode: "aggressive", KeepRecent: 3},
	}
	if err := m.Save(in); err != nil {
		t.Fatalf("Save: %v", err)
	}

	info, err := os.Stat(m.GetConfigPath())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("config file mode = %v, want 0600", perm)
	}

	out, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if out.Model != "gpt-4o" || out.DevelopmentMode != "auto-accept" {
		t.Errorf("round trip lost fields: %+v", out)
	}
	if out.Mode() != "auto-accept" {
		t.Errorf("Mode() = %q, want auto-accept", out.Mode())
	}
	if !out.Editor.Enabled || out.Editor.Port != 9000 {
		t.Errorf("editor config = %+v", out.Editor)
	}
}

func TestValidateModes(t *testing.T) {
	for _, mode := range []string{"", "normal", "auto-accept", "plan"} {
		cfg := &Config{DevelopmentMode: mode}
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", mode, err)
		}
	}
	for _, mode := range []string{"yolo", "auto_accept", "Normal"} {
		cfg := &Config{DevelopmentMode: mode}
		if err := cfg.Validate(); err == nil {
			t.Errorf("Validate(%q) = nil, want error", mode)
		}
	}
	bad := &Config{Compaction: CompactionConfig{Mode: "extreme"}}
	if err := bad.Validate(); err == nil {
		t.Error("invalid compaction mode accepted")
	}
}

func TestDataDirCreated(t *testing.T) {
	m := testManager(t)
	dir, err := m.DataDir()
	if err != nil {
		t.Fatalf("DataDir: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Fatalf("data dir missing: %v", err)
	}
	if filepath.Base(dir) != "nanocoder" {
		t.Errorf("data dir = %s, want .../nanocoder", dir)
	}
}
