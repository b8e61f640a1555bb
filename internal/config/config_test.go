package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeManifest(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ManifestName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeManifest(t, t.TempDir(), `
[gc]
cycle_threshold = 16
pressure_fraction = 0.5

[scheduler]
max_flush_depth = 10

[deopt]
regression_threshold = 2.0
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.GC.CycleThreshold != 16 || cfg.GC.PressureFraction != 0.5 {
		t.Errorf("gc = %+v", cfg.GC)
	}
	if cfg.Scheduler.MaxFlushDepth != 10 {
		t.Errorf("scheduler = %+v", cfg.Scheduler)
	}
	if cfg.Deopt.RegressionThreshold != 2.0 {
		t.Errorf("deopt = %+v", cfg.Deopt)
	}
}

func TestLoadFilePartialKeepsDefaults(t *testing.T) {
	path := writeManifest(t, t.TempDir(), "[gc]\ncycle_threshold = 8\n")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.GC.CycleThreshold != 8 {
		t.Errorf("cycle_threshold = %d, want 8", cfg.GC.CycleThreshold)
	}
	def := Default()
	if cfg.Scheduler != def.Scheduler || cfg.Deopt != def.Deopt {
		t.Errorf("defaults not kept: %+v", cfg)
	}
}

func TestLoadFileRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero threshold", "[gc]\ncycle_threshold = 0\n"},
		{"fraction above one", "[gc]\npressure_fraction = 1.5\n"},
		{"negative flush depth", "[scheduler]\nmax_flush_depth = -1\n"},
		{"regression threshold at one", "[deopt]\nregression_threshold = 1.0\n"},
		{"unknown key", "[gc]\nthreshold = 3\n"},
		{"malformed", "not toml ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeManifest(t, t.TempDir(), tt.content)
			if _, err := LoadFile(path); err == nil {
				t.Error("LoadFile succeeded, want error")
			}
		})
	}
}

func TestLoadSearchesUpward(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "[scheduler]\nmax_flush_depth = 7\n")
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	cfg, err := Load(nested)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.MaxFlushDepth != 7 {
		t.Errorf("max_flush_depth = %d, want 7", cfg.Scheduler.MaxFlushDepth)
	}
}

func TestLoadWithoutManifestReturnsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Errorf("cfg = %+v, want defaults", cfg)
	}
}
