package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := Default()

	if cfg.GetBufferSize() != 4 {
		t.Errorf("GetBufferSize() = %d, want 4", cfg.GetBufferSize())
	}
	if cfg.GetWorkers() != 2 {
		t.Errorf("GetWorkers() = %d, want 2", cfg.GetWorkers())
	}
	if cfg.GetSearchWindow() != 5 {
		t.Errorf("GetSearchWindow() = %d, want 5", cfg.GetSearchWindow())
	}
	if cfg.GetLockTimeout() != 2*time.Second {
		t.Errorf("GetLockTimeout() = %v, want 2s", cfg.GetLockTimeout())
	}
	if cfg.GetCandidateTTL() != 500*time.Millisecond {
		t.Errorf("GetCandidateTTL() = %v, want 500ms", cfg.GetCandidateTTL())
	}
	if len(cfg.Odometry) != 1 || cfg.Odometry[0].Type != "wheel_odometry" {
		t.Errorf("default odometry modules = %v", cfg.Odometry)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadPartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nav.json")
	content := `{
		"buffer_size": 8,
		"lock_timeout": "5s",
		"odometry": [{"type": "wheel_odometry"}],
		"vertex_test": [{"type": "keyframe_test", "config": {"max_distance_m": 1.5}}]
	}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GetBufferSize() != 8 {
		t.Errorf("GetBufferSize() = %d, want 8", cfg.GetBufferSize())
	}
	if cfg.GetLockTimeout() != 5*time.Second {
		t.Errorf("GetLockTimeout() = %v, want 5s", cfg.GetLockTimeout())
	}
	// Unset fields fall back to defaults.
	if cfg.GetWorkers() != 2 {
		t.Errorf("GetWorkers() = %d, want default 2", cfg.GetWorkers())
	}
	if len(cfg.VertexTest) != 1 || cfg.VertexTest[0].Type != "keyframe_test" {
		t.Errorf("vertex_test modules = %v", cfg.VertexTest)
	}
	if len(cfg.VertexTest[0].Config) == 0 {
		t.Error("expected raw module config to be preserved")
	}
}

func TestLoadRejectsBadExtension(t *testing.T) {
	if _, err := Load("nav.yaml"); err == nil {
		t.Error("expected error for non-json extension")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	bad := []Config{
		{BufferSize: ptrInt(0)},
		{Workers: ptrInt(-1)},
		{SearchWindow: ptrInt(0)},
		{LockTimeout: ptrString("not-a-duration")},
		{Odometry: []ModuleSpec{{Type: ""}}},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}

func ptrInt(v int) *int          { return &v }
func ptrString(v string) *string { return &v }
