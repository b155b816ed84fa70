package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Jobs.DefaultTimeoutSeconds != 120 {
		t.Errorf("default timeout = %d, want 120", cfg.Jobs.DefaultTimeoutSeconds)
	}
	if cfg.Pipeline.SemanticTopK != 5 {
		t.Errorf("semantic top k = %d, want 5", cfg.Pipeline.SemanticTopK)
	}
	if cfg.Fragmenter.TokenBudget != 4000 {
		t.Errorf("token budget = %d, want 4000", cfg.Fragmenter.TokenBudget)
	}
	if cfg.Review.FrictionThreshold != 0.80 {
		t.Errorf("friction threshold = %v, want 0.80", cfg.Review.FrictionThreshold)
	}
	if cfg.Auth.AllowDevIdentity {
		t.Error("dev identity must default to off")
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quill.yaml")
	yaml := `
storage:
  path: /tmp/x.db
jobs:
  default_timeout_seconds: 30
pipeline:
  semantic_top_k: 9
  thresholds:
    friction: 0.4
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "/tmp/x.db" {
		t.Errorf("storage path = %q", cfg.Storage.Path)
	}
	if cfg.Jobs.DefaultTimeoutSeconds != 30 {
		t.Errorf("timeout = %d, want 30", cfg.Jobs.DefaultTimeoutSeconds)
	}
	if cfg.Pipeline.SemanticTopK != 9 {
		t.Errorf("top k = %d, want 9", cfg.Pipeline.SemanticTopK)
	}
	if cfg.Pipeline.Thresholds.Friction != 0.4 {
		t.Errorf("friction threshold = %v, want 0.4", cfg.Pipeline.Thresholds.Friction)
	}
	// Untouched keys keep their defaults.
	if cfg.Pipeline.Thresholds.Integrate != 0.75 {
		t.Errorf("integrate threshold = %v, want default 0.75", cfg.Pipeline.Thresholds.Integrate)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quill.yaml")
	if err := os.WriteFile(path, []byte("subscriptions:\n  poll_interval_seconds: 3\n"), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected sub-10s poll interval to be rejected")
	}
}
