package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if len(cfg.Providers.Order) != 1 || cfg.Providers.Order[0] != "claude" {
		t.Errorf("expected default providers [claude], got %v", cfg.Providers.Order)
	}

	if cfg.Execution.MaxParallel != 3 {
		t.Errorf("expected max_parallel 3, got %d", cfg.Execution.MaxParallel)
	}

	if cfg.Execution.MaxRetries != 3 {
		t.Errorf("expected max_retries 3, got %d", cfg.Execution.MaxRetries)
	}

	if cfg.Execution.RetryDelay != 5*time.Second {
		t.Errorf("expected retry_delay 5s, got %v", cfg.Execution.RetryDelay)
	}

	if cfg.Execution.ExternalFailTimeout != 5*time.Minute {
		t.Errorf("expected external_fail_timeout 5m, got %v", cfg.Execution.ExternalFailTimeout)
	}

	if cfg.Execution.StallTimeout != 10*time.Minute {
		t.Errorf("expected stall_timeout 10m, got %v", cfg.Execution.StallTimeout)
	}

	if cfg.Execution.TasksFile != "tasks.yaml" {
		t.Errorf("expected tasks_file tasks.yaml, got %q", cfg.Execution.TasksFile)
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
providers:
  order: [claude, codex, opencode]
  opencode_model: opencode/test-model
execution:
  max_parallel: 5
  max_retries: 2
  retry_delay: 10s
  external_fail_timeout: 2m
  stall_timeout: 30s
git:
  base_branch: develop
  create_pr: true
verbose: true
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	want := []string{"claude", "codex", "opencode"}
	if len(cfg.Providers.Order) != len(want) {
		t.Fatalf("expected providers %v, got %v", want, cfg.Providers.Order)
	}
	for i, p := range want {
		if cfg.Providers.Order[i] != p {
			t.Errorf("provider[%d]: expected %q, got %q", i, p, cfg.Providers.Order[i])
		}
	}

	if cfg.Execution.MaxParallel != 5 {
		t.Errorf("expected max_parallel 5, got %d", cfg.Execution.MaxParallel)
	}

	if cfg.Execution.RetryDelay != 10*time.Second {
		t.Errorf("expected retry_delay 10s, got %v", cfg.Execution.RetryDelay)
	}

	if cfg.Execution.StallTimeout != 30*time.Second {
		t.Errorf("expected stall_timeout 30s, got %v", cfg.Execution.StallTimeout)
	}

	if cfg.Git.BaseBranch != "develop" {
		t.Errorf("expected base_branch develop, got %q", cfg.Git.BaseBranch)
	}

	if !cfg.Git.CreatePR {
		t.Error("expected create_pr true")
	}

	if !cfg.Verbose {
		t.Error("expected verbose true")
	}
}

func TestNormalizeProviders(t *testing.T) {
	cfg := &Config{Providers: Providers{Order: []string{" Claude ", "", "CODEX"}}}
	cfg.normalize()

	want := []string{"claude", "codex"}
	if len(cfg.Providers.Order) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Providers.Order)
	}
	for i, p := range want {
		if cfg.Providers.Order[i] != p {
			t.Errorf("provider[%d]: expected %q, got %q", i, p, cfg.Providers.Order[i])
		}
	}
}

func TestNormalizeEmptyFallsBackToClaude(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()

	if len(cfg.Providers.Order) != 1 || cfg.Providers.Order[0] != "claude" {
		t.Errorf("expected fallback [claude], got %v", cfg.Providers.Order)
	}
}
