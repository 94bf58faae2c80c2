package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoad_FillsDefaults(t *testing.T) {
	path := writeFile(t, "simforge.yaml", `
provider:
  base_url: http://localhost:11434
  model: qwen2.5-coder
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.BaseURL != "http://localhost:11434" {
		t.Errorf("base_url = %q", cfg.Provider.BaseURL)
	}
	if cfg.Engine.MaxAttempts != 3 {
		t.Errorf("max_attempts = %d, want default 3", cfg.Engine.MaxAttempts)
	}
	if cfg.Sandbox.Image != "simforge-renderer" {
		t.Errorf("image = %q, want default", cfg.Sandbox.Image)
	}
	if cfg.DataDir != "data" {
		t.Errorf("data_dir = %q, want data", cfg.DataDir)
	}
}

func TestLoad_Overrides(t *testing.T) {
	path := writeFile(t, "simforge.yaml", `
provider:
  base_url: https://api.example.com
  model: m1
sandbox:
  image: custom-renderer
  timeout_seconds: 60
engine:
  max_attempts: 5
  max_parallel: 2
  max_feedback_bytes: 512
data_dir: /var/lib/simforge
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Engine.MaxAttempts != 5 || cfg.Engine.MaxParallel != 2 {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.MaxFeedbackBytes != 512 {
		t.Errorf("max_feedback_bytes = %d, want 512", cfg.Engine.MaxFeedbackBytes)
	}

	sb := cfg.SandboxSettings()
	if sb.Image != "custom-renderer" {
		t.Errorf("image = %q", sb.Image)
	}
	if sb.Timeout != 60*time.Second {
		t.Errorf("timeout = %v, want 60s", sb.Timeout)
	}
	if got := cfg.DatabasePath(); got != filepath.Join("/var/lib/simforge", "simforge.db") {
		t.Errorf("db path = %q", got)
	}
}

func TestLoad_EnvAPIKeyOverride(t *testing.T) {
	path := writeFile(t, "simforge.yaml", `
provider:
  base_url: https://api.example.com
  model: m1
  api_key: from-file
`)
	t.Setenv(EnvAPIKey, "from-env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Provider.APIKey != "from-env" {
		t.Errorf("api_key = %q, want the environment value", cfg.Provider.APIKey)
	}
}

func TestLoad_RejectsIncomplete(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"blank model", "provider:\n  base_url: https://x\n  model: \"\"\n"},
		{"blank base_url", "provider:\n  model: m1\n  base_url: \"\"\n"},
		{"bad attempts", "provider:\n  base_url: https://x\n  model: m1\nengine:\n  max_attempts: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, "simforge.yaml", tt.yaml)
			if _, err := Load(path); err == nil {
				t.Error("Load accepted an invalid config")
			}
		})
	}
}

func TestSaveAndReload(t *testing.T) {
	cfg := Default()
	cfg.Provider.Model = "round-trip"
	path := filepath.Join(t.TempDir(), "nested", "simforge.yaml")

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Provider.Model != "round-trip" {
		t.Errorf("model = %q", loaded.Provider.Model)
	}
}
