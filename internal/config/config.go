// Package config loads engine configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/simforge/simforge/internal/genclient"
	"github.com/simforge/simforge/internal/sandbox"
)

// EnvAPIKey overrides the provider API key when set. Keys belong in the
// environment, not in config files checked into version control.
const EnvAPIKey = "SIMFORGE_API_KEY"

// SandboxConfig is the YAML shape of the renderer sandbox settings.
// Timeout is expressed in seconds so config files stay unit-free.
type SandboxConfig struct {
	Image          string  `yaml:"image,omitempty"`
	MemoryMB       int     `yaml:"memory_mb,omitempty"`
	CPUs           float64 `yaml:"cpus,omitempty"`
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"`
	NetworkMode    string  `yaml:"network_mode,omitempty"`
	OutputDir      string  `yaml:"output_dir,omitempty"`
	SceneName      string  `yaml:"scene_name,omitempty"`
}

// EngineConfig bounds the attempt loop and scheduling concurrency.
type EngineConfig struct {
	// MaxAttempts per task (default: 3).
	MaxAttempts int `yaml:"max_attempts,omitempty"`
	// MaxParallel concurrently running tasks (default: 4, 0 = unlimited).
	MaxParallel int `yaml:"max_parallel,omitempty"`
	// MaxFeedbackBytes caps the failure diagnostic tail carried into the
	// next prompt (0 = library default).
	MaxFeedbackBytes int `yaml:"max_feedback_bytes,omitempty"`
}

// Config is the root configuration document.
type Config struct {
	Provider genclient.ProviderConfig `yaml:"provider"`
	Sandbox  SandboxConfig            `yaml:"sandbox,omitempty"`
	Engine   EngineConfig             `yaml:"engine,omitempty"`

	// DataDir holds the SQLite database and render output (default: "data").
	DataDir string `yaml:"data_dir,omitempty"`
}

// Default returns a runnable configuration targeting the OpenAI API.
// Config files only need to override what differs.
func Default() Config {
	sb := sandbox.DefaultConfig()
	return Config{
		Provider: genclient.ProviderConfig{
			Name:    "openai",
			BaseURL: "https://api.openai.com",
			Model:   "gpt-4o",
		},
		Sandbox: SandboxConfig{
			Image:          sb.Image,
			MemoryMB:       sb.MemoryMB,
			CPUs:           sb.CPUs,
			TimeoutSeconds: int(sb.Timeout / time.Second),
			NetworkMode:    sb.NetworkMode,
			OutputDir:      sb.OutputDir,
			SceneName:      sb.SceneName,
		},
		Engine: EngineConfig{
			MaxAttempts: 3,
			MaxParallel: 4,
		},
		DataDir: "data",
	}
}

// Load reads a YAML config file, fills unset fields with defaults and
// applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the configuration as YAML, creating parent directories.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Provider.BaseURL == "" {
		return fmt.Errorf("config: provider base_url is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("config: provider model is required")
	}
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("config: engine max_attempts must be positive, got %d", c.Engine.MaxAttempts)
	}
	if c.Engine.MaxParallel < 0 {
		return fmt.Errorf("config: engine max_parallel must be >= 0, got %d", c.Engine.MaxParallel)
	}
	return nil
}

// SandboxSettings converts the YAML shape into the sandbox's native config.
func (c *Config) SandboxSettings() sandbox.Config {
	sb := sandbox.Config{
		Image:       c.Sandbox.Image,
		MemoryMB:    c.Sandbox.MemoryMB,
		CPUs:        c.Sandbox.CPUs,
		NetworkMode: c.Sandbox.NetworkMode,
		OutputDir:   c.Sandbox.OutputDir,
		SceneName:   c.Sandbox.SceneName,
	}
	if c.Sandbox.TimeoutSeconds > 0 {
		sb.Timeout = time.Duration(c.Sandbox.TimeoutSeconds) * time.Second
	}
	if sb.OutputDir == "" && c.DataDir != "" {
		sb.OutputDir = filepath.Join(c.DataDir, "output")
	}
	return sb
}

// DatabasePath returns the SQLite database location under DataDir.
func (c *Config) DatabasePath() string {
	dir := c.DataDir
	if dir == "" {
		dir = "data"
	}
	return filepath.Join(dir, "simforge.db")
}

func (c *Config) applyEnv() {
	if key := os.Getenv(EnvAPIKey); key != "" {
		c.Provider.APIKey = key
	}
}
