package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config controls the renderer container.
type Config struct {
	Image       string        // Renderer image (default: "simforge-renderer")
	MemoryMB    int           // Memory limit in MB (default: 1024)
	CPUs        float64       // CPU limit (default: 1.0)
	Timeout     time.Duration // Render timeout (default: 180s)
	NetworkMode string        // "none" (default), "bridge", "host"
	OutputDir   string        // Host directory mounted at /app (default: "output")
	SceneName   string        // Scene class rendered (default: "PhysicsScene")
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		Image:       "simforge-renderer",
		MemoryMB:    1024,
		CPUs:        1.0,
		Timeout:     180 * time.Second,
		NetworkMode: "none",
		OutputDir:   "output",
		SceneName:   "PhysicsScene",
	}
}

// DockerSandbox renders generated scenes in a Docker container.
type DockerSandbox struct {
	mu     sync.RWMutex
	config Config

	// Stats.
	totalRuns   int
	totalErrors int
}

// NewDockerSandbox creates a sandbox manager.
func NewDockerSandbox(config Config) *DockerSandbox {
	if config.Image == "" {
		config.Image = "simforge-renderer"
	}
	if config.MemoryMB <= 0 {
		config.MemoryMB = 1024
	}
	if config.CPUs <= 0 {
		config.CPUs = 1.0
	}
	if config.Timeout <= 0 {
		config.Timeout = 180 * time.Second
	}
	if config.NetworkMode == "" {
		config.NetworkMode = "none"
	}
	if config.OutputDir == "" {
		config.OutputDir = "output"
	}
	if config.SceneName == "" {
		config.SceneName = "PhysicsScene"
	}
	return &DockerSandbox{config: config}
}

// Config returns the current sandbox configuration.
func (d *DockerSandbox) Config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.config
}

// IsAvailable checks if Docker is installed and accessible.
func (d *DockerSandbox) IsAvailable() bool {
	cmd := exec.Command("docker", "info")
	return cmd.Run() == nil
}

// Execute writes the scene to the output directory, renders it in the
// container, and returns the artifact reference plus captured logs.
func (d *DockerSandbox) Execute(ctx context.Context, code string) (*ExecutionResult, error) {
	d.mu.RLock()
	cfg := d.config
	d.mu.RUnlock()

	// Reject off-screen placement before spending a render on it.
	if placeErr := CheckPlacement(code); placeErr != nil {
		return nil, placeErr
	}

	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("sandbox: resolve output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("sandbox: create output dir: %w", err)
	}

	runID := uuid.NewString()[:8]
	sceneFile := fmt.Sprintf("scene_%s.py", runID)
	if err := os.WriteFile(filepath.Join(outputDir, sceneFile), []byte(code), 0o644); err != nil {
		return nil, fmt.Errorf("sandbox: write scene: %w", err)
	}

	args := []string{
		"run", "--rm",
		"--memory", fmt.Sprintf("%dm", cfg.MemoryMB),
		"--cpus", fmt.Sprintf("%.1f", cfg.CPUs),
		"--network", cfg.NetworkMode,
		"--stop-timeout", "10",
		"-v", outputDir + ":/app",
		cfg.Image,
		"manim", "-qm",
		"/app/" + sceneFile,
		cfg.SceneName,
	}

	execCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, "docker", args...)
	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start).Milliseconds()
	logs := stdout.String() + "\n" + stderr.String()

	d.mu.Lock()
	d.totalRuns++
	if runErr != nil {
		d.totalErrors++
	}
	d.mu.Unlock()

	// Caller cancellation is not a render failure.
	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return nil, ctx.Err()
	}

	if execCtx.Err() == context.DeadlineExceeded {
		return nil, &ExecutionError{
			Kind:    Timeout,
			Message: fmt.Sprintf("render exceeded %s", cfg.Timeout),
			Logs:    tail(logs, maxDiagnosticBytes),
		}
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, Diagnose(logs)
		}
		return nil, fmt.Errorf("sandbox: docker run: %w", runErr)
	}

	artifact, err := d.findArtifact(outputDir, runID, cfg.SceneName)
	if err != nil {
		return nil, &ExecutionError{
			Kind:    RuntimeError,
			Message: "render exited cleanly but produced no artifact",
			Logs:    tail(logs, maxDiagnosticBytes),
		}
	}

	return &ExecutionResult{
		ArtifactRef: artifact,
		Logs:        logs,
		ElapsedMs:   elapsed,
	}, nil
}

// findArtifact locates the rendered video under the output directory.
// The renderer writes media/videos/scene_<runID>/<quality>/<SceneName>.mp4.
func (d *DockerSandbox) findArtifact(outputDir, runID, sceneName string) (string, error) {
	var newest string
	var newestMod time.Time

	root := filepath.Join(outputDir, "media")
	err := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries.
		}
		if entry.IsDir() || filepath.Ext(path) != ".mp4" {
			return nil
		}
		if !strings.Contains(path, runID) && !strings.Contains(filepath.Base(path), sceneName) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().After(newestMod) {
			newest = path
			newestMod = info.ModTime()
		}
		return nil
	})
	if err != nil || newest == "" {
		return "", fmt.Errorf("no rendered video found under %s", root)
	}
	return newest, nil
}

// Stats returns execution statistics.
func (d *DockerSandbox) Stats() (runs, errors int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.totalRuns, d.totalErrors
}
