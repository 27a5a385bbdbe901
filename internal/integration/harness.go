package integration

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
)

// EnvEnabled turns integration tests on when set to "1".
const EnvEnabled = "FORAGE_INTEGRATION_TESTS"

// EnvRuntime selects the runtime under test.
const EnvRuntime = "FORAGE_RUNTIME"

// TestHarness provides utilities for integration testing with a real runtime.
type TestHarness struct {
	t       *testing.T
	tempDir string
	cfg     *config.Config
	rt      runtime.Runtime

	mu        sync.Mutex
	sandboxes []string // Track created sandboxes for cleanup
}

// Enabled reports whether integration tests were requested.
func Enabled() bool {
	return os.Getenv(EnvEnabled) == "1"
}

// NewHarness creates a new test harness.
// It will skip the test if FORAGE_INTEGRATION_TESTS is not set.
func NewHarness(t *testing.T) *TestHarness {
	t.Helper()

	if !Enabled() {
		t.Skip("integration tests disabled (set " + EnvEnabled + "=1 to enable)")
	}

	tempDir := t.TempDir()
	cfg := TestConfig(tempDir, os.Getenv(EnvRuntime))

	rt, err := runtime.New(&runtime.Config{
		Type:            runtime.RuntimeType(cfg.Runtime.Type),
		ContainerPrefix: cfg.Runtime.ContainerPrefix,
		LocalRoot:       cfg.Runtime.LocalRoot,
		Home:            cfg.Sandbox.HomeDir,
	})
	if err != nil {
		t.Skipf("runtime %s unavailable: %v", cfg.Runtime.Type, err)
	}

	h := &TestHarness{
		t:       t,
		tempDir: tempDir,
		cfg:     cfg,
		rt:      rt,
	}
	t.Cleanup(h.Cleanup)
	return h
}

// TestConfig returns a configuration for runtimeType rooted at dir. An
// empty runtimeType selects the local runtime.
func TestConfig(dir, runtimeType string) *config.Config {
	if runtimeType == "" {
		runtimeType = config.RuntimeLocal
	}
	cfg := config.DefaultConfig()
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.Runtime.Type = runtimeType
	cfg.Runtime.LocalRoot = filepath.Join(dir, "sandboxes")
	cfg.Runtime.ContainerPrefix = "forage-it-"
	cfg.Runtime.ProvisionTimeout = config.Duration{Duration: 2 * time.Minute}
	cfg.Runtime.CommandTimeout = config.Duration{Duration: time.Minute}
	cfg.Sandbox.TemplateRepo = ""
	cfg.Sandbox.InstallCommand = ""
	cfg.Sandbox.Ports = nil
	cfg.Worker.PollInterval = config.Duration{Duration: 20 * time.Millisecond}
	return cfg
}

// Config returns the harness configuration.
func (h *TestHarness) Config() *config.Config {
	return h.cfg
}

// Runtime returns the runtime under test.
func (h *TestHarness) Runtime() runtime.Runtime {
	return h.rt
}

// IsLocal reports whether the harness runs the local runtime, whose
// sandboxes are reachable as host directories.
func (h *TestHarness) IsLocal() bool {
	return h.rt.Name() == config.RuntimeLocal
}

// CreateSandbox creates a tracked sandbox and returns its id.
func (h *TestHarness) CreateSandbox() string {
	h.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Runtime.ProvisionTimeout.Duration)
	defer cancel()

	info, err := h.rt.Create(ctx, runtime.CreateOptions{
		Image:  h.cfg.Runtime.Image,
		Labels: map[string]string{"io.firefly-forage.test": h.t.Name()},
	})
	if err != nil {
		h.t.Fatalf("failed to create sandbox: %v", err)
	}
	h.TrackSandbox(info.ID)
	return info.ID
}

// TrackSandbox tracks a sandbox for cleanup.
func (h *TestHarness) TrackSandbox(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sandboxes = append(h.sandboxes, id)
}

// HostPath maps an in-sandbox path to the host for the local runtime.
func (h *TestHarness) HostPath(id, p string) (string, error) {
	if !h.IsLocal() {
		return "", fmt.Errorf("host paths are only available for the local runtime")
	}
	return securejoin.SecureJoin(filepath.Join(h.cfg.Runtime.LocalRoot, id), p)
}

// WaitFor polls cond until it returns true or timeout elapses.
func (h *TestHarness) WaitFor(timeout time.Duration, what string, cond func() bool) {
	h.t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	h.t.Fatalf("timed out after %s waiting for %s", timeout, what)
}

// Cleanup removes all created sandboxes.
func (h *TestHarness) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	h.mu.Lock()
	ids := h.sandboxes
	h.sandboxes = nil
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.rt.Destroy(ctx, id); err != nil {
			h.t.Logf("Warning: failed to destroy sandbox %s: %v", id, err)
		}
	}
}

// RequireRunning fails the test if the sandbox is not running.
func (h *TestHarness) RequireRunning(id string) {
	h.t.Helper()

	running, err := h.rt.IsRunning(context.Background(), id)
	if err != nil {
		h.t.Fatalf("failed to check if %s is running: %v", id, err)
	}
	if !running {
		h.t.Fatalf("sandbox %s is not running", id)
	}
}
