package runtime

import (
	"fmt"
	"os/exec"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
)

// RuntimeType identifies which sandbox provider to use
type RuntimeType string

const (
	RuntimeDocker RuntimeType = "docker"
	RuntimePodman RuntimeType = "podman"
	RuntimeLocal  RuntimeType = "local"
	RuntimeMock   RuntimeType = "mock"
	RuntimeAuto   RuntimeType = "auto"
)

// Config holds runtime configuration
type Config struct {
	// Type specifies which runtime to use (or "auto" for auto-detection)
	Type RuntimeType

	// ContainerPrefix is prepended to sandbox ids for container runtimes
	ContainerPrefix string

	// LocalRoot is the sandbox root directory for the local runtime
	LocalRoot string

	// Home is the in-sandbox home directory remapped by the local runtime
	Home string
}

// Detect determines which container engine is available, preferring podman.
func Detect() (RuntimeType, error) {
	if _, err := exec.LookPath("podman"); err == nil {
		logging.Debug("detected podman")
		return RuntimePodman, nil
	}
	if _, err := exec.LookPath("docker"); err == nil {
		logging.Debug("detected docker")
		return RuntimeDocker, nil
	}
	return "", fmt.Errorf("no supported container runtime found (tried: podman, docker)")
}

// New creates a new Runtime based on the configuration.
// If Type is RuntimeAuto, it auto-detects a container engine.
func New(cfg *Config) (Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("runtime config is required")
	}

	runtimeType := cfg.Type
	if runtimeType == RuntimeAuto || runtimeType == "" {
		detected, err := Detect()
		if err != nil {
			return nil, err
		}
		runtimeType = detected
	}

	logging.Debug("creating runtime", "type", runtimeType)

	switch runtimeType {
	case RuntimeDocker, RuntimePodman:
		return NewDockerRuntime(string(runtimeType), cfg.ContainerPrefix)
	case RuntimeLocal:
		if cfg.LocalRoot == "" {
			return nil, fmt.Errorf("local runtime requires a root directory")
		}
		return NewLocalRuntime(cfg.LocalRoot, cfg.Home)
	case RuntimeMock:
		return NewMockRuntime(), nil
	default:
		return nil, fmt.Errorf("unknown runtime type: %s", runtimeType)
	}
}
