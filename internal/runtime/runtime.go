// Package runtime defines the sandbox provider interface for forage-orchestrator.
// This abstraction allows for multiple backend implementations (docker, podman,
// local directories) and enables comprehensive testing through mocking.
package runtime

import (
	"context"
	"io"
	"time"
)

// SandboxStatus represents the state of a sandbox
type SandboxStatus string

const (
	StatusRunning  SandboxStatus = "running"
	StatusStopped  SandboxStatus = "stopped"
	StatusNotFound SandboxStatus = "not-found"
	StatusUnknown  SandboxStatus = "unknown"
)

// SandboxInfo holds information about a sandbox
type SandboxInfo struct {
	ID        string
	Status    SandboxStatus
	Image     string
	StartedAt string
}

// ExecResult holds the result of executing a command in a sandbox
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CreateOptions holds options for creating a sandbox
type CreateOptions struct {
	ID      string            // Sandbox identifier; generated when empty
	Image   string            // Image or template selector
	Env     []string          // KEY=VALUE pairs visible to every command
	Ports   []int             // Sandbox ports that may later be exposed
	Labels  map[string]string // Provider metadata
	Timeout time.Duration     // Provider-side lifetime, 0 for none
}

// ExecOptions holds options for executing a command in a sandbox
type ExecOptions struct {
	User       string    // User to run as
	WorkingDir string    // Working directory
	Env        []string  // Additional environment variables
	Stdin      io.Reader // Standard input
}

// Runtime is the interface that sandbox providers must implement.
// All methods should be safe for concurrent use. File paths are absolute
// paths inside the sandbox. ReadFile on a missing file returns an error
// matching fs.ErrNotExist.
type Runtime interface {
	// Name returns the runtime identifier (e.g., "docker", "local")
	Name() string

	// Create provisions and starts a new sandbox
	Create(ctx context.Context, opts CreateOptions) (*SandboxInfo, error)

	// Exec runs a command to completion inside a sandbox
	Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error)

	// ExecBackground starts a command that keeps running after the call returns
	ExecBackground(ctx context.Context, id string, command []string, opts ExecOptions) error

	// ExposePort returns a URL on which a sandbox port is reachable
	ExposePort(ctx context.Context, id string, port int) (string, error)

	// WriteFile creates or truncates a file, creating parent directories
	WriteFile(ctx context.Context, id, path string, data []byte) error

	// AppendFile appends data to a file, creating it and its parents if needed
	AppendFile(ctx context.Context, id, path string, data []byte) error

	// ReadFile returns the full contents of a file
	ReadFile(ctx context.Context, id, path string) ([]byte, error)

	// IsRunning checks if a sandbox is currently running
	IsRunning(ctx context.Context, id string) (bool, error)

	// Destroy stops and removes a sandbox; destroying a missing sandbox is not an error
	Destroy(ctx context.Context, id string) error

	// List returns all sandboxes managed by this runtime
	List(ctx context.Context) ([]*SandboxInfo, error)
}
