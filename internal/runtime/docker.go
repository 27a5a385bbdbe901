package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os/exec"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
)

// managedLabel marks containers created by this runtime.
const managedLabel = "io.firefly-forage.orchestrator"

// DockerRuntime implements the Runtime interface using Docker or Podman.
type DockerRuntime struct {
	// Command is the container command to use (docker or podman)
	Command string

	// ContainerPrefix is prepended to sandbox ids to form container names
	ContainerPrefix string

	// PublishHost is the host address sandbox ports are published on
	PublishHost string
}

// NewDockerRuntime creates a new Docker/Podman runtime.
// An empty command auto-detects which one is available.
func NewDockerRuntime(command, containerPrefix string) (*DockerRuntime, error) {
	candidates := []string{"podman", "docker"}
	if command != "" {
		candidates = []string{command}
	}

	for _, c := range candidates {
		if _, err := exec.LookPath(c); err == nil {
			return &DockerRuntime{
				Command:         c,
				ContainerPrefix: containerPrefix,
				PublishHost:     "127.0.0.1",
			}, nil
		}
	}

	return nil, fmt.Errorf("none of %s found in PATH", strings.Join(candidates, ", "))
}

// containerName returns the full container name for a sandbox
func (r *DockerRuntime) containerName(id string) string {
	return r.ContainerPrefix + id
}

// Name returns the runtime identifier
func (r *DockerRuntime) Name() string {
	return r.Command
}

// runCmd executes a docker/podman command
func (r *DockerRuntime) runCmd(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.Command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s failed: %s: %w", r.Command, args[0], strings.TrimSpace(stderr.String()), err)
	}

	return stdout.String(), nil
}

// createArgs builds the run invocation for a new sandbox container.
func (r *DockerRuntime) createArgs(id string, opts CreateOptions) []string {
	args := []string{"run", "-d", "--name", r.containerName(id), "--label", managedLabel + "=true"}

	labelKeys := make([]string, 0, len(opts.Labels))
	for k := range opts.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}

	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}

	// Publish on an ephemeral host port; ExposePort resolves it later.
	for _, p := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%s::%d", r.PublishHost, p))
	}

	args = append(args, opts.Image, "sleep", "infinity")
	return args
}

// Create creates and starts a sandbox container
func (r *DockerRuntime) Create(ctx context.Context, opts CreateOptions) (*SandboxInfo, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	if opts.Image == "" {
		return nil, fmt.Errorf("image is required")
	}

	logging.Debug("creating sandbox container", "id", id, "image", opts.Image, "runtime", r.Command)

	if _, err := r.runCmd(ctx, r.createArgs(id, opts)...); err != nil {
		return nil, err
	}

	return &SandboxInfo{ID: id, Status: StatusRunning, Image: opts.Image}, nil
}

// execArgs builds an exec invocation shared by Exec and ExecBackground.
func (r *DockerRuntime) execArgs(id string, command []string, opts ExecOptions, detach bool) []string {
	args := []string{"exec"}

	if detach {
		args = append(args, "-d")
	}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	if opts.User != "" {
		args = append(args, "-u", opts.User)
	}
	if opts.WorkingDir != "" {
		args = append(args, "-w", opts.WorkingDir)
	}
	for _, env := range opts.Env {
		args = append(args, "-e", env)
	}

	args = append(args, r.containerName(id))
	return append(args, command...)
}

// Exec executes a command inside a sandbox
func (r *DockerRuntime) Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error) {
	cmd := exec.CommandContext(ctx, r.Command, r.execArgs(id, command, opts, false)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	}

	err := cmd.Run()

	result := &ExecResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
		} else {
			return result, fmt.Errorf("exec failed: %w", err)
		}
	}

	return result, nil
}

// ExecBackground starts a detached command inside a sandbox
func (r *DockerRuntime) ExecBackground(ctx context.Context, id string, command []string, opts ExecOptions) error {
	if opts.Stdin != nil {
		return fmt.Errorf("background commands cannot take stdin")
	}
	logging.Debug("starting background command", "id", id, "command", Quote(command...))

	_, err := r.runCmd(ctx, r.execArgs(id, command, opts, true)...)
	return err
}

// ExposePort returns the host URL a published sandbox port maps to
func (r *DockerRuntime) ExposePort(ctx context.Context, id string, port int) (string, error) {
	output, err := r.runCmd(ctx, "port", r.containerName(id), fmt.Sprintf("%d/tcp", port))
	if err != nil {
		return "", err
	}
	return parsePortOutput(output, port)
}

// parsePortOutput takes the first mapping printed by "docker port".
func parsePortOutput(output string, port int) (string, error) {
	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		// Lines look like "127.0.0.1:49153" or "[::]:49153".
		return "http://" + strings.Replace(line, "0.0.0.0", "127.0.0.1", 1), nil
	}
	return "", fmt.Errorf("port %d is not published", port)
}

// WriteFile writes a file inside a sandbox
func (r *DockerRuntime) WriteFile(ctx context.Context, id, path string, data []byte) error {
	return r.pipeFile(ctx, id, path, data, false)
}

// AppendFile appends to a file inside a sandbox
func (r *DockerRuntime) AppendFile(ctx context.Context, id, path string, data []byte) error {
	return r.pipeFile(ctx, id, path, data, true)
}

func (r *DockerRuntime) pipeFile(ctx context.Context, id, path string, data []byte, appendMode bool) error {
	res, err := r.Exec(ctx, id, Shell(writeScript(path, appendMode)), ExecOptions{Stdin: bytes.NewReader(data)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("writing %s exited %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// ReadFile reads a file inside a sandbox
func (r *DockerRuntime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	res, err := r.Exec(ctx, id, Shell(readScript(path)), ExecOptions{})
	if err != nil {
		return nil, err
	}
	switch res.ExitCode {
	case 0:
		return []byte(res.Stdout), nil
	case exitFileMissing:
		return nil, &fs.PathError{Op: "read", Path: path, Err: fs.ErrNotExist}
	default:
		return nil, fmt.Errorf("reading %s exited %d: %s", path, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
}

// IsRunning checks if a sandbox container is currently running
func (r *DockerRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	output, err := r.runCmd(ctx, "inspect", "-f", "{{.State.Running}}", r.containerName(id))
	if err != nil {
		return false, nil // Container doesn't exist
	}

	return strings.TrimSpace(output) == "true", nil
}

// Destroy stops and removes a sandbox container
func (r *DockerRuntime) Destroy(ctx context.Context, id string) error {
	containerName := r.containerName(id)
	logging.Debug("destroying sandbox container", "container", containerName)

	_, err := r.runCmd(ctx, "rm", "-f", containerName)
	if err != nil && strings.Contains(strings.ToLower(err.Error()), "no such container") {
		return nil
	}
	return err
}

// dockerInspect holds the relevant fields from docker inspect
type dockerInspect struct {
	Name   string `json:"Name"`
	Config struct {
		Image string `json:"Image"`
	} `json:"Config"`
	State struct {
		Status    string `json:"Status"`
		StartedAt string `json:"StartedAt"`
	} `json:"State"`
}

// List returns all sandbox containers created by this runtime
func (r *DockerRuntime) List(ctx context.Context) ([]*SandboxInfo, error) {
	output, err := r.runCmd(ctx, "ps", "-aq", "--filter", "label="+managedLabel+"=true")
	if err != nil {
		return nil, err
	}

	ids := strings.Fields(output)
	if len(ids) == 0 {
		return nil, nil
	}

	raw, err := r.runCmd(ctx, append([]string{"inspect"}, ids...)...)
	if err != nil {
		return nil, err
	}
	return r.parseInspect(raw)
}

func (r *DockerRuntime) parseInspect(raw string) ([]*SandboxInfo, error) {
	var inspects []dockerInspect
	if err := json.Unmarshal([]byte(raw), &inspects); err != nil {
		return nil, fmt.Errorf("failed to parse inspect output: %w", err)
	}

	sandboxes := make([]*SandboxInfo, 0, len(inspects))
	for _, in := range inspects {
		name := strings.TrimPrefix(in.Name, "/")
		if !strings.HasPrefix(name, r.ContainerPrefix) {
			continue
		}

		info := &SandboxInfo{
			ID:        strings.TrimPrefix(name, r.ContainerPrefix),
			Image:     in.Config.Image,
			StartedAt: in.State.StartedAt,
		}
		switch in.State.Status {
		case "running":
			info.Status = StatusRunning
		case "exited", "stopped", "created":
			info.Status = StatusStopped
		default:
			info.Status = StatusUnknown
		}
		sandboxes = append(sandboxes, info)
	}
	return sandboxes, nil
}

var _ Runtime = (*DockerRuntime)(nil)
