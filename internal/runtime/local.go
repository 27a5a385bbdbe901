package runtime

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
)

// LocalRuntime runs sandboxes as plain host directories. It is meant for
// development and tests on a single machine and provides no isolation.
//
// Each sandbox gets Root/<id> as its filesystem root. Absolute paths under
// Home that appear in file operations, working directories and argv words
// are resolved inside that root with SecureJoin, so a sandbox cannot name a
// host path outside its own directory.
type LocalRuntime struct {
	// Root holds one directory per sandbox
	Root string

	// Home is the in-sandbox path prefix that gets remapped
	Home string

	mu    sync.Mutex
	envs  map[string][]string
	procs map[string][]*exec.Cmd
}

// NewLocalRuntime creates a local runtime rooted at root.
func NewLocalRuntime(root, home string) (*LocalRuntime, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &LocalRuntime{
		Root:  abs,
		Home:  home,
		envs:  make(map[string][]string),
		procs: make(map[string][]*exec.Cmd),
	}, nil
}

// Name returns the runtime identifier
func (r *LocalRuntime) Name() string {
	return "local"
}

func (r *LocalRuntime) sandboxDir(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", fmt.Errorf("invalid sandbox id %q", id)
	}
	return filepath.Join(r.Root, id), nil
}

// hostPath resolves an in-sandbox path to its location on the host.
func (r *LocalRuntime) hostPath(id, p string) (string, error) {
	dir, err := r.sandboxDir(id)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("sandbox %s not found: %w", id, err)
	}
	return securejoin.SecureJoin(dir, p)
}

// mapArg rewrites a word that names a path under Home.
func (r *LocalRuntime) mapArg(id, arg string) string {
	if r.Home == "" || (arg != r.Home && !strings.HasPrefix(arg, r.Home+"/")) {
		return arg
	}
	mapped, err := r.hostPath(id, arg)
	if err != nil {
		return arg
	}
	return mapped
}

// Create creates a sandbox directory
func (r *LocalRuntime) Create(ctx context.Context, opts CreateOptions) (*SandboxInfo, error) {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	dir, err := r.sandboxDir(id)
	if err != nil {
		return nil, err
	}

	logging.Debug("creating local sandbox", "id", id, "dir", dir)

	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox directory: %w", err)
	}
	if r.Home != "" {
		home, err := securejoin.SecureJoin(dir, r.Home)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(home, 0755); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	r.envs[id] = append([]string(nil), opts.Env...)
	r.mu.Unlock()

	return &SandboxInfo{
		ID:        id,
		Status:    StatusRunning,
		Image:     opts.Image,
		StartedAt: time.Now().Format(time.RFC3339),
	}, nil
}

func (r *LocalRuntime) command(id string, command []string, opts ExecOptions) (*exec.Cmd, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("empty command")
	}

	args := make([]string, len(command))
	for i, a := range command {
		args[i] = r.mapArg(id, a)
	}

	cmd := exec.Command(args[0], args[1:]...)

	if opts.WorkingDir != "" {
		wd, err := r.hostPath(id, opts.WorkingDir)
		if err != nil {
			return nil, err
		}
		cmd.Dir = wd
	} else {
		dir, err := r.sandboxDir(id)
		if err != nil {
			return nil, err
		}
		cmd.Dir = dir
	}

	r.mu.Lock()
	env := append(os.Environ(), r.envs[id]...)
	r.mu.Unlock()
	if r.Home != "" {
		if home, err := r.hostPath(id, r.Home); err == nil {
			env = append(env, "HOME="+home)
		}
	}
	cmd.Env = append(env, opts.Env...)
	cmd.Stdin = opts.Stdin
	return cmd, nil
}

// Exec executes a command in the sandbox directory
func (r *LocalRuntime) Exec(ctx context.Context, id string, command []string, opts ExecOptions) (*ExecResult, error) {
	cmd, err := r.command(id, command, opts)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec failed: %w", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		return nil, fmt.Errorf("exec failed: %w", ctx.Err())
	case err = <-done:
	}

	result := &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return result, fmt.Errorf("exec failed: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// ExecBackground starts a command that outlives the call
func (r *LocalRuntime) ExecBackground(ctx context.Context, id string, command []string, opts ExecOptions) error {
	if opts.Stdin != nil {
		return fmt.Errorf("background commands cannot take stdin")
	}
	cmd, err := r.command(id, command, opts)
	if err != nil {
		return err
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start background command: %w", err)
	}

	r.mu.Lock()
	r.procs[id] = append(r.procs[id], cmd)
	r.mu.Unlock()

	go func() {
		if err := cmd.Wait(); err != nil {
			logging.Debug("background command exited", "id", id, "error", err)
		}
	}()
	return nil
}

// ExposePort returns a loopback URL; local sandboxes share the host network
func (r *LocalRuntime) ExposePort(ctx context.Context, id string, port int) (string, error) {
	if _, err := r.hostPath(id, "/"); err != nil {
		return "", err
	}
	return fmt.Sprintf("http://127.0.0.1:%d", port), nil
}

// WriteFile writes a file inside the sandbox directory
func (r *LocalRuntime) WriteFile(ctx context.Context, id, path string, data []byte) error {
	hp, err := r.hostPath(id, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hp), 0755); err != nil {
		return err
	}
	return os.WriteFile(hp, data, 0644)
}

// AppendFile appends to a file inside the sandbox directory
func (r *LocalRuntime) AppendFile(ctx context.Context, id, path string, data []byte) error {
	hp, err := r.hostPath(id, path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hp), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(hp, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadFile reads a file inside the sandbox directory
func (r *LocalRuntime) ReadFile(ctx context.Context, id, path string) ([]byte, error) {
	hp, err := r.hostPath(id, path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(hp)
}

// IsRunning reports whether the sandbox directory exists
func (r *LocalRuntime) IsRunning(ctx context.Context, id string) (bool, error) {
	dir, err := r.sandboxDir(id)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	return err == nil && info.IsDir(), nil
}

// Destroy kills background commands and removes the sandbox directory
func (r *LocalRuntime) Destroy(ctx context.Context, id string) error {
	dir, err := r.sandboxDir(id)
	if err != nil {
		return err
	}

	r.mu.Lock()
	procs := r.procs[id]
	delete(r.procs, id)
	delete(r.envs, id)
	r.mu.Unlock()

	for _, p := range procs {
		if p.Process != nil {
			_ = syscall.Kill(-p.Process.Pid, syscall.SIGKILL)
		}
	}

	logging.Debug("destroying local sandbox", "id", id)
	return os.RemoveAll(dir)
}

// List returns one entry per sandbox directory
func (r *LocalRuntime) List(ctx context.Context) ([]*SandboxInfo, error) {
	entries, err := os.ReadDir(r.Root)
	if err != nil {
		return nil, err
	}

	var sandboxes []*SandboxInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info := &SandboxInfo{ID: e.Name(), Status: StatusRunning}
		if fi, err := e.Info(); err == nil {
			info.StartedAt = fi.ModTime().Format(time.RFC3339)
		}
		sandboxes = append(sandboxes, info)
	}
	sort.Slice(sandboxes, func(i, j int) bool { return sandboxes[i].ID < sandboxes[j].ID })
	return sandboxes, nil
}

var _ Runtime = (*LocalRuntime)(nil)
