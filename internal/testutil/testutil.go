// Package testutil provides test utilities for integration tests
package testutil

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/system"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/worker"
)

// Sandbox home used by test configs. It does not exist on the host, so
// SecureJoin resolution inside the worker stays lexical.
const (
	SandboxHome    = "/sandbox-home/user"
	SandboxProject = SandboxHome + "/template"
)

// TestEnv holds the test environment
type TestEnv struct {
	T       *testing.T
	TmpDir  string
	Config  *config.Config
	Runtime *runtime.MockRuntime
	Agent   *FakeAgent

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	workers map[string]*worker.Worker
}

// NewTestEnv creates a test environment around a mock runtime. Workers
// started in a mock sandbox run in-process against the sandbox's in-memory
// files, with FakeAgent standing in for the agent CLI.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()

	tmpDir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.StateDir = filepath.Join(tmpDir, "state")
	cfg.Runtime.Type = config.RuntimeMock
	cfg.Runtime.ProvisionTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Runtime.CommandTimeout = config.Duration{Duration: 5 * time.Second}
	cfg.Server.HeartbeatInterval = config.Duration{Duration: time.Second}
	cfg.Server.RequestTimeout = config.Duration{Duration: 10 * time.Second}
	cfg.Server.ShutdownGrace = config.Duration{Duration: time.Second}
	cfg.Sandbox.HomeDir = SandboxHome
	cfg.Sandbox.ProjectDir = SandboxProject
	cfg.Sandbox.TemplateRepo = ""
	cfg.Sandbox.InstallCommand = ""
	cfg.Sandbox.Ports = []int{5173}
	cfg.Worker.PollInterval = config.Duration{Duration: 10 * time.Millisecond}

	ctx, cancel := context.WithCancel(context.Background())
	env := &TestEnv{
		T:       t,
		TmpDir:  tmpDir,
		Config:  cfg,
		Runtime: runtime.NewMockRuntime(),
		Agent:   NewFakeAgent(),
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker.Worker),
	}
	env.Runtime.OnBackground = env.startWorker

	t.Cleanup(env.Cleanup)
	return env
}

// Cleanup stops every worker started in the environment.
func (e *TestEnv) Cleanup() {
	e.cancel()
	e.wg.Wait()
}

// Worker returns the worker running in a sandbox.
func (e *TestEnv) Worker(sandboxID string) (*worker.Worker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[sandboxID]
	return w, ok
}

// startWorker plays the worker process launched by ExecBackground.
func (e *TestEnv) startWorker(sandboxID string, argv []string, _ runtime.ExecOptions) {
	flags := parseFlags(argv)

	agent, err := runtime.SplitCommand(flags["--agent"])
	if err != nil {
		e.T.Errorf("invalid --agent in worker command %q: %v", argv, err)
		return
	}
	interval, _ := time.ParseDuration(flags["--poll-interval"])

	w, err := worker.New(worker.Options{
		Home:         flags["--home"],
		ProjectDir:   flags["--project"],
		Agent:        agent,
		PollInterval: interval,
		PromptFile:   flags["--prompt-file"],
		CommandID:    flags["--command-id"],
		FS:           &SandboxFS{Runtime: e.Runtime, SandboxID: sandboxID},
		Executor:     e.Agent,
		Logger:       logging.Logger,
	})
	if err != nil {
		e.T.Errorf("worker.New: %v", err)
		return
	}

	e.mu.Lock()
	e.workers[sandboxID] = w
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = w.Run(e.ctx)
	}()
}

// parseFlags reads "--name value" pairs from a command line.
func parseFlags(argv []string) map[string]string {
	flags := make(map[string]string)
	for i := 0; i+1 < len(argv); i++ {
		if strings.HasPrefix(argv[i], "--") {
			flags[argv[i]] = argv[i+1]
			i++
		}
	}
	return flags
}

// SandboxFS exposes one mock sandbox's files as a system.FileSystem.
type SandboxFS struct {
	Runtime   runtime.Runtime
	SandboxID string
}

func (s *SandboxFS) ReadFile(path string) ([]byte, error) {
	return s.Runtime.ReadFile(context.Background(), s.SandboxID, path)
}

func (s *SandboxFS) WriteFile(path string, data []byte, _ fs.FileMode) error {
	return s.Runtime.WriteFile(context.Background(), s.SandboxID, path, data)
}

func (s *SandboxFS) AppendFile(path string, data []byte, _ fs.FileMode) error {
	return s.Runtime.AppendFile(context.Background(), s.SandboxID, path, data)
}

// MkdirAll is a no-op; sandbox files have implicit parents.
func (s *SandboxFS) MkdirAll(string, fs.FileMode) error {
	return nil
}

func (s *SandboxFS) Exists(path string) bool {
	_, err := s.ReadFile(path)
	return err == nil
}

var _ system.FileSystem = (*SandboxFS)(nil)

var (
	rememberRe = regexp.MustCompile(`remember (\d+)`)
	requestSep = "User Request:\n"
)

// FakeAgent is a CommandExecutor that behaves like the agent CLI in
// stream-json mode. It keeps a per-conversation memory: "remember N" stores
// N and a question containing "number" answers with it on a resumed
// conversation.
type FakeAgent struct {
	mu       sync.Mutex
	memory   map[string]string
	next     int
	prompts  []string
	commands []system.Command

	// ExitCode and Stderr, when set, make every run fail
	ExitCode int
	Stderr   []string

	// Hold, when set, blocks each run until it is closed or the run is cancelled
	Hold chan struct{}

	// Started receives the prompt of every run that has begun; may be nil
	Started chan string
}

// NewFakeAgent creates a fake agent.
func NewFakeAgent() *FakeAgent {
	return &FakeAgent{memory: make(map[string]string)}
}

// Prompts returns the user requests received so far.
func (a *FakeAgent) Prompts() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.prompts...)
}

// Commands returns every agent invocation.
func (a *FakeAgent) Commands() []system.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]system.Command(nil), a.commands...)
}

// Stream implements system.CommandExecutor.
func (a *FakeAgent) Stream(ctx context.Context, cmd system.Command, onStdout, onStderr system.LineFunc) (int, error) {
	prompt := cmd.Stdin
	if i := strings.LastIndex(prompt, requestSep); i >= 0 {
		prompt = prompt[i+len(requestSep):]
	}

	a.mu.Lock()
	a.commands = append(a.commands, cmd)
	a.prompts = append(a.prompts, prompt)
	conversation := resumeID(cmd.Args)
	if conversation == "" {
		a.next++
		conversation = fmt.Sprintf("agent-session-%d", a.next)
	}
	hold, started := a.Hold, a.Started
	exitCode, stderr := a.ExitCode, a.Stderr
	a.mu.Unlock()

	if started != nil {
		select {
		case started <- prompt:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return -1, err
	}

	reply := a.reply(conversation, prompt)

	onStdout(fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`, conversation))
	onStdout(`{"type":"stream_event","event":{"type":"message_start"}}`)
	onStdout(`{"type":"stream_event","event":{"type":"content_block_start","index":0}}`)
	half := len(reply) / 2
	for _, chunk := range []string{reply[:half], reply[half:]} {
		onStdout(fmt.Sprintf(`{"type":"stream_event","event":{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":%q}}}`, chunk))
	}
	onStdout(`{"type":"stream_event","event":{"type":"message_stop"}}`)
	for _, line := range stderr {
		onStderr(line)
	}
	onStdout(fmt.Sprintf(`{"type":"result","subtype":"success","is_error":%t,"result":%q,"session_id":%q}`,
		exitCode != 0, reply, conversation))

	return exitCode, nil
}

func (a *FakeAgent) reply(conversation, prompt string) string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if m := rememberRe.FindStringSubmatch(prompt); m != nil {
		a.memory[conversation] = m[1]
		return fmt.Sprintf("Noted, I will remember %s.", m[1])
	}
	if strings.Contains(prompt, "number") {
		if n, ok := a.memory[conversation]; ok {
			return fmt.Sprintf("The number is %s.", n)
		}
		return "I don't know which number you mean."
	}
	return "Done: " + prompt
}

func resumeID(args []string) string {
	for i := 0; i+1 < len(args); i++ {
		if args[i] == "--resume" {
			return args[i+1]
		}
	}
	return ""
}

var _ system.CommandExecutor = (*FakeAgent)(nil)
