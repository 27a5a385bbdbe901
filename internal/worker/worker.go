package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/google/uuid"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/system"
)

const (
	// DefaultPollInterval is used when Options.PollInterval is zero.
	DefaultPollInterval = 500 * time.Millisecond

	// stderrTailLines is how much agent stderr is kept for the terminal marker.
	stderrTailLines = 20

	promptSeparator = "\n\n---\n\nUser Request:\n"
)

// Options configures a Worker.
type Options struct {
	// Home is the sandbox home directory holding the channel files
	Home string

	// ProjectDir is the agent's working directory
	ProjectDir string

	// Agent is the agent argv; "--resume <id>" is appended once the agent
	// has reported a session id
	Agent []string

	// Env is added to the agent's environment
	Env []string

	PollInterval time.Duration

	// PromptFile, when set, is run as a one-shot command before polling
	PromptFile string

	// CommandID identifies the one-shot command in its terminal marker
	CommandID string

	FS       system.FileSystem
	Executor system.CommandExecutor
	Logger   *slog.Logger
}

// Worker consumes the command queue of one sandbox.
type Worker struct {
	opts  Options
	paths channel.Paths
	log   *slog.Logger
	now   func() time.Time

	mu           sync.Mutex
	cursor       int
	agentSession string
	appendErr    error
}

// New creates a worker.
func New(opts Options) (*Worker, error) {
	if opts.Home == "" {
		return nil, fmt.Errorf("home directory is required")
	}
	if len(opts.Agent) == 0 {
		return nil, fmt.Errorf("agent command is required")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.FS == nil {
		opts.FS = system.DefaultFS()
	}
	if opts.Executor == nil {
		opts.Executor = system.DefaultExecutor()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Logger
	}

	paths, err := channel.ResolvePaths(opts.Home, securejoin.SecureJoin)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve channel paths: %w", err)
	}
	if opts.ProjectDir == "" {
		opts.ProjectDir = opts.Home
	}

	return &Worker{
		opts:  opts,
		paths: paths,
		log:   opts.Logger.With("component", "worker"),
		now:   time.Now,
	}, nil
}

// Paths returns the channel files the worker uses.
func (w *Worker) Paths() channel.Paths {
	return w.paths
}

// Cursor returns the number of queue lines consumed so far.
func (w *Worker) Cursor() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// AgentSession returns the agent conversation id used for --resume.
func (w *Worker) AgentSession() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.agentSession
}

// Run runs the optional one-shot prompt and then polls the queue until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.opts.FS.MkdirAll(w.paths.Dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", w.paths.Dir, err)
	}
	w.loadState()

	w.log.Info("worker started", "home", w.opts.Home, "cursor", w.Cursor())

	if w.opts.PromptFile != "" {
		if err := w.runPromptFile(ctx); err != nil {
			return err
		}
	}

	ticker := time.NewTicker(w.opts.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Poll(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runPromptFile runs the one-shot prompt unless a previous run of this
// worker already completed it.
func (w *Worker) runPromptFile(ctx context.Context) error {
	if done, err := w.opts.FS.ReadFile(w.paths.PromptDone); err == nil {
		id := strings.TrimSpace(string(done))
		if w.opts.CommandID == "" || id == w.opts.CommandID {
			w.log.Info("one-shot prompt already done", "command", id)
			return nil
		}
	}

	promptPath, err := securejoin.SecureJoin(w.opts.Home, strings.TrimPrefix(w.opts.PromptFile, w.opts.Home))
	if err != nil {
		return fmt.Errorf("invalid prompt file: %w", err)
	}
	data, err := w.opts.FS.ReadFile(promptPath)
	if err != nil {
		return fmt.Errorf("failed to read prompt file: %w", err)
	}

	id := w.opts.CommandID
	if id == "" {
		id = uuid.NewString()
	}
	if err := w.Process(ctx, channel.CommandRecord{ID: id, Prompt: string(data), Timestamp: w.now().UTC()}); err != nil {
		return err
	}
	if err := w.opts.FS.WriteFile(w.paths.PromptDone, []byte(id), 0644); err != nil {
		w.log.Warn("failed to persist one-shot marker", "error", err)
	}
	return nil
}

// Poll processes every complete queue line past the cursor and returns how
// many lines were consumed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	data, err := w.opts.FS.ReadFile(w.paths.Commands)
	if err != nil {
		if !w.opts.FS.Exists(w.paths.Commands) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read command queue: %w", err)
	}

	lines := channel.CompleteLines(data)
	consumed := 0
	for w.Cursor() < len(lines) {
		if err := ctx.Err(); err != nil {
			return consumed, err
		}
		line := lines[w.Cursor()]

		if len(strings.TrimSpace(string(line))) > 0 {
			rec, err := channel.ParseCommand(line)
			if err != nil {
				w.log.Warn("skipping malformed command", "line", w.Cursor()+1, "error", err)
			} else if err := w.Process(ctx, rec); err != nil {
				return consumed, err
			}
		}

		w.advance()
		consumed++
	}
	return consumed, nil
}

// Process runs one command and appends its output and terminal marker.
func (w *Worker) Process(ctx context.Context, rec channel.CommandRecord) error {
	log := w.log.With("command", rec.ID)
	log.Info("processing command")

	tail := newTail(stderrTailLines)
	args := append([]string(nil), w.opts.Agent[1:]...)
	if session := w.AgentSession(); session != "" {
		args = append(args, "--resume", session)
	}

	code, err := w.opts.Executor.Stream(ctx, system.Command{
		Name:  w.opts.Agent[0],
		Args:  args,
		Dir:   w.opts.ProjectDir,
		Env:   w.opts.Env,
		Stdin: w.composePrompt(rec.Prompt),
	}, func(line string) {
		w.handleStdout(rec.ID, line)
	}, func(line string) {
		tail.add(line)
		log.Debug("agent stderr", "line", line)
		w.appendRecord(rec.ID, channel.TypeStderr, jsonString(line))
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("agent failed to run", "error", err)
		code = -1
		tail.add(err.Error())
	}

	complete, _ := json.Marshal(channel.CommandComplete{
		CommandID:      rec.ID,
		ExitCode:       code,
		AgentSessionID: w.AgentSession(),
		StderrTail:     tail.lines(),
	})
	w.appendRecord(rec.ID, channel.TypeCommandComplete, complete)

	w.mu.Lock()
	appendErr := w.appendErr
	w.appendErr = nil
	w.mu.Unlock()
	if appendErr != nil {
		return fmt.Errorf("failed to append to response log: %w", appendErr)
	}

	log.Info("command complete", "exit_code", code)
	return nil
}

func (w *Worker) composePrompt(prompt string) string {
	data, err := w.opts.FS.ReadFile(w.paths.SystemPrompt)
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return prompt
	}
	return string(data) + promptSeparator + prompt
}

// agentLine is the part of an agent stream-json line the worker inspects.
type agentLine struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

func (w *Worker) handleStdout(commandID, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	var parsed agentLine
	if err := json.Unmarshal([]byte(line), &parsed); err != nil || parsed.Type == "" || reserved(parsed.Type) {
		w.appendRecord(commandID, channel.TypeStdout, jsonString(line))
		return
	}

	if parsed.SessionID != "" && (parsed.Type == "system" || parsed.Type == "result") {
		w.setAgentSession(parsed.SessionID)
	}
	w.appendRecord(commandID, parsed.Type, json.RawMessage(line))
}

func reserved(typ string) bool {
	switch typ {
	case channel.TypeStdout, channel.TypeStderr, channel.TypeCommandComplete:
		return true
	}
	return false
}

// appendRecord is called from the stdout and stderr readers concurrently.
func (w *Worker) appendRecord(commandID, typ string, data json.RawMessage) {
	line, err := channel.EncodeLine(channel.ResponseRecord{
		Type:      typ,
		CommandID: commandID,
		Timestamp: w.now().UTC(),
		Data:      data,
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		err = w.opts.FS.AppendFile(w.paths.Responses, line, 0644)
	}
	if err != nil && w.appendErr == nil {
		w.appendErr = err
	}
}

func (w *Worker) setAgentSession(id string) {
	w.mu.Lock()
	changed := w.agentSession != id
	w.agentSession = id
	w.mu.Unlock()

	if changed {
		if err := w.opts.FS.WriteFile(w.paths.AgentSession, []byte(id), 0644); err != nil {
			w.log.Warn("failed to persist agent session", "error", err)
		}
	}
}

func (w *Worker) advance() {
	w.mu.Lock()
	w.cursor++
	cursor := w.cursor
	w.mu.Unlock()

	if err := w.opts.FS.WriteFile(w.paths.Cursor, []byte(strconv.Itoa(cursor)), 0644); err != nil {
		w.log.Warn("failed to persist cursor", "error", err)
	}
}

func (w *Worker) loadState() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if data, err := w.opts.FS.ReadFile(w.paths.Cursor); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(string(data))); err == nil && n >= 0 {
			w.cursor = n
		} else {
			w.log.Warn("ignoring invalid cursor file", "content", string(data))
		}
	}
	if data, err := w.opts.FS.ReadFile(w.paths.AgentSession); err == nil {
		w.agentSession = strings.TrimSpace(string(data))
	}
}

func jsonString(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}

// tail keeps the last n lines written to it.
type tail struct {
	mu  sync.Mutex
	n   int
	buf []string
}

func newTail(n int) *tail {
	return &tail{n: n}
}

func (t *tail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.n {
		t.buf = t.buf[len(t.buf)-t.n:]
	}
}

func (t *tail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
