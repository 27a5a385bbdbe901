package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/metrics"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// LabelSession is the sandbox label carrying the owning session id.
const LabelSession = "io.firefly-forage.session"

// Provisioner creates and prepares sandboxes.
type Provisioner struct {
	rt      runtime.Runtime
	cfg     *config.Config
	paths   channel.Paths
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Provisioner.
type Option func(*Provisioner)

// WithMetrics records provisioning durations.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Provisioner) { p.metrics = m }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(p *Provisioner) { p.tracer = t }
}

// NewProvisioner creates a Provisioner for the given runtime and config.
func NewProvisioner(rt runtime.Runtime, cfg *config.Config, opts ...Option) *Provisioner {
	p := &Provisioner{
		rt:     rt,
		cfg:    cfg,
		paths:  channel.PathsFor(cfg.Sandbox.HomeDir),
		tracer: otel.Tracer("forage-orchestrator"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Paths returns the channel file locations inside every sandbox.
func (p *Provisioner) Paths() channel.Paths {
	return p.paths
}

// Channel returns the command channel of a sandbox.
func (p *Provisioner) Channel(sandboxID string) *channel.Channel {
	return channel.New(p.rt, sandboxID, p.paths)
}

// Provision creates a sandbox for a session and prepares it for the worker.
func (p *Provisioner) Provision(ctx context.Context, req Request) (handle session.Handle, err error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "sandbox.provision",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer func() {
		p.metrics.ObserveProvision(p.now().Sub(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := logging.ForSession(req.SessionID, "")
	log.Debug("starting sandbox provisioning", "image", p.cfg.Runtime.Image, "repo", req.Repo)

	req.emit(stream.Status{Status: stream.StatusCreatingSandbox})
	info, err := p.create(ctx, req)
	if err != nil {
		return session.Handle{}, err
	}
	sandboxID := info.ID
	span.SetAttributes(attribute.String("sandbox.id", sandboxID))
	log = logging.ForSession(req.SessionID, sandboxID)
	req.emit(stream.Status{Status: stream.StatusSandboxReady, SandboxID: sandboxID})

	// Set up cleanup on failure
	ready := false
	defer func() {
		if !ready {
			Cleanup(p.rt, sandboxID)
		}
	}()

	handle = session.Handle{
		SandboxID:   sandboxID,
		ProjectPath: p.cfg.Sandbox.ProjectDir,
	}

	p.setupTemplate(ctx, log, sandboxID, req)
	p.cloneRepo(ctx, log, sandboxID, req)
	p.runSetup(ctx, log, sandboxID, req)
	handle.MCPEnabled, handle.MCPGatewayURL = p.configureMCP(ctx, log, sandboxID, req)
	handle.ExposedURLs = p.exposePorts(ctx, log, sandboxID, req)

	if err := ctx.Err(); err != nil {
		return session.Handle{}, errors.ProvisionFailed(err)
	}

	ch := p.Channel(sandboxID)
	if err := ch.Init(ctx); err != nil {
		return session.Handle{}, err
	}
	if prompt := p.cfg.Agent.SystemPrompt; prompt != "" {
		if err := ch.WriteSystemPrompt(ctx, prompt); err != nil {
			return session.Handle{}, err
		}
	}

	ready = true
	log.Info("sandbox provisioned", "duration", p.now().Sub(start).Round(time.Millisecond))
	return handle, nil
}

// create starts the sandbox within the provisioning timeout.
func (p *Provisioner) create(ctx context.Context, req Request) (*runtime.SandboxInfo, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Runtime.ProvisionTimeout.Duration)
	defer cancel()

	info, err := p.rt.Create(cctx, runtime.CreateOptions{
		Image:   p.cfg.Runtime.Image,
		Env:     p.cfg.SandboxEnv(),
		Ports:   p.cfg.Sandbox.Ports,
		Labels:  map[string]string{LabelSession: req.SessionID},
		Timeout: p.cfg.Runtime.SandboxTTL.Duration,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, errors.Timeout("sandbox provisioning", err)
		}
		return nil, errors.ProvisionFailed(err)
	}
	return info, nil
}

// run executes a shell script in the sandbox within the command timeout.
func (p *Provisioner) run(ctx context.Context, sandboxID, script string) error {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.Runtime.CommandTimeout.Duration)
	defer cancel()

	res, err := p.rt.Exec(cctx, sandboxID, runtime.Shell(script), runtime.ExecOptions{})
	if err != nil {
		if ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return errors.Timeout("sandbox command", err)
		}
		return errors.RuntimeFailed("exec", err)
	}
	if res.ExitCode != 0 {
		return errors.RuntimeFailed("exec", fmt.Errorf("exit status %d: %s", res.ExitCode, lastLine(res.Stderr)))
	}
	return nil
}

// warn reports a degraded step to the log and the client.
func (p *Provisioner) warn(log *slog.Logger, req Request, msg string, err error) {
	log.Warn(msg, "error", err)
	req.emit(stream.Warning{Message: fmt.Sprintf("%s: %v", msg, err)})
}

func (p *Provisioner) setupTemplate(ctx context.Context, log *slog.Logger, sandboxID string, req Request) {
	dir := p.cfg.Sandbox.ProjectDir
	req.emit(stream.Status{Status: stream.StatusSettingUpTemplate})

	mkdir := runtime.Quote("mkdir", "-p", dir)
	if repo := p.cfg.Sandbox.TemplateRepo; repo != "" {
		clone := runtime.Quote("git", "clone", "--depth", "1", "--", repo, dir) +
			" && " + runtime.Quote("rm", "-rf", path.Join(dir, ".git"))
		if err := p.run(ctx, sandboxID, clone); err != nil {
			p.warn(log, req, "template clone failed", err)
			if err := p.run(ctx, sandboxID, mkdir); err != nil {
				p.warn(log, req, "failed to create project directory", err)
			}
		} else if install := p.cfg.Sandbox.InstallCommand; install != "" {
			log.Debug("installing template dependencies", "command", install)
			if err := p.run(ctx, sandboxID, runtime.InDir(dir, install)); err != nil {
				p.warn(log, req, "dependency install failed", err)
			}
		}
	} else if err := p.run(ctx, sandboxID, mkdir); err != nil {
		p.warn(log, req, "failed to create project directory", err)
	}

	req.emit(stream.Status{Status: stream.StatusTemplateReady, Path: dir})
}

func (p *Provisioner) cloneRepo(ctx context.Context, log *slog.Logger, sandboxID string, req Request) {
	if req.Repo == "" {
		return
	}
	req.emit(stream.Status{Status: stream.StatusCloningRepo})

	dir, err := RepoDir(p.cfg.Sandbox.HomeDir, req.Repo)
	if err != nil {
		p.warn(log, req, "repository not cloned", err)
		return
	}
	log.Debug("cloning repository", "repo", req.Repo, "dir", dir)
	if err := p.run(ctx, sandboxID, runtime.Quote("git", "clone", "--", req.Repo, dir)); err != nil {
		p.warn(log, req, "repository clone failed", err)
	}
}

// RepoDir returns where a repository URL is cloned under home.
func RepoDir(home, repo string) (string, error) {
	name := strings.TrimSuffix(path.Base(strings.TrimRight(repo, "/")), ".git")
	switch name {
	case "", ".", "..", "/":
		return "", fmt.Errorf("cannot derive a directory name from %q", repo)
	}
	return path.Join(home, name), nil
}

func (p *Provisioner) runSetup(ctx context.Context, log *slog.Logger, sandboxID string, req Request) {
	if len(p.cfg.Sandbox.SetupCommands) == 0 {
		return
	}
	req.emit(stream.Status{Status: stream.StatusRunningSetup})

	for _, cmd := range p.cfg.Sandbox.SetupCommands {
		log.Debug("running setup command", "command", cmd)
		if err := p.run(ctx, sandboxID, runtime.InDir(p.cfg.Sandbox.ProjectDir, cmd)); err != nil {
			p.warn(log, req, fmt.Sprintf("setup command %q failed", cmd), err)
		}
	}
}

// configureMCP writes the MCP server list into the project. The gateway URL
// reported to clients is the first server by name.
func (p *Provisioner) configureMCP(ctx context.Context, log *slog.Logger, sandboxID string, req Request) (bool, string) {
	servers := p.cfg.MCPServers()
	if len(servers) == 0 {
		req.emit(stream.MCPConfigured{MCPEnabled: false})
		return false, ""
	}
	req.emit(stream.Status{Status: stream.StatusConfiguringMCP})

	data, err := json.MarshalIndent(map[string]any{"mcpServers": servers}, "", "  ")
	if err == nil {
		err = p.rt.WriteFile(ctx, sandboxID, path.Join(p.cfg.Sandbox.ProjectDir, MCPFileName), data)
	}
	if err != nil {
		p.warn(log, req, "MCP configuration failed", err)
		req.emit(stream.MCPConfigured{MCPEnabled: false})
		return false, ""
	}

	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	gateway := servers[names[0]].URL

	log.Debug("MCP configured", "servers", names)
	req.emit(stream.MCPConfigured{MCPEnabled: true, MCPGatewayURL: gateway})
	return true, gateway
}

func (p *Provisioner) exposePorts(ctx context.Context, log *slog.Logger, sandboxID string, req Request) map[string]string {
	urls := make(map[string]string, len(p.cfg.Sandbox.Ports))
	if len(p.cfg.Sandbox.Ports) == 0 {
		return urls
	}

	for _, port := range p.cfg.Sandbox.Ports {
		pctx, cancel := context.WithTimeout(ctx, p.cfg.Runtime.CommandTimeout.Duration)
		url, err := p.rt.ExposePort(pctx, sandboxID, port)
		cancel()
		if err != nil {
			p.warn(log, req, fmt.Sprintf("port %d not exposed", port), err)
			continue
		}
		urls[strconv.Itoa(port)] = url
	}

	req.emit(stream.Ports{ExposedURLs: maps.Clone(urls)})
	return urls
}

// WorkerCommand returns the argv that starts the worker for a first command.
func (p *Provisioner) WorkerCommand(commandID string) ([]string, error) {
	argv, err := runtime.SplitCommand(p.cfg.Worker.Command)
	if err != nil {
		return nil, err
	}
	agent := runtime.Quote(append([]string{p.cfg.Agent.Command}, p.cfg.Agent.Args...)...)
	return append(argv,
		"--home", p.cfg.Sandbox.HomeDir,
		"--project", p.cfg.Sandbox.ProjectDir,
		"--agent", agent,
		"--poll-interval", p.cfg.Worker.PollInterval.String(),
		"--prompt-file", p.paths.Prompt,
		"--command-id", commandID,
	), nil
}

// StartWorker writes the first prompt and launches the worker.
func (p *Provisioner) StartWorker(ctx context.Context, req WorkerRequest) error {
	ctx, span := p.tracer.Start(ctx, "sandbox.start_worker",
		trace.WithAttributes(attribute.String("sandbox.id", req.SandboxID)))
	defer span.End()

	if err := p.Channel(req.SandboxID).WritePrompt(ctx, req.Prompt); err != nil {
		span.RecordError(err)
		return err
	}

	argv, err := p.WorkerCommand(req.CommandID)
	if err != nil {
		return errors.ConfigError("invalid worker.command", err)
	}

	logging.Debug("starting worker", "sandbox", req.SandboxID, "command", req.CommandID)
	if err := p.rt.ExecBackground(ctx, req.SandboxID, argv, runtime.ExecOptions{
		WorkingDir: p.cfg.Sandbox.HomeDir,
	}); err != nil {
		span.RecordError(err)
		return errors.RuntimeFailed("start worker", err)
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
