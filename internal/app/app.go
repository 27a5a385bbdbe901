// Package app wires the orchestrator's components together.
// It allows dependency injection for testing.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/metrics"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/monitor"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/orchestrator"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/sandbox"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/server"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
)

// App holds the application dependencies
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Runtime is the sandbox provider
	Runtime runtime.Runtime

	Registry     *session.Registry
	Provisioner  *sandbox.Provisioner
	Orchestrator *orchestrator.Orchestrator
	Server       *server.Server
	Monitor      *monitor.Monitor
	Metrics      *metrics.Metrics
	Health       *health.Checker

	// Audit records session lifecycle events under the state directory
	Audit *audit.Logger
}

// Option is a function that configures the App
type Option func(*App)

// WithConfig sets the configuration
func WithConfig(cfg *config.Config) Option {
	return func(a *App) {
		a.Config = cfg
	}
}

// WithRuntime sets a custom runtime
func WithRuntime(r runtime.Runtime) Option {
	return func(a *App) {
		a.Runtime = r
	}
}

// New creates an App with the given options. Without WithConfig the
// defaults are used; without WithRuntime the runtime named by the
// configuration is created.
func New(opts ...Option) (*App, error) {
	a := &App{}
	for _, opt := range opts {
		opt(a)
	}
	if a.Config == nil {
		a.Config = config.DefaultConfig()
	}
	cfg := a.Config

	if a.Runtime == nil {
		rt, err := runtime.New(&runtime.Config{
			Type:            runtime.RuntimeType(cfg.Runtime.Type),
			ContainerPrefix: cfg.Runtime.ContainerPrefix,
			LocalRoot:       cfg.Runtime.LocalRoot,
			Home:            cfg.Sandbox.HomeDir,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize runtime: %w", err)
		}
		a.Runtime = rt
	}

	a.Audit = audit.NewLogger(cfg.StateDir)
	a.Registry = session.NewRegistry(a.Runtime)
	a.Metrics = metrics.New(a.Registry.Stats)
	a.Registry.OnChange = a.sessionChanged

	a.Provisioner = sandbox.NewProvisioner(a.Runtime, cfg, sandbox.WithMetrics(a.Metrics))
	a.Orchestrator = orchestrator.New(a.Registry, a.Provisioner, a.Runtime, cfg,
		orchestrator.WithMetrics(a.Metrics),
		orchestrator.WithAudit(a.Audit),
	)
	a.Health = health.NewChecker(a.Registry, a.Runtime)
	a.Server = server.New(&server.Config{
		ListenAddr:        cfg.Server.Listen,
		AllowedOrigins:    cfg.Server.AllowedOrigins,
		Heartbeat:         cfg.Server.HeartbeatInterval.Duration,
		RateLimitRequests: cfg.Server.RateLimit,
		RateLimitWindow:   cfg.Server.RateLimitWindow.Duration,
		Logger:            logging.Logger.With("component", "server"),
	}, a.Orchestrator, a.Registry, a.Health, server.WithMetrics(a.Metrics))
	a.Monitor = monitor.New(cfg.Runtime.ReapInterval.Duration, cfg.Runtime.SandboxTTL.Duration, a.Registry, a.Runtime,
		monitor.WithAuditLogger(a.Audit),
		monitor.WithMetrics(a.Metrics),
	)

	return a, nil
}

// sessionChanged feeds registry transitions to metrics and the audit log.
func (a *App) sessionChanged(s session.Session) {
	a.Metrics.ObserveTransition(s)
	if s.State == session.StateClosed {
		a.Audit.Record(audit.Event{Type: audit.EventClose, Session: s.ID, Sandbox: s.SandboxID()})
	}
}

// Run serves until ctx is cancelled or the server fails, then shuts down:
// open streams get the configured grace period, after which every session
// is closed and its sandbox destroyed.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	logging.Info("starting orchestrator",
		"listen", cfg.Server.Listen,
		"runtime", a.Runtime.Name(),
		"state_dir", cfg.StateDir)
	for _, line := range cfg.CredentialReport() {
		logging.Info("credential", "status", line)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	if cfg.Runtime.ReapInterval.Duration > 0 {
		go func() { _ = a.Monitor.Run(monitorCtx) }()
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.Server.Start() }()

	var result *multierror.Error
	select {
	case <-ctx.Done():
		logging.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("server failed: %w", err))
		}
	}
	stopMonitor()

	if err := a.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// Shutdown stops the server and closes every session.
func (a *App) Shutdown() error {
	var result *multierror.Error

	grace := a.Config.Server.ShutdownGrace.Duration
	stopCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := a.Server.Stop(stopCtx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to stop server: %w", err))
	}

	closeCtx, cancelClose := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelClose()
	if err := a.Registry.CloseAll(closeCtx); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
