package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/app"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator HTTP server",
	Long: `Run the HTTP server that accepts chat requests and streams sandbox events.

Routes:
  POST   /chat               start a session in a new sandbox
  POST   /chat/{session_id}  continue an existing session
  DELETE /sandbox/{id}       close a session and destroy its sandbox
  GET    /health             session and runtime summary
  GET    /metrics            Prometheus metrics

On SIGINT or SIGTERM the server stops accepting requests, gives open
streams a grace period and destroys every sandbox it created.`,
	RunE: runServe,
}

var (
	serveConfig  string
	serveListen  string
	serveRuntime string
)

func init() {
	serveCmd.Flags().StringVarP(&serveConfig, "config", "c", "", "Path to a .toml or .yaml config file (default "+config.DefaultConfigPath+" if present)")
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Address to listen on (overrides server.listen)")
	serveCmd.Flags().StringVar(&serveRuntime, "runtime", "", "Sandbox runtime: auto, docker, podman, local or mock")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}

	a, err := app.New(app.WithConfig(cfg))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logInfo("Serving on %s (runtime: %s)", cfg.Server.Listen, a.Runtime.Name())
	if err := a.Run(ctx); err != nil {
		return err
	}
	logSuccess("Orchestrator stopped")
	return nil
}

func loadServeConfig() (*config.Config, error) {
	path := serveConfig
	if path == "" {
		if _, err := os.Stat(config.DefaultConfigPath); err == nil {
			path = config.DefaultConfigPath
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if serveListen != "" {
		cfg.Server.Listen = serveListen
	}
	if serveRuntime != "" {
		cfg.Runtime.Type = serveRuntime
		if err := cfg.Validate(); err != nil {
			return nil, errors.ConfigError("invalid configuration", err)
		}
	}
	return cfg, nil
}
