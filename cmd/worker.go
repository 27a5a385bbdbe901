package cmd

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run the persistent command worker inside a sandbox",
	Hidden: true,
	Long: `Run the worker that executes agent commands inside a sandbox.

The worker runs the prompt in --prompt-file first, if given, then polls
the command queue under --home and appends every agent output line to the
response log. It is started by the orchestrator and exits on SIGTERM.`,
	RunE: runWorker,
}

var (
	workerHome         string
	workerProject      string
	workerAgent        string
	workerPollInterval time.Duration
	workerPromptFile   string
	workerCommandID    string
)

func init() {
	workerCmd.Flags().StringVar(&workerHome, "home", "", "Sandbox home directory holding the command channel")
	workerCmd.Flags().StringVar(&workerProject, "project", "", "Agent working directory (default: --home)")
	workerCmd.Flags().StringVar(&workerAgent, "agent", "", "Agent command line")
	workerCmd.Flags().DurationVar(&workerPollInterval, "poll-interval", worker.DefaultPollInterval, "Command queue poll interval")
	workerCmd.Flags().StringVar(&workerPromptFile, "prompt-file", "", "Prompt to run once before polling")
	workerCmd.Flags().StringVar(&workerCommandID, "command-id", "", "Command id reported for the --prompt-file run")
	_ = workerCmd.MarkFlagRequired("home")
	_ = workerCmd.MarkFlagRequired("agent")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	agent, err := runtime.SplitCommand(workerAgent)
	if err != nil {
		return errors.ConfigError("invalid --agent", err)
	}

	w, err := worker.New(worker.Options{
		Home:         workerHome,
		ProjectDir:   workerProject,
		Agent:        agent,
		PollInterval: workerPollInterval,
		PromptFile:   workerPromptFile,
		CommandID:    workerCommandID,
	})
	if err != nil {
		return errors.ConfigError("invalid worker options", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logging.Info("worker started", "home", workerHome, "agent", agent[0])
	err = w.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) {
		logging.Info("worker stopped", "cursor", w.Cursor())
		return nil
	}
	return err
}
