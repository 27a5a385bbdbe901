package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the health of a running orchestrator",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var (
	statusServer  string
	statusTimeout time.Duration
	statusRaw     bool
)

func init() {
	statusCmd.Flags().StringVarP(&statusServer, "server", "s", DefaultServerURL, "Orchestrator URL")
	statusCmd.Flags().DurationVar(&statusTimeout, "timeout", 10*time.Second, "Request timeout")
	statusCmd.Flags().BoolVar(&statusRaw, "raw", false, "Print the health report as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	c, err := newClient(statusServer, statusTimeout)
	if err != nil {
		return err
	}

	var report health.Report
	if err := c.doJSON(context.Background(), "GET", "/health", &report); err != nil {
		return err
	}

	if statusRaw {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(logging.Stdout, string(data))
		return nil
	}

	if report.Status == health.StatusHealthy {
		logSuccess("Orchestrator %s", report.Status)
	} else {
		logWarning("Orchestrator %s: %s", report.Status, report.RuntimeError)
	}
	fmt.Fprintf(logging.Stdout, "Runtime: %s\n", report.Runtime)
	fmt.Fprintf(logging.Stdout, "Uptime: %s\n", report.Uptime)
	fmt.Fprintf(logging.Stdout, "Sessions: %d\n", report.Sessions)
	fmt.Fprintf(logging.Stdout, "Sandboxes: %d\n", report.Sandboxes)

	states := make([]string, 0, len(report.ByState))
	for state := range report.ByState {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(logging.Stdout, "  %-12s %d\n", state, report.ByState[state])
	}
	return nil
}
