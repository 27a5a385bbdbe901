package cmd

import (
	"context"
	"net/url"
	"time"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/server"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy <session-or-sandbox-id>",
	Short: "Close a session and destroy its sandbox",
	Args:  cobra.ExactArgs(1),
	RunE:  runDestroy,
}

var (
	destroyServer  string
	destroyTimeout time.Duration
)

func init() {
	destroyCmd.Flags().StringVarP(&destroyServer, "server", "s", DefaultServerURL, "Orchestrator URL")
	destroyCmd.Flags().DurationVar(&destroyTimeout, "timeout", time.Minute, "Request timeout")
	rootCmd.AddCommand(destroyCmd)
}

func runDestroy(cmd *cobra.Command, args []string) error {
	c, err := newClient(destroyServer, destroyTimeout)
	if err != nil {
		return err
	}

	var resp server.CloseResponse
	if err := c.doJSON(context.Background(), "DELETE", "/sandbox/"+url.PathEscape(args[0]), &resp); err != nil {
		return err
	}

	if resp.SandboxID != "" {
		logSuccess("Destroyed sandbox %s (session %s)", resp.SandboxID, resp.SessionID)
	} else {
		logSuccess("Closed session %s", resp.SessionID)
	}
	return nil
}
