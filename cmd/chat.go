package cmd

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/server"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/tui"
)

var chatCmd = &cobra.Command{
	Use:   "chat <prompt>...",
	Short: "Send a build request to a running orchestrator",
	Long: `Send a prompt to a running orchestrator and render its event stream.

Without --session a new session and sandbox are created; the session id is
printed when the request completes. Pass it back with --session to continue
the same conversation in the same sandbox.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runChat,
}

var (
	chatServer  string
	chatSession string
	chatRepo    string
	chatRaw     bool
	chatTUI     bool
)

func init() {
	chatCmd.Flags().StringVarP(&chatServer, "server", "s", DefaultServerURL, "Orchestrator URL")
	chatCmd.Flags().StringVar(&chatSession, "session", "", "Continue an existing session")
	chatCmd.Flags().StringVar(&chatRepo, "repo", "", "Repository URL hint for a new session")
	chatCmd.Flags().BoolVar(&chatRaw, "raw", false, "Print events as JSON lines instead of rendering them")
	chatCmd.Flags().BoolVar(&chatTUI, "tui", false, "Render the stream in an interactive terminal view")
	chatCmd.MarkFlagsMutuallyExclusive("raw", "tui")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	c, err := newClient(chatServer, 0)
	if err != nil {
		return err
	}

	path := "/chat"
	if chatSession != "" {
		path += "/" + url.PathEscape(chatSession)
		if chatRepo != "" {
			logWarning("--repo is ignored when continuing a session")
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prompt := strings.Join(args, " ")
	resp, err := c.do(ctx, "POST", path, server.ChatRequest{
		Prompt: prompt,
		Repo:   chatRepo,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if chatTUI {
		return runChatTUI(ctx, prompt, stream.NewReader(resp.Body))
	}

	r := &renderer{raw: chatRaw}
	return r.consume(ctx, stream.NewReader(resp.Body))
}

func runChatTUI(ctx context.Context, prompt string, events *stream.Reader) error {
	result, err := tui.RunChat(ctx, prompt, events)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	switch {
	case result.Error != nil:
		return errors.FromKind(result.Error.Code, result.Error.Message)
	case result.Err != nil:
		return errors.ChannelReadFailed("event stream", result.Err)
	}
	return nil
}

// renderer prints a chat stream as it arrives.
type renderer struct {
	raw bool

	inText bool
	failed error
}

func (r *renderer) consume(ctx context.Context, events *stream.Reader) error {
	for {
		e, err := events.Next()
		if err == io.EOF {
			if r.failed != nil {
				return r.failed
			}
			return errors.New(errors.ExitChannelRead, "stream ended without done")
		}
		if err != nil {
			if ctx.Err() != nil {
				logWarning("Interrupted; the session stays available for --session")
				return nil
			}
			return errors.ChannelReadFailed("event stream", err)
		}

		if r.raw {
			line, err := stream.Encode(e)
			if err != nil {
				return err
			}
			fmt.Fprintln(logging.Stdout, string(line))
		} else {
			r.render(e)
		}

		if _, ok := e.(stream.Done); ok {
			return r.failed
		}
	}
}

func (r *renderer) render(e stream.Event) {
	if _, ok := e.(stream.TextDelta); !ok && r.inText {
		logging.UserText("\n")
		r.inText = false
	}

	switch ev := e.(type) {
	case stream.Status:
		if ev.SandboxID != "" {
			logging.UserDim("[%s] sandbox %s", ev.Status, ev.SandboxID)
		} else {
			logging.UserDim("[%s]", ev.Status)
		}
	case stream.TextDelta:
		logging.UserText(ev.Text)
		r.inText = true
	case stream.Warning:
		logWarning("%s", ev.Message)
	case stream.FileChange:
		logInfo("Artifact changed: %s (%s)", ev.Path, shortHash(ev.Hash))
	case stream.MCPConfigured:
		if ev.MCPEnabled {
			logInfo("MCP gateway: %s", ev.MCPGatewayURL)
		}
	case stream.Ports:
		for _, port := range sortedKeys(ev.ExposedURLs) {
			logInfo("Port %s: %s", port, ev.ExposedURLs[port])
		}
	case stream.Complete:
		r.renderComplete(ev)
	case stream.Error:
		logError("%s: %s", ev.Code, ev.Message)
		r.failed = errors.FromKind(ev.Code, ev.Message)
	case stream.Result:
		if ev.IsError {
			logWarning("Agent reported an error")
		}
	}
}

func (r *renderer) renderComplete(ev stream.Complete) {
	if ev.ExitCode != 0 {
		logWarning("Agent exited with code %d", ev.ExitCode)
	} else {
		logSuccess("Complete")
	}
	if ev.SessionID != "" {
		logInfo("Session: %s", ev.SessionID)
	}
	if ev.SandboxID != "" {
		logInfo("Sandbox: %s", ev.SandboxID)
	}
	for _, port := range sortedKeys(ev.ExposedURLs) {
		logInfo("Preview (%s): %s", port, ev.ExposedURLs[port])
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
