// Package tui provides terminal user interface components for
// forage-orchestrator.
//
// This package uses the Bubble Tea framework to render a chat request's
// event stream interactively.
//
// # Chat View
//
// The chat view shows a spinner with the latest provisioning status while a
// sandbox is prepared, then the agent's text as it streams in:
//
//	result, err := tui.RunChat(ctx, stream.NewReader(resp.Body))
//	if result.Error != nil {
//	    // the request failed with result.Error.Code
//	}
//	if result.Complete != nil {
//	    // result.Complete.SessionID continues the conversation
//	}
//
// # View Features
//
//   - Spinner and status line until the first text arrives
//   - Warnings and artifact changes listed under the text
//   - Summary with session, sandbox and preview URLs on completion
//   - q or ctrl+c detaches; the session stays available on the server
//
// # Dependencies
//
// Uses the Charm libraries:
//   - github.com/charmbracelet/bubbletea - TUI framework
//   - github.com/charmbracelet/bubbles - spinner component
//   - github.com/charmbracelet/lipgloss - Styling
package tui
