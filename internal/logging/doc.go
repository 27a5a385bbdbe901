// Package logging provides logging utilities for forage-orchestrator.
//
// This package provides two categories of output:
//   - Structured logs for the server and worker (via slog)
//   - User output: styled messages for the CLI client commands
//
// # Structured Logging
//
// Setup installs a text or JSON slog handler. Components log with key/value
// pairs and tag request-scoped lines with ForSession:
//
//	logging.Debug("poll tick", "cursor", cursor)
//	log := logging.ForSession(sess.ID, sess.SandboxID)
//	log.Warn("skipping malformed response record", "line", n)
//
// # User Output
//
// User-facing messages carry a lipgloss-styled status indicator:
//
//	logging.UserInfo("Connected to %s", url)
//	logging.UserSuccess("Session %s complete", id)
//	logging.UserWarning("Port %d could not be exposed", port)
//	logging.UserError("Request failed: %v", err)
//
// UserInfo, UserSuccess, UserDim and UserText write to Stdout; UserWarning
// and UserError write to Stderr.
package logging
