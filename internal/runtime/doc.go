// Package runtime provides a unified interface for sandbox providers.
//
// Supported runtimes:
//   - docker, podman: one long-lived container per sandbox
//   - local: one host directory per sandbox, for development
//   - mock: in-memory, for tests
//
// # Runtime Interface
//
// The Runtime interface is the sandbox handle used by the orchestrator:
//   - Create, Destroy: sandbox lifecycle
//   - Exec, ExecBackground: command execution inside a sandbox
//   - ExposePort: public URL for a sandbox port
//   - WriteFile, AppendFile, ReadFile: sandbox filesystem access
//   - IsRunning, List: state queries
//
// Every call takes a context. Callers bound provider calls with their own
// deadlines; implementations stop work when the context is cancelled.
//
// # Shell Commands
//
// Commands are argv slices. Scripts for the sandbox shell are assembled with
// Shell, Quote and InDir, which quote every word with go-shellquote.
//
// # Mock Runtime
//
// NewMockRuntime returns an implementation with an in-memory filesystem, a
// call log, error injection and hooks (OnExec, OnBackground, OnAppend) that
// let a test stand in for processes running inside the sandbox.
package runtime
