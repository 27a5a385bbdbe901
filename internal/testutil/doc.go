// Package testutil provides test fixtures and an in-process sandbox
// environment.
//
// # Test Environment
//
// NewTestEnv returns a configuration tuned for fast tests and a mock runtime
// whose background commands start a real worker in-process:
//
//	env := testutil.NewTestEnv(t)
//	p := sandbox.NewProvisioner(env.Runtime, env.Config)
//
// The worker reads and writes the sandbox's in-memory files through
// SandboxFS and runs FakeAgent instead of the agent CLI. FakeAgent answers
// in stream-json, remembers "remember N" per conversation, and can be made
// to fail (ExitCode, Stderr) or to block (Hold).
//
// # Fixtures
//
// Fixtures are embedded using go:embed:
//
//	fixtures/agent_turn.jsonl      a recorded agent turn
//	fixtures/response_log.jsonl    a response log with a truncated record
//	fixtures/orchestrator.toml     a complete TOML config
//	fixtures/orchestrator.yaml     a partial YAML config
//	fixtures/invalid.toml          a config that fails validation
//
// WriteFixture copies a fixture to a temp dir for code that loads by path:
//
//	cfg, err := config.Load(testutil.WriteFixture(t, "orchestrator.toml"))
package testutil
