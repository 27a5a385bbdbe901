// Package integration provides a test harness for integration tests that
// need a real sandbox runtime.
//
// Integration tests are skipped unless FORAGE_INTEGRATION_TESTS=1. The
// runtime is chosen with FORAGE_RUNTIME (local, docker or podman) and
// defaults to local, which only needs a POSIX shell on the host.
//
// # Test Harness
//
//	func TestMyIntegration(t *testing.T) {
//	    h := integration.NewHarness(t) // Skips if env var not set
//
//	    id := h.CreateSandbox()
//	    h.RequireRunning(id)
//
//	    // Exec, file operations...
//
//	    // Cleanup is automatic via t.Cleanup
//	}
//
// The harness provides an isolated state directory, a configuration tuned
// for fast tests (no template repo, no install step, no exposed ports) and
// tracks every sandbox it creates so they are destroyed when the test ends.
//
// # Running Integration Tests
//
//	FORAGE_INTEGRATION_TESTS=1 go test -v ./internal/integration/...
//	FORAGE_INTEGRATION_TESTS=1 FORAGE_RUNTIME=docker go test -v ./internal/integration/...
package integration
