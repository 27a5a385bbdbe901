package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
)

func TestCleanup_DestroysSandbox(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.AddSandbox("sbx-1", runtime.StatusRunning)

	Cleanup(rt, "sbx-1")

	if running, _ := rt.IsRunning(context.Background(), "sbx-1"); running {
		t.Error("sandbox should be destroyed")
	}
	if calls := rt.GetCallsFor("Destroy"); len(calls) != 1 {
		t.Errorf("expected 1 Destroy call, got %d", len(calls))
	}
}

func TestCleanup_IgnoresDestroyError(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.AddSandbox("sbx-1", runtime.StatusRunning)
	rt.SetError("Destroy", errors.New("provider unavailable"))

	// Must not panic or block.
	Cleanup(rt, "sbx-1")
}

func TestCleanup_NoSandbox(t *testing.T) {
	rt := runtime.NewMockRuntime()

	Cleanup(rt, "")
	Cleanup(nil, "sbx-1")

	if calls := rt.GetCallsFor("Destroy"); len(calls) != 0 {
		t.Errorf("expected no Destroy calls, got %d", len(calls))
	}
}
