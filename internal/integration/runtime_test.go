package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
)

func TestRuntime_SandboxLifecycle(t *testing.T) {
	h := NewHarness(t)
	rt := h.Runtime()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	t.Log("Creating sandbox...")
	id := h.CreateSandbox()
	h.RequireRunning(id)

	t.Log("Executing command in sandbox...")
	result, err := rt.Exec(ctx, id, []string{"echo", "hello"}, runtime.ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q, want hello", result.Stdout)
	}

	t.Log("Checking list...")
	sandboxes, err := rt.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	found := false
	for _, sb := range sandboxes {
		if sb.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("sandbox %s not in list", id)
	}

	t.Log("Destroying sandbox...")
	if err := rt.Destroy(ctx, id); err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	running, err := rt.IsRunning(ctx, id)
	if err != nil {
		t.Errorf("IsRunning after destroy failed: %v", err)
	}
	if running {
		t.Error("sandbox should not be running after Destroy")
	}
}

func TestRuntime_FileOperations(t *testing.T) {
	h := NewHarness(t)
	rt := h.Runtime()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	id := h.CreateSandbox()
	path := h.Config().Sandbox.HomeDir + "/.forage/test.jsonl"

	if err := rt.WriteFile(ctx, id, path, []byte("one\n")); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := rt.AppendFile(ctx, id, path, []byte("two\n")); err != nil {
		t.Fatalf("AppendFile failed: %v", err)
	}

	data, err := rt.ReadFile(ctx, id, path)
	if err != nil {
		t.Fatalf("ReadFile failed: %v", err)
	}
	if string(data) != "one\ntwo\n" {
		t.Errorf("contents = %q, want %q", data, "one\ntwo\n")
	}

	if _, err := rt.ReadFile(ctx, id, h.Config().Sandbox.HomeDir+"/missing"); err == nil {
		t.Error("ReadFile of a missing file should fail")
	}
}

func TestRuntime_ExecWithOptions(t *testing.T) {
	h := NewHarness(t)
	rt := h.Runtime()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	id := h.CreateSandbox()

	result, err := rt.Exec(ctx, id, runtime.Shell(`echo "$FORAGE_TEST_VAR"`), runtime.ExecOptions{
		Env: []string{"FORAGE_TEST_VAR=from-options"},
	})
	if err != nil {
		t.Fatalf("Exec with env failed: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "from-options" {
		t.Errorf("stdout = %q, want from-options", result.Stdout)
	}

	result, err = rt.Exec(ctx, id, runtime.Shell("exit 3"), runtime.ExecOptions{})
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", result.ExitCode)
	}
}
