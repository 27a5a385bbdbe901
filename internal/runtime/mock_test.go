package runtime

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"
)

func TestMockRuntime_Files(t *testing.T) {
	m := NewMockRuntime()
	ctx := context.Background()

	info, err := m.Create(ctx, CreateOptions{Image: "img"})
	if err != nil {
		t.Fatal(err)
	}

	var appended []string
	m.OnAppend = func(id, path string, data []byte) {
		appended = append(appended, path)
	}

	if err := m.AppendFile(ctx, info.ID, "/q", []byte("1\n")); err != nil {
		t.Fatal(err)
	}
	if err := m.AppendFile(ctx, info.ID, "/q", []byte("2\n")); err != nil {
		t.Fatal(err)
	}
	data, err := m.ReadFile(ctx, info.ID, "/q")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1\n2\n" {
		t.Errorf("ReadFile = %q", data)
	}
	if len(appended) != 2 {
		t.Errorf("OnAppend called %d times, want 2", len(appended))
	}

	if _, err := m.ReadFile(ctx, info.ID, "/missing"); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file error = %v", err)
	}
	if err := m.WriteFile(ctx, "nope", "/x", nil); err == nil {
		t.Error("WriteFile on unknown sandbox should fail")
	}
}

func TestMockRuntime_ErrorsAndCalls(t *testing.T) {
	m := NewMockRuntime()
	ctx := context.Background()

	m.SetError("Create", errors.New("quota exceeded"))
	if _, err := m.Create(ctx, CreateOptions{}); err == nil {
		t.Error("expected injected Create error")
	}
	m.ClearError("Create")
	if _, err := m.Create(ctx, CreateOptions{ID: "a"}); err != nil {
		t.Fatal(err)
	}

	if calls := m.GetCallsFor("Create"); len(calls) != 2 {
		t.Errorf("got %d Create calls, want 2", len(calls))
	}

	m.SetExecResult("a", &ExecResult{ExitCode: 2, Stderr: "bad"})
	res, err := m.Exec(ctx, "a", []string{"false"}, ExecOptions{})
	if err != nil || res.ExitCode != 2 {
		t.Errorf("Exec = %+v, %v", res, err)
	}

	if err := m.Destroy(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if running, _ := m.IsRunning(ctx, "a"); running {
		t.Error("destroyed sandbox should not be running")
	}

	m.Reset()
	if len(m.GetCalls()) != 0 {
		t.Error("Reset should clear the call log")
	}
}

func TestMockRuntime_CreateDelayHonorsContext(t *testing.T) {
	m := NewMockRuntime()
	m.CreateDelay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := m.Create(ctx, CreateOptions{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Create error = %v, want deadline exceeded", err)
	}
}
