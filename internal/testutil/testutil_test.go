package testutil

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/system"
)

func TestFakeAgent_RemembersPerConversation(t *testing.T) {
	agent := NewFakeAgent()
	var out []string
	collect := func(line string) { out = append(out, line) }

	code, err := agent.Stream(context.Background(), system.Command{Name: "claude", Stdin: "sys\n\n---\n\nUser Request:\nremember 42"}, collect, nil)
	if err != nil || code != 0 {
		t.Fatalf("Stream() = %d, %v", code, err)
	}
	if !strings.Contains(out[0], `"session_id":"agent-session-1"`) {
		t.Fatalf("first line should announce the conversation: %s", out[0])
	}

	out = nil
	agent.Stream(context.Background(), system.Command{
		Name:  "claude",
		Args:  []string{"-p", "--resume", "agent-session-1"},
		Stdin: "what number?",
	}, collect, nil)
	if !strings.Contains(out[len(out)-1], "The number is 42.") {
		t.Errorf("resumed conversation should remember: %s", out[len(out)-1])
	}

	out = nil
	agent.Stream(context.Background(), system.Command{Name: "claude", Stdin: "what number?"}, collect, nil)
	if strings.Contains(out[len(out)-1], "42") {
		t.Error("a new conversation must not share memory")
	}

	if got := agent.Prompts(); len(got) != 3 || got[0] != "remember 42" {
		t.Errorf("Prompts() = %q", got)
	}
}

func TestFakeAgent_HoldHonorsCancel(t *testing.T) {
	agent := NewFakeAgent()
	agent.Hold = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := agent.Stream(ctx, system.Command{Name: "claude"}, func(string) {}, nil); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestTestEnv_WorkerRunsInMockSandbox(t *testing.T) {
	env := NewTestEnv(t)
	env.Runtime.AddSandbox("sbx-1", runtime.StatusRunning)
	paths := channel.PathsFor(SandboxHome)

	ctx := context.Background()
	env.Runtime.WriteFile(ctx, "sbx-1", paths.Prompt, []byte("remember 7"))
	err := env.Runtime.ExecBackground(ctx, "sbx-1", []string{
		"forage-orchestrator", "worker",
		"--home", SandboxHome,
		"--agent", "claude -p",
		"--poll-interval", "5ms",
		"--prompt-file", paths.Prompt,
		"--command-id", "cmd-1",
	}, runtime.ExecOptions{})
	if err != nil {
		t.Fatalf("ExecBackground: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := env.Runtime.File("sbx-1", paths.Responses)
		if strings.Contains(string(data), `"command_id":"cmd-1"`) {
			if _, ok := env.Worker("sbx-1"); !ok {
				t.Error("worker should be registered")
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("worker never completed the one-shot command")
}

func TestParseFlags(t *testing.T) {
	got := parseFlags([]string{"worker", "--home", "/h", "--agent", "claude -p", "--command-id", "c"})
	if got["--home"] != "/h" || got["--agent"] != "claude -p" || got["--command-id"] != "c" {
		t.Errorf("parseFlags() = %v", got)
	}
}
