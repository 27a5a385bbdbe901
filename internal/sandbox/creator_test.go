package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	oerrors "github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// recorder collects progress events.
type recorder struct {
	mu     sync.Mutex
	events []stream.Event
}

func (r *recorder) add(e stream.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) statuses() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if s, ok := e.(stream.Status); ok {
			out = append(out, s.Status)
		}
	}
	return out
}

func (r *recorder) warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if w, ok := e.(stream.Warning); ok {
			out = append(out, w.Message)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Sandbox.Ports = []int{3000, 5173}
	cfg.Runtime.ProvisionTimeout = config.Duration{Duration: time.Second}
	cfg.Runtime.CommandTimeout = config.Duration{Duration: time.Second}
	return cfg
}

func scripts(rt *runtime.MockRuntime) []string {
	var out []string
	for _, call := range rt.GetCallsFor("Exec") {
		cmd := call.Args[1].([]string)
		out = append(out, cmd[len(cmd)-1])
	}
	return out
}

func TestProvision_Success(t *testing.T) {
	rt := runtime.NewMockRuntime()
	cfg := testConfig()
	cfg.Credentials.GitHubPAT = "ghp_test"
	p := NewProvisioner(rt, cfg)
	rec := &recorder{}

	handle, err := p.Provision(context.Background(), Request{SessionID: "sess-1", Progress: rec.add})
	if err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	if handle.SandboxID == "" {
		t.Fatal("expected a sandbox id")
	}
	if handle.ProjectPath != cfg.Sandbox.ProjectDir {
		t.Errorf("ProjectPath = %q, want %q", handle.ProjectPath, cfg.Sandbox.ProjectDir)
	}
	if !handle.MCPEnabled {
		t.Error("expected MCP to be enabled with a GitHub token")
	}
	if handle.MCPGatewayURL == "" {
		t.Error("expected a gateway URL")
	}
	if len(handle.ExposedURLs) != 2 || handle.ExposedURLs["5173"] == "" {
		t.Errorf("unexpected exposed URLs: %v", handle.ExposedURLs)
	}

	want := []string{
		stream.StatusCreatingSandbox,
		stream.StatusSandboxReady,
		stream.StatusSettingUpTemplate,
		stream.StatusTemplateReady,
		stream.StatusConfiguringMCP,
	}
	if got := rec.statuses(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("statuses = %v, want %v", got, want)
	}
	if w := rec.warnings(); len(w) != 0 {
		t.Errorf("unexpected warnings: %v", w)
	}

	paths := p.Paths()
	for _, f := range []string{paths.Commands, paths.Responses} {
		data, ok := rt.File(handle.SandboxID, f)
		if !ok {
			t.Errorf("channel file %s not created", f)
		}
		if len(data) != 0 {
			t.Errorf("channel file %s should be empty", f)
		}
	}
	if data, _ := rt.File(handle.SandboxID, paths.SystemPrompt); string(data) != cfg.Agent.SystemPrompt {
		t.Errorf("system prompt not written")
	}

	mcp, ok := rt.File(handle.SandboxID, cfg.Sandbox.ProjectDir+"/"+MCPFileName)
	if !ok {
		t.Fatal(".mcp.json not written")
	}
	var parsed struct {
		MCPServers map[string]config.MCPServer `json:"mcpServers"`
	}
	if err := json.Unmarshal(mcp, &parsed); err != nil {
		t.Fatalf("invalid .mcp.json: %v", err)
	}
	if _, ok := parsed.MCPServers[config.GitHubMCPServerName]; !ok {
		t.Errorf("GitHub MCP server missing: %s", mcp)
	}

	create := rt.GetCallsFor("Create")[0].Args[0].(runtime.CreateOptions)
	if create.Labels[LabelSession] != "sess-1" {
		t.Errorf("sandbox not labeled with session: %v", create.Labels)
	}
	if create.Image != cfg.Runtime.Image {
		t.Errorf("Image = %q, want %q", create.Image, cfg.Runtime.Image)
	}
}

func TestProvision_TemplateCommands(t *testing.T) {
	rt := runtime.NewMockRuntime()
	cfg := testConfig()
	cfg.Sandbox.SetupCommands = []string{"make seed"}
	p := NewProvisioner(rt, cfg)
	rec := &recorder{}

	if _, err := p.Provision(context.Background(), Request{SessionID: "s", Progress: rec.add}); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	got := scripts(rt)
	if len(got) != 3 {
		t.Fatalf("expected clone, install and setup scripts, got %v", got)
	}
	if !strings.Contains(got[0], "git clone --depth 1 -- "+cfg.Sandbox.TemplateRepo) {
		t.Errorf("unexpected clone script: %s", got[0])
	}
	if !strings.Contains(got[0], "rm -rf "+cfg.Sandbox.ProjectDir+"/.git") {
		t.Errorf("clone script should drop template history: %s", got[0])
	}
	if got[1] != "cd "+cfg.Sandbox.ProjectDir+" && pnpm install" {
		t.Errorf("unexpected install script: %s", got[1])
	}
	if got[2] != "cd "+cfg.Sandbox.ProjectDir+" && make seed" {
		t.Errorf("unexpected setup script: %s", got[2])
	}

	statuses := rec.statuses()
	if statuses[len(statuses)-1] != stream.StatusRunningSetup {
		t.Errorf("expected running_setup status, got %v", statuses)
	}
}

func TestProvision_NoTemplate(t *testing.T) {
	rt := runtime.NewMockRuntime()
	cfg := testConfig()
	cfg.Sandbox.TemplateRepo = ""
	p := NewProvisioner(rt, cfg)

	if _, err := p.Provision(context.Background(), Request{SessionID: "s"}); err != nil {
		t.Fatalf("Provision() error: %v", err)
	}

	got := scripts(rt)
	if len(got) != 1 || got[0] != "mkdir -p "+cfg.Sandbox.ProjectDir {
		t.Errorf("expected only mkdir, got %v", got)
	}
}

func TestProvision_DegradedStepsWarn(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.OnExec = func(id string, command []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		if strings.Contains(command[len(command)-1], "git clone") {
			return &runtime.ExecResult{ExitCode: 128, Stderr: "fatal: repository not found\n"}, nil
		}
		return &runtime.ExecResult{}, nil
	}
	rt.SetError("ExposePort", errors.New("no route"))

	p := NewProvisioner(rt, testConfig())
	rec := &recorder{}

	handle, err := p.Provision(context.Background(), Request{
		SessionID: "s",
		Repo:      "https://github.com/acme/widgets.git",
		Progress:  rec.add,
	})
	if err != nil {
		t.Fatalf("degraded steps should not fail provisioning: %v", err)
	}
	if len(handle.ExposedURLs) != 0 {
		t.Errorf("expected no exposed URLs, got %v", handle.ExposedURLs)
	}

	warnings := rec.warnings()
	// template clone, repo clone, two ports
	if len(warnings) != 4 {
		t.Fatalf("expected 4 warnings, got %v", warnings)
	}
	if !strings.Contains(warnings[0], "repository not found") {
		t.Errorf("warning should carry the stderr tail: %s", warnings[0])
	}

	got := scripts(rt)
	if got[1] != "mkdir -p "+testConfig().Sandbox.ProjectDir {
		t.Errorf("expected mkdir fallback after failed clone, got %v", got)
	}
	for _, s := range got {
		if strings.Contains(s, "pnpm install") {
			t.Error("install should be skipped when the template is missing")
		}
	}
}

func TestProvision_CreateFailure(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.SetError("Create", errors.New("quota exceeded"))
	p := NewProvisioner(rt, testConfig())

	_, err := p.Provision(context.Background(), Request{SessionID: "s"})
	if !oerrors.HasCode(err, oerrors.ExitProvision) {
		t.Fatalf("expected provision error, got %v", err)
	}
	if calls := rt.GetCallsFor("Destroy"); len(calls) != 0 {
		t.Errorf("nothing to clean up, got %d Destroy calls", len(calls))
	}
}

func TestProvision_CreateTimeout(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.CreateDelay = time.Second
	cfg := testConfig()
	cfg.Runtime.ProvisionTimeout = config.Duration{Duration: 20 * time.Millisecond}
	p := NewProvisioner(rt, cfg)

	_, err := p.Provision(context.Background(), Request{SessionID: "s"})
	if !oerrors.HasCode(err, oerrors.ExitTimeout) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestProvision_ChannelFailureCleansUp(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.SetError("WriteFile", errors.New("disk full"))
	p := NewProvisioner(rt, testConfig())

	_, err := p.Provision(context.Background(), Request{SessionID: "s"})
	if !oerrors.HasCode(err, oerrors.ExitChannelWrite) {
		t.Fatalf("expected channel write error, got %v", err)
	}
	if calls := rt.GetCallsFor("Destroy"); len(calls) != 1 {
		t.Errorf("expected sandbox to be destroyed, got %d Destroy calls", len(calls))
	}
	if list, _ := rt.List(context.Background()); len(list) != 0 {
		t.Errorf("expected no sandboxes left, got %d", len(list))
	}
}

func TestProvision_CancelledCleansUp(t *testing.T) {
	rt := runtime.NewMockRuntime()
	ctx, cancel := context.WithCancel(context.Background())
	rt.OnExec = func(id string, command []string, opts runtime.ExecOptions) (*runtime.ExecResult, error) {
		cancel()
		return &runtime.ExecResult{}, nil
	}
	p := NewProvisioner(rt, testConfig())

	_, err := p.Provision(ctx, Request{SessionID: "s"})
	if err == nil {
		t.Fatal("expected an error after cancellation")
	}
	if calls := rt.GetCallsFor("Destroy"); len(calls) != 1 {
		t.Errorf("expected sandbox to be destroyed, got %d Destroy calls", len(calls))
	}
}

func TestRepoDir(t *testing.T) {
	tests := []struct {
		repo    string
		want    string
		wantErr bool
	}{
		{"https://github.com/acme/widgets.git", "/home/user/widgets", false},
		{"https://github.com/acme/widgets", "/home/user/widgets", false},
		{"git@github.com:acme/widgets.git/", "/home/user/widgets", false},
		{"..", "", true},
		{"/", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.repo, func(t *testing.T) {
			got, err := RepoDir("/home/user", tt.repo)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RepoDir(%q) error = %v, wantErr %v", tt.repo, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("RepoDir(%q) = %q, want %q", tt.repo, got, tt.want)
			}
		})
	}
}

func TestWorkerCommand(t *testing.T) {
	cfg := testConfig()
	p := NewProvisioner(runtime.NewMockRuntime(), cfg)

	argv, err := p.WorkerCommand("cmd-1")
	if err != nil {
		t.Fatalf("WorkerCommand() error: %v", err)
	}

	joined := strings.Join(argv, " ")
	if !strings.HasPrefix(joined, "forage-orchestrator worker --home /home/user --project /home/user/template") {
		t.Errorf("unexpected prefix: %s", joined)
	}

	flags := map[string]string{}
	for i := 2; i+1 < len(argv); i += 2 {
		flags[argv[i]] = argv[i+1]
	}
	if flags["--command-id"] != "cmd-1" {
		t.Errorf("--command-id = %q", flags["--command-id"])
	}
	if flags["--prompt-file"] != p.Paths().Prompt {
		t.Errorf("--prompt-file = %q", flags["--prompt-file"])
	}
	if flags["--poll-interval"] != "500ms" {
		t.Errorf("--poll-interval = %q", flags["--poll-interval"])
	}
	if !strings.HasPrefix(flags["--agent"], "claude -p --dangerously-skip-permissions") {
		t.Errorf("--agent = %q", flags["--agent"])
	}
}

func TestWorkerCommand_Invalid(t *testing.T) {
	cfg := testConfig()
	cfg.Worker.Command = `forage "unterminated`
	p := NewProvisioner(runtime.NewMockRuntime(), cfg)

	if _, err := p.WorkerCommand("c"); err == nil {
		t.Error("expected an error for an unparsable worker command")
	}
}

func TestStartWorker(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.AddSandbox("sbx-1", runtime.StatusRunning)
	p := NewProvisioner(rt, testConfig())

	err := p.StartWorker(context.Background(), WorkerRequest{
		SandboxID: "sbx-1",
		CommandID: "cmd-1",
		Prompt:    "build a todo app",
	})
	if err != nil {
		t.Fatalf("StartWorker() error: %v", err)
	}

	if data, _ := rt.File("sbx-1", p.Paths().Prompt); string(data) != "build a todo app" {
		t.Errorf("prompt file = %q", data)
	}

	calls := rt.GetCallsFor("ExecBackground")
	if len(calls) != 1 {
		t.Fatalf("expected 1 ExecBackground call, got %d", len(calls))
	}
	argv := calls[0].Args[1].([]string)
	if argv[len(argv)-1] != "cmd-1" {
		t.Errorf("worker argv should end with the command id: %v", argv)
	}
}

func TestStartWorker_LaunchFailure(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.AddSandbox("sbx-1", runtime.StatusRunning)
	rt.SetError("ExecBackground", errors.New("exec refused"))
	p := NewProvisioner(rt, testConfig())

	err := p.StartWorker(context.Background(), WorkerRequest{SandboxID: "sbx-1", CommandID: "c", Prompt: "p"})
	if !oerrors.HasCode(err, oerrors.ExitRuntime) {
		t.Errorf("expected runtime error, got %v", err)
	}
}
