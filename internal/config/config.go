package config

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
)

const (
	DefaultConfigPath = "/etc/firefly-forage/orchestrator.toml"
	DefaultStateDir   = "/var/lib/firefly-forage/orchestrator"
	DefaultListen     = ":8000"
	ContainerPrefix   = "forage-sbx-"

	// GitHubMCPServerName is the MCP server entry added when GITHUB_PAT is set.
	GitHubMCPServerName = "githubOfficial"
	githubMCPURL        = "https://api.githubcopilot.com/mcp/"
)

// Runtime types accepted in runtime.type.
const (
	RuntimeAuto   = "auto"
	RuntimeDocker = "docker"
	RuntimePodman = "podman"
	RuntimeLocal  = "local"
	RuntimeMock   = "mock"
)

// Duration is a time.Duration that reads and writes Go duration strings
// ("14s", "10m") in both TOML and YAML files.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText formats the duration as a string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the orchestrator configuration.
type Config struct {
	StateDir string        `toml:"state_dir" yaml:"state_dir"`
	Server   ServerConfig  `toml:"server" yaml:"server"`
	Runtime  RuntimeConfig `toml:"runtime" yaml:"runtime"`
	Sandbox  SandboxConfig `toml:"sandbox" yaml:"sandbox"`
	Agent    AgentConfig   `toml:"agent" yaml:"agent"`
	Worker   WorkerConfig  `toml:"worker" yaml:"worker"`
	MCP      MCPConfig     `toml:"mcp" yaml:"mcp"`

	// Credentials come from the environment only.
	Credentials Credentials `toml:"-" yaml:"-"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Listen            string   `toml:"listen" yaml:"listen"`
	AllowedOrigins    []string `toml:"allowed_origins" yaml:"allowed_origins"`
	HeartbeatInterval Duration `toml:"heartbeat_interval" yaml:"heartbeat_interval"`
	RequestTimeout    Duration `toml:"request_timeout" yaml:"request_timeout"`
	ShutdownGrace     Duration `toml:"shutdown_grace" yaml:"shutdown_grace"`

	// RateLimit is the number of chat requests allowed per client address
	// within RateLimitWindow; zero disables limiting
	RateLimit       int      `toml:"rate_limit" yaml:"rate_limit"`
	RateLimitWindow Duration `toml:"rate_limit_window" yaml:"rate_limit_window"`
}

// RuntimeConfig selects and tunes the sandbox provider.
type RuntimeConfig struct {
	Type             string   `toml:"type" yaml:"type"`
	Image            string   `toml:"image" yaml:"image"`
	ContainerPrefix  string   `toml:"container_prefix" yaml:"container_prefix"`
	LocalRoot        string   `toml:"local_root" yaml:"local_root"`
	ProvisionTimeout Duration `toml:"provision_timeout" yaml:"provision_timeout"`
	CommandTimeout   Duration `toml:"command_timeout" yaml:"command_timeout"`
	SandboxTTL       Duration `toml:"sandbox_ttl" yaml:"sandbox_ttl"`
	ReapInterval     Duration `toml:"reap_interval" yaml:"reap_interval"`
}

// SandboxConfig describes the layout and setup of a fresh sandbox.
type SandboxConfig struct {
	HomeDir        string   `toml:"home_dir" yaml:"home_dir"`
	ProjectDir     string   `toml:"project_dir" yaml:"project_dir"`
	TemplateRepo   string   `toml:"template_repo" yaml:"template_repo"`
	InstallCommand string   `toml:"install_command" yaml:"install_command"`
	SetupCommands  []string `toml:"setup_commands" yaml:"setup_commands"`
	Ports          []int    `toml:"ports" yaml:"ports"`
	Artifact       string   `toml:"artifact" yaml:"artifact"`
}

// AgentConfig describes the code-generation CLI run by the worker.
type AgentConfig struct {
	Command      string   `toml:"command" yaml:"command"`
	Args         []string `toml:"args" yaml:"args"`
	SystemPrompt string   `toml:"system_prompt" yaml:"system_prompt"`
}

// WorkerConfig describes how the persistent worker is started and polls.
type WorkerConfig struct {
	Command      string   `toml:"command" yaml:"command"`
	PollInterval Duration `toml:"poll_interval" yaml:"poll_interval"`
}

// MCPConfig lists MCP servers written into each new sandbox project.
type MCPConfig struct {
	Servers map[string]MCPServer `toml:"servers" yaml:"servers"`
}

// MCPServer is one MCP server entry.
type MCPServer struct {
	Type    string            `toml:"type" yaml:"type" json:"type"`
	URL     string            `toml:"url" yaml:"url" json:"url"`
	Headers map[string]string `toml:"headers" yaml:"headers" json:"headers,omitempty"`
}

// Credentials holds secrets forwarded into sandboxes.
type Credentials struct {
	AnthropicAPIKey string
	GroqAPIKey      string
	GitHubPAT       string
}

const defaultSystemPrompt = `You are working inside an isolated development sandbox.
The template project in the current directory has its dependencies installed.
Start a dev server in the background when asked to preview work, for example:
  nohup pnpm dev --host --port 5173 > dev.log 2>&1 &
Use the Bash and Glob tools for file listing.`

// DefaultConfig returns a configuration with all defaults applied.
func DefaultConfig() *Config {
	return &Config{
		StateDir: DefaultStateDir,
		Server: ServerConfig{
			Listen:            DefaultListen,
			AllowedOrigins:    []string{"http://localhost:3000", "http://localhost:5173"},
			HeartbeatInterval: Duration{14 * time.Second},
			RequestTimeout:    Duration{15 * time.Minute},
			ShutdownGrace:     Duration{10 * time.Second},
			RateLimitWindow:   Duration{time.Minute},
		},
		Runtime: RuntimeConfig{
			Type:             RuntimeAuto,
			Image:            "claude-code-dev",
			ContainerPrefix:  ContainerPrefix,
			LocalRoot:        filepath.Join(DefaultStateDir, "sandboxes"),
			ProvisionTimeout: Duration{2 * time.Minute},
			CommandTimeout:   Duration{10 * time.Minute},
			SandboxTTL:       Duration{time.Hour},
			ReapInterval:     Duration{time.Minute},
		},
		Sandbox: SandboxConfig{
			HomeDir:        "/home/user",
			ProjectDir:     "/home/user/template",
			TemplateRepo:   "https://github.com/AmaruEscalante/template",
			InstallCommand: "pnpm install",
			Ports:          []int{3000, 5173, 8000, 8080, 4200},
		},
		Agent: AgentConfig{
			Command: "claude",
			Args: []string{
				"-p",
				"--dangerously-skip-permissions",
				"--output-format", "stream-json",
				"--include-partial-messages",
				"--verbose",
			},
			SystemPrompt: defaultSystemPrompt,
		},
		Worker: WorkerConfig{
			Command:      "forage-orchestrator worker",
			PollInterval: Duration{500 * time.Millisecond},
		},
	}
}

// Load reads a configuration file on top of the defaults. The format is
// chosen by extension: .toml, .yaml or .yml. An empty path yields defaults.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("failed to read config %s", path), err)
		}
		if err := cfg.decode(filepath.Ext(path), data); err != nil {
			return nil, errors.ConfigError(fmt.Sprintf("failed to parse config %s", path), err)
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, errors.ConfigError("invalid configuration", err)
	}
	return cfg, nil
}

func (c *Config) decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".toml":
		_, err := toml.NewDecoder(bytes.NewReader(data)).Decode(c)
		return err
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q (want .toml, .yaml or .yml)", ext)
	}
}

// ApplyEnv overlays environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup("FORAGE_LISTEN"); ok && v != "" {
		c.Server.Listen = v
	}
	if v, ok := lookup("FORAGE_RUNTIME"); ok && v != "" {
		c.Runtime.Type = v
	}
	if v, ok := lookup("FORAGE_STATE_DIR"); ok && v != "" {
		c.StateDir = v
	}
	if v, ok := lookup("SANDBOX_TEMPLATE"); ok && v != "" {
		c.Runtime.Image = v
	}
	if v, ok := lookup("ANTHROPIC_API_KEY"); ok {
		c.Credentials.AnthropicAPIKey = v
	}
	if v, ok := lookup("GROQ_API_KEY"); ok {
		c.Credentials.GroqAPIKey = v
	}
	if v, ok := lookup("GITHUB_PAT"); ok {
		c.Credentials.GitHubPAT = v
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state_dir is required")
	}

	for name, d := range map[string]Duration{
		"server.heartbeat_interval": c.Server.HeartbeatInterval,
		"server.request_timeout":    c.Server.RequestTimeout,
		"runtime.provision_timeout": c.Runtime.ProvisionTimeout,
		"runtime.command_timeout":   c.Runtime.CommandTimeout,
		"worker.poll_interval":      c.Worker.PollInterval,
	} {
		if d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit must not be negative")
	}
	if c.Server.RateLimit > 0 && c.Server.RateLimitWindow.Duration <= 0 {
		return fmt.Errorf("server.rate_limit_window must be positive when server.rate_limit is set")
	}
	if c.Server.HeartbeatInterval.Duration >= c.Server.RequestTimeout.Duration {
		return fmt.Errorf("server.heartbeat_interval must be shorter than server.request_timeout")
	}

	switch c.Runtime.Type {
	case RuntimeAuto, RuntimeDocker, RuntimePodman, RuntimeLocal, RuntimeMock:
	default:
		return fmt.Errorf("unknown runtime.type %q", c.Runtime.Type)
	}

	if err := validateSandboxPath("sandbox.home_dir", c.Sandbox.HomeDir); err != nil {
		return err
	}
	if err := validateSandboxPath("sandbox.project_dir", c.Sandbox.ProjectDir); err != nil {
		return err
	}
	if c.Sandbox.Artifact != "" {
		if err := validateSandboxPath("sandbox.artifact", c.Sandbox.Artifact); err != nil {
			return err
		}
	}

	for _, p := range c.Sandbox.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("sandbox.ports: %d is not a valid port", p)
		}
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Worker.Command == "" {
		return fmt.Errorf("worker.command is required")
	}

	for name, srv := range c.MCP.Servers {
		if srv.URL == "" {
			return fmt.Errorf("mcp.servers.%s: url is required", name)
		}
	}
	return nil
}

// validateSandboxPath requires an absolute, already-clean path inside the sandbox.
func validateSandboxPath(field, p string) error {
	if p == "" {
		return fmt.Errorf("%s is required", field)
	}
	if !path.IsAbs(p) {
		return fmt.Errorf("%s must be absolute, got %q", field, p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("%s must be a clean path, got %q", field, p)
	}
	return nil
}

// SandboxEnv returns the environment passed to every sandbox.
func (c *Config) SandboxEnv() []string {
	env := []string{
		"DISABLE_TELEMETRY=true",
		"DISABLE_COST_WARNINGS=true",
	}
	if c.Credentials.AnthropicAPIKey != "" {
		env = append(env, "ANTHROPIC_API_KEY="+c.Credentials.AnthropicAPIKey)
	}
	if c.Credentials.GroqAPIKey != "" {
		env = append(env, "GROQ_API_KEY="+c.Credentials.GroqAPIKey)
	}
	if c.Credentials.GitHubPAT != "" {
		env = append(env, "GITHUB_PAT="+c.Credentials.GitHubPAT)
	}
	return env
}

// MCPServers returns the configured MCP servers plus the GitHub server when a
// personal access token is available.
func (c *Config) MCPServers() map[string]MCPServer {
	servers := make(map[string]MCPServer, len(c.MCP.Servers)+1)
	for name, srv := range c.MCP.Servers {
		if srv.Type == "" {
			srv.Type = "http"
		}
		servers[name] = srv
	}
	if c.Credentials.GitHubPAT != "" {
		if _, ok := servers[GitHubMCPServerName]; !ok {
			servers[GitHubMCPServerName] = MCPServer{
				Type:    "http",
				URL:     githubMCPURL,
				Headers: map[string]string{"Authorization": "Bearer " + c.Credentials.GitHubPAT},
			}
		}
	}
	return servers
}

// CredentialReport lists which credentials are configured, never their values.
func (c *Config) CredentialReport() []string {
	report := []string{
		credLine("ANTHROPIC_API_KEY", c.Credentials.AnthropicAPIKey),
		credLine("GROQ_API_KEY", c.Credentials.GroqAPIKey),
		credLine("GITHUB_PAT", c.Credentials.GitHubPAT),
	}
	sort.Strings(report)
	return report
}

func credLine(name, value string) string {
	return name + "=" + strconv.FormatBool(value != "")
}
