// Package config provides configuration types and loading for forage-orchestrator.
//
// # Configuration Files
//
// Configuration is read from a single file, TOML or YAML by extension, laid
// over DefaultConfig:
//
//	state_dir = "/var/lib/firefly-forage/orchestrator"
//
//	[server]
//	listen = ":8000"
//	heartbeat_interval = "14s"
//	request_timeout = "15m"
//
//	[runtime]
//	type = "docker"
//	image = "claude-code-dev"
//	sandbox_ttl = "1h"
//
//	[sandbox]
//	project_dir = "/home/user/template"
//	ports = [3000, 5173]
//
//	[mcp.servers.docs]
//	url = "https://mcp.example.com/"
//
// # Environment
//
// ApplyEnv overlays FORAGE_LISTEN, FORAGE_RUNTIME, FORAGE_STATE_DIR and
// SANDBOX_TEMPLATE. ANTHROPIC_API_KEY, GROQ_API_KEY and GITHUB_PAT populate
// Credentials, which are forwarded into sandboxes by SandboxEnv and never
// written back to a file.
//
// # Validation
//
// Load validates after parsing. Sandbox paths must be absolute and clean
// because they are interpreted inside the sandbox, not on the host.
package config
