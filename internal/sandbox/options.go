package sandbox

import (
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// MCPFileName is the project-level MCP server list read by the agent.
const MCPFileName = ".mcp.json"

// Request describes a sandbox to provision.
type Request struct {
	// SessionID labels the sandbox with its owner
	SessionID string

	// Repo is an optional git URL cloned next to the project
	Repo string

	// Progress receives status and warning events; may be nil
	Progress func(stream.Event)
}

func (r Request) emit(e stream.Event) {
	if r.Progress != nil {
		r.Progress(e)
	}
}

// WorkerRequest describes the worker launch for a session's first prompt.
type WorkerRequest struct {
	SandboxID string
	CommandID string
	Prompt    string
}
