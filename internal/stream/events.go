package stream

import (
	"encoding/json"
)

// Event type names as they appear in the "type" field.
const (
	TypeStatus        = "status"
	TypeMCPConfigured = "mcp_configured"
	TypePorts         = "ports"
	TypeSystem        = "system"
	TypeTextDelta     = "text_delta"
	TypeClaudeEvent   = "claude_event"
	TypeResult        = "result"
	TypeComplete      = "complete"
	TypeError         = "error"
	TypeHeartbeat     = "heartbeat"
	TypeDone          = "done"
	TypeFileChange    = "file_change"
	TypeWarning       = "warning"
)

// Status values carried by Status events.
const (
	StatusInitializing       = "initializing"
	StatusCreatingSandbox    = "creating_sandbox"
	StatusSandboxReady       = "sandbox_ready"
	StatusSettingUpTemplate  = "setting_up_template"
	StatusTemplateReady      = "template_ready"
	StatusCloningRepo        = "cloning_additional_repo"
	StatusRunningSetup       = "running_setup"
	StatusConfiguringMCP     = "configuring_mcp"
	StatusConnectedToSession = "connected_to_session"
	StatusExecuting          = "executing"
)

// Event is one element of a request's stream. The set of implementations is
// closed to this package.
type Event interface {
	Type() string
	isEvent()
}

// Status reports a provisioning or dispatch transition.
type Status struct {
	Status    string `json:"status"`
	SandboxID string `json:"sandbox_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path,omitempty"`
}

// MCPConfigured reports the tool servers configured for the agent.
type MCPConfigured struct {
	MCPEnabled    bool   `json:"mcp_enabled"`
	MCPGatewayURL string `json:"mcp_gateway_url,omitempty"`
}

// Ports maps sandbox ports to reachable URLs.
type Ports struct {
	ExposedURLs map[string]string `json:"exposed_urls"`
}

// System relays the agent's system record.
type System struct {
	Data json.RawMessage `json:"data"`
}

// TextDelta is a fragment of assistant text.
type TextDelta struct {
	Text string `json:"text"`
}

// ClaudeEvent relays an agent message lifecycle event.
type ClaudeEvent struct {
	EventType string `json:"event_type"`
}

// Result carries the agent's final answer for a command.
type Result struct {
	Result  string `json:"result"`
	IsError bool   `json:"is_error,omitempty"`
}

// Complete reports a successful request.
type Complete struct {
	ExitCode       int               `json:"exit_code"`
	SessionID      string            `json:"session_id"`
	SandboxID      string            `json:"sandbox_id"`
	ExposedURLs    map[string]string `json:"exposed_urls"`
	MCPEnabled     bool              `json:"mcp_enabled"`
	MCPGatewayURL  string            `json:"mcp_gateway_url,omitempty"`
	AgentSessionID string            `json:"agent_session_id,omitempty"`
}

// Error terminates a request; only Done may follow it.
type Error struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Heartbeat keeps an idle stream open.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// Done is always the last event of a stream.
type Done struct{}

// FileChange reports that the watched artifact changed.
type FileChange struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Warning reports a non-fatal setup failure.
type Warning struct {
	Message string `json:"message"`
}

func (Status) Type() string        { return TypeStatus }
func (MCPConfigured) Type() string { return TypeMCPConfigured }
func (Ports) Type() string         { return TypePorts }
func (System) Type() string        { return TypeSystem }
func (TextDelta) Type() string     { return TypeTextDelta }
func (ClaudeEvent) Type() string   { return TypeClaudeEvent }
func (Result) Type() string        { return TypeResult }
func (Complete) Type() string      { return TypeComplete }
func (Error) Type() string         { return TypeError }
func (Heartbeat) Type() string     { return TypeHeartbeat }
func (Done) Type() string          { return TypeDone }
func (FileChange) Type() string    { return TypeFileChange }
func (Warning) Type() string       { return TypeWarning }

func (Status) isEvent()        {}
func (MCPConfigured) isEvent() {}
func (Ports) isEvent()         {}
func (System) isEvent()        {}
func (TextDelta) isEvent()     {}
func (ClaudeEvent) isEvent()   {}
func (Result) isEvent()        {}
func (Complete) isEvent()      {}
func (Error) isEvent()         {}
func (Heartbeat) isEvent()     {}
func (Done) isEvent()          {}
func (FileChange) isEvent()    {}
func (Warning) isEvent()       {}

// IsTerminal reports whether e ends a request: complete, error or done.
func IsTerminal(e Event) bool {
	switch e.(type) {
	case Complete, Error, Done:
		return true
	}
	return false
}
