package orchestrator

import (
	"encoding/json"
	"log/slog"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// Agent stream-json record types relayed to clients.
const (
	agentStreamEvent = "stream_event"
	agentResult      = "result"
	agentSystem      = "system"
)

// agentRecord holds the fields of an agent stream-json line that are relayed.
type agentRecord struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Event     struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

// translator turns response records of one command into stream events.
type translator struct {
	commandID    string
	agentSession string
	log          *slog.Logger
}

// translate returns the event for rec, if any, and the terminal marker when
// rec completes the translator's command. Records and markers of other
// commands are ignored, such as the tail of a command whose client went away.
func (t *translator) translate(rec channel.ResponseRecord) (stream.Event, *channel.CommandComplete) {
	if rec.CommandID != "" && rec.CommandID != t.commandID {
		t.log.Debug("ignoring record of another command", "type", rec.Type, "command", rec.CommandID)
		return nil, nil
	}

	switch rec.Type {
	case channel.TypeCommandComplete:
		cc, ok := rec.Complete()
		if !ok {
			t.log.Warn("invalid command_complete record")
			return nil, nil
		}
		if cc.CommandID != t.commandID {
			t.log.Debug("ignoring marker of another command", "command", cc.CommandID)
			return nil, nil
		}
		if cc.AgentSessionID == "" {
			cc.AgentSessionID = t.agentSession
		}
		return nil, &cc

	case channel.TypeStdout:
		var line string
		if err := json.Unmarshal(rec.Data, &line); err != nil {
			return nil, nil
		}
		return stream.TextDelta{Text: line + "\n"}, nil

	case channel.TypeStderr:
		t.log.Debug("agent stderr", "data", string(rec.Data))
		return nil, nil
	}

	var ar agentRecord
	if err := json.Unmarshal(rec.Data, &ar); err != nil {
		t.log.Debug("undecodable agent record", "type", rec.Type, "error", err)
		return nil, nil
	}

	switch rec.Type {
	case agentStreamEvent:
		switch ar.Event.Type {
		case "content_block_delta":
			if ar.Event.Delta.Type == "text_delta" && ar.Event.Delta.Text != "" {
				return stream.TextDelta{Text: ar.Event.Delta.Text}, nil
			}
		case "message_start", "message_stop", "content_block_start":
			return stream.ClaudeEvent{EventType: ar.Event.Type}, nil
		}
	case agentResult:
		t.noteSession(ar.SessionID)
		return stream.Result{Result: ar.Result, IsError: ar.IsError}, nil
	case agentSystem:
		t.noteSession(ar.SessionID)
		return stream.System{Data: rec.Data}, nil
	default:
		t.log.Debug("not relaying agent record", "type", rec.Type)
	}
	return nil, nil
}

func (t *translator) noteSession(id string) {
	if id != "" {
		t.agentSession = id
	}
}
