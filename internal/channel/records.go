package channel

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Response record types written by the worker itself. Every other type is
// the agent's own stream-json "type" field, carried through unchanged.
const (
	TypeStdout          = "stdout"
	TypeStderr          = "stderr"
	TypeCommandComplete = "command_complete"
)

// CommandRecord is one entry of the command queue.
type CommandRecord struct {
	ID        string    `json:"id"`
	Prompt    string    `json:"prompt"`
	Timestamp time.Time `json:"timestamp"`
}

// NewCommand creates a command record with a fresh id.
func NewCommand(prompt string, now time.Time) CommandRecord {
	return CommandRecord{ID: uuid.NewString(), Prompt: prompt, Timestamp: now.UTC()}
}

// ResponseRecord is one entry of the response log. CommandID names the
// command whose run produced the record.
type ResponseRecord struct {
	Type      string          `json:"type"`
	CommandID string          `json:"command_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// CommandComplete is the payload of a command_complete record, the terminal
// marker the worker appends after each command.
type CommandComplete struct {
	CommandID      string   `json:"command_id"`
	ExitCode       int      `json:"exit_code"`
	AgentSessionID string   `json:"agent_session_id,omitempty"`
	StderrTail     []string `json:"stderr_tail,omitempty"`
}

// Complete decodes the record as a command_complete marker.
func (r ResponseRecord) Complete() (CommandComplete, bool) {
	if r.Type != TypeCommandComplete {
		return CommandComplete{}, false
	}
	var cc CommandComplete
	if err := json.Unmarshal(r.Data, &cc); err != nil || cc.CommandID == "" {
		return CommandComplete{}, false
	}
	return cc, true
}

// EncodeLine marshals v as a single JSON line terminated by a newline.
func EncodeLine(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// ParseCommand decodes one command queue line.
func ParseCommand(line []byte) (CommandRecord, error) {
	var rec CommandRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return CommandRecord{}, fmt.Errorf("invalid command record: %w", err)
	}
	if strings.TrimSpace(rec.Prompt) == "" {
		return CommandRecord{}, fmt.Errorf("command record has no prompt")
	}
	if rec.ID == "" {
		return CommandRecord{}, fmt.Errorf("command record has no id")
	}
	return rec, nil
}

// ParseResponse decodes one response log line.
func ParseResponse(line []byte) (ResponseRecord, error) {
	var rec ResponseRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return ResponseRecord{}, fmt.Errorf("invalid response record: %w", err)
	}
	if rec.Type == "" {
		return ResponseRecord{}, fmt.Errorf("response record has no type")
	}
	return rec, nil
}

// CompleteLines splits data into newline-terminated lines. A trailing
// fragment without a newline is still being written and is not returned.
func CompleteLines(data []byte) [][]byte {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	lines := bytes.Split(data[:end], []byte{'\n'})
	for i, l := range lines {
		lines[i] = bytes.TrimSuffix(l, []byte{'\r'})
	}
	return lines
}
