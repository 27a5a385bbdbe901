// Package channel implements the file-backed command queue and response log
// shared by the orchestrator and the worker running inside a sandbox.
//
// Both files are append-only JSON Lines. The orchestrator appends
// CommandRecords to the queue; the worker consumes them in order and
// appends ResponseRecords, ending each command with a command_complete
// marker. Readers track a line cursor and only count newline-terminated
// lines, so a partially written record is picked up on the next read.
package channel

import (
	"context"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
)

// Channel writes to the command side of one sandbox's channel.
type Channel struct {
	rt        runtime.Runtime
	sandboxID string
	paths     Paths
	now       func() time.Time
}

// New creates a channel for a sandbox.
func New(rt runtime.Runtime, sandboxID string, paths Paths) *Channel {
	return &Channel{rt: rt, sandboxID: sandboxID, paths: paths, now: time.Now}
}

// Paths returns the channel file locations.
func (c *Channel) Paths() Paths {
	return c.paths
}

// Init creates empty queue and log files.
func (c *Channel) Init(ctx context.Context) error {
	for _, p := range []string{c.paths.Commands, c.paths.Responses} {
		if err := c.rt.WriteFile(ctx, c.sandboxID, p, nil); err != nil {
			return errors.ChannelWriteFailed(p, err)
		}
	}
	return nil
}

// Enqueue appends a command for the worker and returns the stored record.
func (c *Channel) Enqueue(ctx context.Context, prompt string) (CommandRecord, error) {
	rec := NewCommand(prompt, c.now())
	line, err := EncodeLine(rec)
	if err != nil {
		return CommandRecord{}, errors.ChannelWriteFailed(c.paths.Commands, err)
	}
	if err := c.rt.AppendFile(ctx, c.sandboxID, c.paths.Commands, line); err != nil {
		return CommandRecord{}, errors.ChannelWriteFailed(c.paths.Commands, err)
	}
	return rec, nil
}

// WritePrompt stores the prompt for a one-shot run.
func (c *Channel) WritePrompt(ctx context.Context, prompt string) error {
	if err := c.rt.WriteFile(ctx, c.sandboxID, c.paths.Prompt, []byte(prompt)); err != nil {
		return errors.ChannelWriteFailed(c.paths.Prompt, err)
	}
	return nil
}

// WriteSystemPrompt stores the system prompt the worker prepends to every
// command.
func (c *Channel) WriteSystemPrompt(ctx context.Context, text string) error {
	if err := c.rt.WriteFile(ctx, c.sandboxID, c.paths.SystemPrompt, []byte(text)); err != nil {
		return errors.ChannelWriteFailed(c.paths.SystemPrompt, err)
	}
	return nil
}
