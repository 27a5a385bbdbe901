package channel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ferrors "github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
)

func newTestChannel(t *testing.T) (*runtime.MockRuntime, *Channel) {
	t.Helper()
	rt := runtime.NewMockRuntime()
	rt.AddSandbox("sbx", runtime.StatusRunning)
	return rt, New(rt, "sbx", PathsFor("/home/user"))
}

func TestPathsFor(t *testing.T) {
	p := PathsFor("/home/user")
	assert.Equal(t, "/home/user/.forage", p.Dir)
	assert.Equal(t, "/home/user/.forage/commands.jsonl", p.Commands)
	assert.Equal(t, "/home/user/.forage/responses.jsonl", p.Responses)
	assert.Equal(t, "/home/user/.forage/prompt.txt", p.Prompt)
	assert.Equal(t, "/home/user/.forage/prompt.done", p.PromptDone)
	assert.Equal(t, "/home/user/.forage/system_prompt.txt", p.SystemPrompt)
	assert.Equal(t, "/home/user/.forage/worker.cursor", p.Cursor)
	assert.Equal(t, "/home/user/.forage/agent_session", p.AgentSession)
}

func TestResolvePaths_JoinError(t *testing.T) {
	_, err := ResolvePaths("/home/user", func(root, name string) (string, error) {
		return "", errors.New("refused")
	})
	assert.Error(t, err)
}

func TestChannel_InitAndEnqueue(t *testing.T) {
	rt, ch := newTestChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.Init(ctx))
	data, ok := rt.File("sbx", ch.Paths().Commands)
	require.True(t, ok)
	assert.Empty(t, data)

	first, err := ch.Enqueue(ctx, "build a todo app")
	require.NoError(t, err)
	second, err := ch.Enqueue(ctx, "add dark mode")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	data, _ = rt.File("sbx", ch.Paths().Commands)
	lines := CompleteLines(data)
	require.Len(t, lines, 2)

	rec, err := ParseCommand(lines[0])
	require.NoError(t, err)
	assert.Equal(t, first.ID, rec.ID)
	assert.Equal(t, "build a todo app", rec.Prompt)

	rec, err = ParseCommand(lines[1])
	require.NoError(t, err)
	assert.Equal(t, "add dark mode", rec.Prompt)
}

func TestChannel_EnqueueFailure(t *testing.T) {
	rt, ch := newTestChannel(t)
	rt.SetError("AppendFile", errors.New("sandbox gone"))

	_, err := ch.Enqueue(context.Background(), "hello")
	require.Error(t, err)
	assert.True(t, ferrors.HasCode(err, ferrors.ExitChannelWrite))
}

func TestChannel_Prompts(t *testing.T) {
	rt, ch := newTestChannel(t)
	ctx := context.Background()

	require.NoError(t, ch.WritePrompt(ctx, "first prompt"))
	require.NoError(t, ch.WriteSystemPrompt(ctx, "be brief"))

	data, _ := rt.File("sbx", ch.Paths().Prompt)
	assert.Equal(t, "first prompt", string(data))
	data, _ = rt.File("sbx", ch.Paths().SystemPrompt)
	assert.Equal(t, "be brief", string(data))

	rt.SetError("WriteFile", errors.New("read-only"))
	err := ch.WritePrompt(ctx, "x")
	assert.True(t, ferrors.HasCode(err, ferrors.ExitChannelWrite))
}
