package channel

import (
	"path"
)

// StateDirName is the directory under the sandbox home holding channel files.
const StateDirName = ".forage"

const (
	commandsName     = "commands.jsonl"
	responsesName    = "responses.jsonl"
	promptName       = "prompt.txt"
	promptDoneName   = "prompt.done"
	systemPromptName = "system_prompt.txt"
	cursorName       = "worker.cursor"
	agentSessionName = "agent_session"
)

// Paths locates the channel files of one sandbox.
type Paths struct {
	Dir          string
	Commands     string
	Responses    string
	Prompt       string
	PromptDone   string
	SystemPrompt string
	Cursor       string
	AgentSession string
}

// JoinFunc resolves a relative name under a root directory.
type JoinFunc func(root, name string) (string, error)

func plainJoin(root, name string) (string, error) {
	return path.Join(root, name), nil
}

// PathsFor returns the channel paths under an in-sandbox home directory.
func PathsFor(home string) Paths {
	p, _ := ResolvePaths(home, plainJoin)
	return p
}

// ResolvePaths returns the channel paths under home, resolving each name
// with join.
func ResolvePaths(home string, join JoinFunc) (Paths, error) {
	var p Paths
	for _, f := range []struct {
		dst  *string
		name string
	}{
		{&p.Dir, ""},
		{&p.Commands, commandsName},
		{&p.Responses, responsesName},
		{&p.Prompt, promptName},
		{&p.PromptDone, promptDoneName},
		{&p.SystemPrompt, systemPromptName},
		{&p.Cursor, cursorName},
		{&p.AgentSession, agentSessionName},
	} {
		resolved, err := join(home, path.Join(StateDirName, f.name))
		if err != nil {
			return Paths{}, err
		}
		*f.dst = resolved
	}
	return p, nil
}
