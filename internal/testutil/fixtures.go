package testutil

import (
	"bufio"
	"bytes"
	"embed"
	"os"
	"path/filepath"
	"testing"
)

//go:embed fixtures/*
var fixturesFS embed.FS

// LoadFixture loads a fixture file by name.
func LoadFixture(name string) ([]byte, error) {
	return fixturesFS.ReadFile("fixtures/" + name)
}

// FixtureLines returns the non-empty lines of a fixture.
func FixtureLines(name string) ([]string, error) {
	data, err := LoadFixture(name)
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, scanner.Err()
}

// AgentTranscript returns a recorded agent stream-json turn, one record per line.
func AgentTranscript() ([]string, error) {
	return FixtureLines("agent_turn.jsonl")
}

// ResponseLog returns a response log with one truncated record between
// valid ones.
func ResponseLog() ([]byte, error) {
	return LoadFixture("response_log.jsonl")
}

// WriteFixture copies a fixture into a temporary directory and returns its
// path, for code that loads files by name.
func WriteFixture(t *testing.T, name string) string {
	t.Helper()

	data, err := LoadFixture(name)
	if err != nil {
		t.Fatalf("fixture %s: %v", name, err)
	}
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("failed to write fixture %s: %v", name, err)
	}
	return path
}
