package testutil

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
)

func TestAgentTranscript(t *testing.T) {
	lines, err := AgentTranscript()
	if err != nil {
		t.Fatalf("AgentTranscript() error: %v", err)
	}
	if len(lines) != 10 {
		t.Fatalf("got %d lines, want 10", len(lines))
	}
	for i, line := range lines {
		var rec struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal([]byte(line), &rec); err != nil || rec.Type == "" {
			t.Errorf("line %d is not a typed JSON record: %s", i+1, line)
		}
	}
}

func TestResponseLog(t *testing.T) {
	data, err := ResponseLog()
	if err != nil {
		t.Fatalf("ResponseLog() error: %v", err)
	}

	valid := 0
	for _, line := range channel.CompleteLines(data) {
		if _, err := channel.ParseResponse(line); err == nil {
			valid++
		}
	}
	if valid != 3 {
		t.Errorf("got %d valid records, want 3", valid)
	}
}

func TestConfigFixtures(t *testing.T) {
	tests := []struct {
		name    string
		wantErr bool
	}{
		{"orchestrator.toml", false},
		{"orchestrator.yaml", false},
		{"invalid.toml", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(WriteFixture(t, tt.name))
			if (err != nil) != tt.wantErr {
				t.Errorf("config.Load(%s) error = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
		})
	}
}

func TestLoadFixture_Missing(t *testing.T) {
	if _, err := LoadFixture("missing.json"); err == nil {
		t.Error("expected an error for a missing fixture")
	}
	if !strings.HasSuffix(WriteFixture(t, "orchestrator.yaml"), "orchestrator.yaml") {
		t.Error("WriteFixture should keep the fixture name")
	}
}
