package health

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
)

type fixedStats session.Stats

func (f fixedStats) Stats() session.Stats { return session.Stats(f) }

func TestStatusConstants(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusHealthy, "healthy"},
		{StatusDegraded, "degraded"},
	}

	for _, tt := range tests {
		if string(tt.status) != tt.want {
			t.Errorf("Status %v = %q, want %q", tt.status, tt.status, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		want     string
	}{
		{"seconds", 30 * time.Second, "30s"},
		{"one minute", 1 * time.Minute, "1m"},
		{"minutes", 45 * time.Minute, "45m"},
		{"one hour", 1 * time.Hour, "1h 0m"},
		{"hours and minutes", 2*time.Hour + 30*time.Minute, "2h 30m"},
		{"one day", 24 * time.Hour, "1d 0h"},
		{"days and hours", 3*24*time.Hour + 5*time.Hour, "3d 5h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatDuration(tt.duration)
			if got != tt.want {
				t.Errorf("formatDuration(%v) = %q, want %q", tt.duration, got, tt.want)
			}
		})
	}
}

func TestCheck_Healthy(t *testing.T) {
	stats := fixedStats{
		Sessions:  3,
		Sandboxes: 2,
		ByState:   map[session.State]int{session.StateIdle: 2, session.StateProvisioning: 1},
	}
	c := NewChecker(stats, runtime.NewMockRuntime())
	c.started = time.Now().Add(-90 * time.Minute)

	report := c.Check(context.Background())

	if report.Status != StatusHealthy {
		t.Errorf("Status = %q, want healthy", report.Status)
	}
	if report.Sessions != 3 || report.Sandboxes != 2 {
		t.Errorf("counts = %d/%d, want 3/2", report.Sessions, report.Sandboxes)
	}
	if report.ByState["idle"] != 2 || report.ByState["provisioning"] != 1 {
		t.Errorf("ByState = %v", report.ByState)
	}
	if report.Runtime != "mock" {
		t.Errorf("Runtime = %q, want mock", report.Runtime)
	}
	if report.Uptime != "1h 30m" {
		t.Errorf("Uptime = %q, want 1h 30m", report.Uptime)
	}
}

func TestCheck_RuntimeUnreachable(t *testing.T) {
	rt := runtime.NewMockRuntime()
	rt.SetError("List", errors.New("daemon not running"))

	report := NewChecker(fixedStats{}, rt).Check(context.Background())

	if report.Status != StatusDegraded {
		t.Errorf("Status = %q, want degraded", report.Status)
	}
	if report.RuntimeError != "daemon not running" {
		t.Errorf("RuntimeError = %q", report.RuntimeError)
	}
}

func TestCheck_NoRuntime(t *testing.T) {
	report := NewChecker(fixedStats{}, nil).Check(context.Background())
	if report.Runtime != "none" || report.Status != StatusHealthy {
		t.Errorf("report = %+v", report)
	}
}

func TestReport_JSON(t *testing.T) {
	data, err := json.Marshal(Report{Status: StatusHealthy, ByState: map[string]int{}})
	if err != nil {
		t.Fatal(err)
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"status", "sessions", "sandboxes", "by_state", "runtime", "uptime"} {
		if _, ok := fields[key]; !ok {
			t.Errorf("missing %q in %s", key, data)
		}
	}
	if _, ok := fields["runtime_error"]; ok {
		t.Error("runtime_error should be omitted when empty")
	}
}
