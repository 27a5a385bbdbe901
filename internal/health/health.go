package health

import (
	"context"
	"fmt"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
)

// Status represents the health of the orchestrator
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"

	// RuntimeCheckTimeout bounds the provider probe of a health check.
	RuntimeCheckTimeout = 5 * time.Second
)

// Source provides session counts. *session.Registry satisfies it.
type Source interface {
	Stats() session.Stats
}

// Report is the body of GET /health.
type Report struct {
	Status    Status         `json:"status"`
	Sessions  int            `json:"sessions"`
	Sandboxes int            `json:"sandboxes"`
	ByState   map[string]int `json:"by_state"`
	Runtime   string         `json:"runtime"`

	// RuntimeError is set when the provider could not be reached
	RuntimeError string `json:"runtime_error,omitempty"`

	Uptime string `json:"uptime"`
}

// Checker builds health reports.
type Checker struct {
	source  Source
	rt      runtime.Runtime
	started time.Time
	now     func() time.Time
}

// NewChecker creates a checker. rt is optional; without it the runtime is
// reported as "none".
func NewChecker(source Source, rt runtime.Runtime) *Checker {
	return &Checker{source: source, rt: rt, started: time.Now(), now: time.Now}
}

// Check reports session counts and probes the provider by listing its
// sandboxes. It changes no state.
func (c *Checker) Check(ctx context.Context) Report {
	stats := c.source.Stats()
	report := Report{
		Status:    StatusHealthy,
		Sessions:  stats.Sessions,
		Sandboxes: stats.Sandboxes,
		ByState:   make(map[string]int, len(stats.ByState)),
		Runtime:   "none",
		Uptime:    formatDuration(c.now().Sub(c.started)),
	}
	for state, n := range stats.ByState {
		report.ByState[string(state)] = n
	}

	if c.rt == nil {
		return report
	}
	report.Runtime = c.rt.Name()

	ctx, cancel := context.WithTimeout(ctx, RuntimeCheckTimeout)
	defer cancel()
	if _, err := c.rt.List(ctx); err != nil {
		report.Status = StatusDegraded
		report.RuntimeError = err.Error()
	}
	return report
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	} else if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	} else if d < 24*time.Hour {
		hours := int(d.Hours())
		mins := int(d.Minutes()) % 60
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
