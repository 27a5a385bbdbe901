// Package monitor reaps sessions whose sandboxes are no longer worth keeping.
package monitor

import (
	"context"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/metrics"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
)

// Reasons a session is reaped.
const (
	ReasonIdle    = "idle"
	ReasonStopped = "stopped"
)

// Sessions is the part of the session registry the monitor uses.
type Sessions interface {
	List() []session.Session
	IdleSince(cutoff time.Time) []session.Session
	Close(ctx context.Context, id string) error
	CloseIfIdleSince(ctx context.Context, id string, cutoff time.Time) (bool, error)
}

// CheckResult records one reaped session.
type CheckResult struct {
	Session string
	Sandbox string
	Reason  string
	Err     error
}

// Monitor periodically closes sessions idle past their TTL and sessions
// whose sandbox has stopped.
type Monitor struct {
	interval time.Duration
	ttl      time.Duration
	sessions Sessions
	rt       runtime.Runtime
	auditLog audit.Recorder
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithAuditLogger sets the recorder for reap events.
func WithAuditLogger(r audit.Recorder) Option {
	return func(m *Monitor) {
		m.auditLog = r
	}
}

// WithMetrics counts reaped sessions.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = mt
	}
}

// New creates a new Monitor. A zero ttl disables idle reaping.
func New(interval, ttl time.Duration, sessions Sessions, rt runtime.Runtime, opts ...Option) *Monitor {
	m := &Monitor{
		interval: interval,
		ttl:      ttl,
		sessions: sessions,
		rt:       rt,
		auditLog: audit.Discard,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the reaping loop. It blocks until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	logging.Debug("starting session reaper", "interval", m.interval, "ttl", m.ttl)

	// Run an immediate check, then loop on interval.
	m.checkAll(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Debug("session reaper stopping")
			return ctx.Err()
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

// checkAll closes every session that is idle past the TTL or whose sandbox
// is no longer running.
func (m *Monitor) checkAll(ctx context.Context) []CheckResult {
	var results []CheckResult
	reaped := make(map[string]bool)

	if m.ttl > 0 {
		cutoff := m.now().Add(-m.ttl)
		for _, s := range m.sessions.IdleSince(cutoff) {
			if ctx.Err() != nil {
				return results
			}
			// The snapshot may be stale by now; a request admitted since
			// keeps the session.
			result, ok := m.reap(s, ReasonIdle, func() (bool, error) {
				return m.sessions.CloseIfIdleSince(ctx, s.ID, cutoff)
			})
			if ok {
				results = append(results, result)
				reaped[s.ID] = true
			}
		}
	}

	if m.rt == nil {
		return results
	}
	for _, s := range m.sessions.List() {
		if ctx.Err() != nil {
			break
		}
		if reaped[s.ID] || s.State == session.StateProvisioning || s.SandboxID() == "" {
			continue
		}
		running, err := m.rt.IsRunning(ctx, s.SandboxID())
		if err != nil {
			logging.Warn("reaper failed to check sandbox", "session", s.ID, "sandbox", s.SandboxID(), "error", err)
			continue
		}
		if !running {
			result, _ := m.reap(s, ReasonStopped, func() (bool, error) {
				return true, m.sessions.Close(ctx, s.ID)
			})
			results = append(results, result)
		}
	}

	return results
}

// reap runs closeFn for s and records the outcome. It reports false when
// closeFn left the session alone.
func (m *Monitor) reap(s session.Session, reason string, closeFn func() (bool, error)) (CheckResult, bool) {
	result := CheckResult{Session: s.ID, Sandbox: s.SandboxID(), Reason: reason}

	closed, err := closeFn()
	if err != nil {
		logging.Warn("failed to reap session", "session", s.ID, "error", err)
		result.Err = err
		m.auditLog.Record(audit.Event{Type: audit.EventError, Session: s.ID, Sandbox: s.SandboxID(), Details: "reap failed: " + err.Error()})
		return result, true
	}
	if !closed {
		logging.Debug("session became active, not reaping", "session", s.ID)
		return result, false
	}

	logging.Info("reaped session", "session", s.ID, "sandbox", s.SandboxID(), "reason", reason)
	m.metrics.ObserveReaped()
	m.auditLog.Record(audit.Event{Type: audit.EventReap, Session: s.ID, Sandbox: s.SandboxID(), Details: reason})
	return result, true
}
