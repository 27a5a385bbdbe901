// Package session tracks sandbox-bound sessions and their lifecycle.
//
// The Registry is the only owner of session state. All reads return copies
// and all transitions happen under its lock, so concurrent request handlers
// never share a mutable session. MarkExecuting is the gate that keeps at
// most one request in flight per session.
package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
)

// Handle is what provisioning produces for a session.
type Handle struct {
	SandboxID     string
	ProjectPath   string
	ExposedURLs   map[string]string
	MCPEnabled    bool
	MCPGatewayURL string
}

// Session is a snapshot of one session.
type Session struct {
	ID             string
	Handle         Handle
	Repo           string
	State          State
	CreatedAt      time.Time
	LastActivityAt time.Time
	Requests       int
}

// SandboxID returns the id of the session's sandbox.
func (s Session) SandboxID() string {
	return s.Handle.SandboxID
}

// ProvisionFunc creates the sandbox for a new session.
type ProvisionFunc func(ctx context.Context, sessionID string) (Handle, error)

// Destroyer releases a sandbox. runtime.Runtime satisfies it.
type Destroyer interface {
	Destroy(ctx context.Context, id string) error
}

// Stats summarizes the registry.
type Stats struct {
	Sessions  int
	Sandboxes int
	ByState   map[State]int
}

type entry struct {
	session Session
	cancel  context.CancelFunc
}

// Registry holds every live session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	destroy  Destroyer
	now      func() time.Time
	log      *slog.Logger

	// OnChange, when set, is called after every state change
	OnChange func(Session)
}

// NewRegistry creates an empty registry.
func NewRegistry(destroy Destroyer) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		destroy:  destroy,
		now:      time.Now,
		log:      logging.Logger.With("component", "registry"),
	}
}

func (r *Registry) changed(s Session) {
	if r.OnChange != nil {
		r.OnChange(s)
	}
}

// Create registers a new session in provisioning state and runs provision.
// On success the session is ready; on failure it is closed, removed and a
// ProvisionError is returned. A session closed while provisioning has its
// new sandbox released.
func (r *Registry) Create(ctx context.Context, repo string, provision ProvisionFunc) (Session, error) {
	now := r.now()
	id := uuid.NewString()

	initial := Session{
		ID:             id,
		Repo:           repo,
		State:          StateProvisioning,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	r.mu.Lock()
	r.sessions[id] = &entry{session: initial}
	r.mu.Unlock()
	r.changed(initial)

	r.log.Debug("provisioning session", "session", id)
	handle, err := provision(ctx, id)

	r.mu.Lock()
	e, ok := r.sessions[id]
	if err != nil || !ok {
		delete(r.sessions, id)
		r.mu.Unlock()
		closed := initial
		closed.State = StateClosed
		r.changed(closed)

		if err == nil {
			// Closed while provisioning: the sandbox has no owner left.
			r.release(handle.SandboxID)
			return Session{}, errors.SessionNotFound(id)
		}
		if errors.HasCode(err, errors.ExitProvision) || errors.HasCode(err, errors.ExitTimeout) {
			return Session{}, err
		}
		return Session{}, errors.ProvisionFailed(err)
	}

	e.session.Handle = handle
	e.session.State = StateReady
	e.session.LastActivityAt = r.now()
	snapshot := e.session
	r.mu.Unlock()

	r.changed(snapshot)
	r.log.Info("session ready", "session", id, "sandbox", handle.SandboxID)
	return snapshot, nil
}

// Resolve returns a session by id.
func (r *Registry) Resolve(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Session{}, errors.SessionNotFound(id)
	}
	return e.session, nil
}

// Lookup finds a session by session id or by sandbox id.
func (r *Registry) Lookup(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[id]; ok {
		return e.session, true
	}
	for _, e := range r.sessions {
		if e.session.Handle.SandboxID != "" && e.session.Handle.SandboxID == id {
			return e.session, true
		}
	}
	return Session{}, false
}

// MarkExecuting admits a request on a ready or idle session. cancel aborts
// the request if the session is closed while it runs. It fails with
// SessionNotFound or, when a request is already running, ConflictError.
func (r *Registry) MarkExecuting(id string, cancel context.CancelFunc) (Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return Session{}, errors.SessionNotFound(id)
	}
	if e.session.State == StateExecuting || e.session.State == StateProvisioning {
		r.mu.Unlock()
		return Session{}, errors.Conflict(id)
	}
	if err := checkTransition(id, e.session.State, StateExecuting); err != nil {
		r.mu.Unlock()
		return Session{}, errors.Wrap(errors.ExitGeneralError, "cannot start request", err)
	}

	e.session.State = StateExecuting
	e.session.LastActivityAt = r.now()
	e.session.Requests++
	e.cancel = cancel
	snapshot := e.session
	r.mu.Unlock()

	r.changed(snapshot)
	return snapshot, nil
}

// MarkIdle ends the running request of a session. It is a no-op for
// sessions that are gone or not executing.
func (r *Registry) MarkIdle(id string) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.session.State != StateExecuting {
		r.mu.Unlock()
		return
	}
	e.session.State = StateIdle
	e.session.LastActivityAt = r.now()
	e.cancel = nil
	snapshot := e.session
	r.mu.Unlock()

	r.changed(snapshot)
}

// Touch records activity on a session.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok {
		e.session.LastActivityAt = r.now()
	}
}

// Close cancels any running request, removes the session and destroys its
// sandbox. Closing an unknown or already closed session is a no-op.
func (r *Registry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	return r.remove(ctx, id, e)
}

// CloseIfIdleSince closes a session only if it is still ready or idle with
// no activity after cutoff. It reports whether the session was closed.
func (r *Registry) CloseIfIdleSince(ctx context.Context, id string, cutoff time.Time) (bool, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || !isStale(e.session, cutoff) {
		r.mu.Unlock()
		return false, nil
	}
	return true, r.remove(ctx, id, e)
}

// remove is called with r.mu held and releases it.
func (r *Registry) remove(ctx context.Context, id string, e *entry) error {
	delete(r.sessions, id)
	cancel := e.cancel
	snapshot := e.session
	snapshot.State = StateClosed
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.changed(snapshot)
	r.log.Info("closing session", "session", id, "sandbox", snapshot.Handle.SandboxID)

	if snapshot.Handle.SandboxID == "" {
		return nil
	}
	if err := r.destroy.Destroy(ctx, snapshot.Handle.SandboxID); err != nil {
		return errors.RuntimeFailed("destroy", err)
	}
	return nil
}

func (r *Registry) release(sandboxID string) {
	if sandboxID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.destroy.Destroy(ctx, sandboxID); err != nil {
		r.log.Warn("failed to release orphaned sandbox", "sandbox", sandboxID, "error", err)
	}
}

// CloseAll closes every session, collecting failures.
func (r *Registry) CloseAll(ctx context.Context) error {
	var result *multierror.Error
	for _, s := range r.List() {
		if err := r.Close(ctx, s.ID); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// List returns all sessions ordered by creation time.
func (r *Registry) List() []Session {
	r.mu.Lock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		sessions = append(sessions, e.session)
	}
	r.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions
}

// IdleSince returns ready or idle sessions with no activity after cutoff.
func (r *Registry) IdleSince(cutoff time.Time) []Session {
	var stale []Session
	for _, s := range r.List() {
		if isStale(s, cutoff) {
			stale = append(stale, s)
		}
	}
	return stale
}

func isStale(s Session, cutoff time.Time) bool {
	return (s.State == StateIdle || s.State == StateReady) && s.LastActivityAt.Before(cutoff)
}

// Stats counts sessions per state and live sandboxes.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{ByState: make(map[State]int)}
	for _, e := range r.sessions {
		stats.Sessions++
		stats.ByState[e.session.State]++
		if e.session.Handle.SandboxID != "" {
			stats.Sandboxes++
		}
	}
	return stats
}
