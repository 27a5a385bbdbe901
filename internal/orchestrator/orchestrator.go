// Package orchestrator drives one chat request from admission to its
// terminal event.
//
// Run merges provisioning progress, the worker's response log and the
// request's own terminal conditions into a single ordered event channel.
// The channel is closed when the request ends; the transport appends done.
//
// A request on a new session provisions a sandbox and starts the worker with
// the prompt as its first command. A request on an existing session appends
// the prompt to the command queue. In both cases the response log is
// watched from the position it had before the prompt was dispatched, so
// only output of this request is relayed.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/audit"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/config"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/metrics"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/sandbox"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/watch"
)

// Request is one chat request.
type Request struct {
	// SessionID selects an existing session; empty starts a new one
	SessionID string

	Prompt string

	// Repo is cloned into a new session's sandbox; ignored for continuations
	Repo string
}

// Kind returns the metrics label of the request.
func (r Request) Kind() string {
	if r.SessionID == "" {
		return metrics.KindNew
	}
	return metrics.KindContinue
}

// Sandboxes provisions sandboxes and talks to their workers.
// *sandbox.Provisioner implements it.
type Sandboxes interface {
	Provision(ctx context.Context, req sandbox.Request) (session.Handle, error)
	StartWorker(ctx context.Context, req sandbox.WorkerRequest) error
	Channel(sandboxID string) *channel.Channel
}

// discardTimeout bounds the sandbox teardown of a session whose worker
// never started.
const discardTimeout = 30 * time.Second

// errSessionClosed is the cancellation cause of a request whose session was
// closed underneath it.
var errSessionClosed = fmt.Errorf("session closed")

// Orchestrator runs chat requests against the session registry.
type Orchestrator struct {
	registry  *session.Registry
	sandboxes Sandboxes
	files     watch.FileReader
	cfg       *config.Config
	metrics   *metrics.Metrics
	audit     audit.Recorder
	tracer    trace.Tracer
	log       *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics counts request outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithAudit records lifecycle events.
func WithAudit(r audit.Recorder) Option {
	return func(o *Orchestrator) { o.audit = r }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// New creates an Orchestrator. files reads the response log and artifact
// from sandboxes; runtime.Runtime satisfies it.
func New(registry *session.Registry, sandboxes Sandboxes, files watch.FileReader, cfg *config.Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:  registry,
		sandboxes: sandboxes,
		files:     files,
		cfg:       cfg,
		audit:     audit.Discard,
		tracer:    otel.Tracer("forage-orchestrator"),
		log:       logging.Logger.With("component", "orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes req, sending its events to out, and closes out when the
// request has ended. ctx is the client's lifetime: when it ends the request
// is abandoned and the session is left idle.
func (o *Orchestrator) Run(ctx context.Context, req Request, out chan<- stream.Event) {
	defer close(out)

	ctx, span := o.tracer.Start(ctx, "orchestrator.request", trace.WithAttributes(
		attribute.String("request.kind", req.Kind()),
		attribute.String("session.id", req.SessionID),
	))
	defer span.End()

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, o.cfg.Server.RequestTimeout.Duration)
	defer cancelTimeout()
	reqCtx, cancelReq := context.WithCancelCause(timeoutCtx)
	defer cancelReq(nil)

	r := &run{
		o:         o,
		req:       req,
		client:    ctx,
		ctx:       reqCtx,
		cancel:    func() { cancelReq(errSessionClosed) },
		out:       out,
		sessionID: req.SessionID,
		log:       o.log.With("session", req.SessionID),
	}

	outcome := r.execute()
	o.metrics.ObserveRequest(req.Kind(), outcome)

	span.SetAttributes(attribute.String("request.outcome", outcome), attribute.String("session.id", r.sessionID))
	if outcome != metrics.OutcomeComplete && outcome != metrics.OutcomeDisconnect {
		span.SetStatus(codes.Error, outcome)
	}
}

// run is the state of one request.
type run struct {
	o      *Orchestrator
	req    Request
	client context.Context
	ctx    context.Context
	cancel context.CancelFunc
	out    chan<- stream.Event
	log    *slog.Logger

	sessionID string
	sandboxID string
}

// emit sends e to the client. It reports false once the client is gone.
func (r *run) emit(e stream.Event) bool {
	select {
	case r.out <- e:
		if r.sessionID != "" {
			r.o.registry.Touch(r.sessionID)
		}
		return true
	case <-r.client.Done():
		return false
	}
}

func (r *run) record(typ audit.EventType, details string) {
	if r.sessionID == "" {
		return
	}
	r.o.audit.Record(audit.Event{Type: typ, Session: r.sessionID, Sandbox: r.sandboxID, Details: details})
}

func (r *run) execute() string {
	r.emit(stream.Status{Status: stream.StatusInitializing})

	var (
		sess      session.Session
		commandID string
		err       error
	)
	if r.req.SessionID == "" {
		sess, err = r.create()
	} else {
		sess, err = r.admit()
	}
	if err != nil {
		return r.fail(err)
	}
	defer r.o.registry.MarkIdle(sess.ID)

	w := watch.New(r.o.files, watch.Options{
		SandboxID: sess.SandboxID(),
		Responses: r.paths().Responses,
		Artifact:  r.o.cfg.Sandbox.Artifact,
		Interval:  r.o.cfg.Worker.PollInterval.Duration,
		Logger:    r.log,
	})
	err = w.Sync(r.ctx)
	if err == nil {
		if r.req.SessionID == "" {
			commandID, err = r.startWorker(sess)
		} else {
			commandID, err = r.enqueue(sess)
		}
	}
	if err != nil {
		outcome := r.fail(err)
		if r.req.SessionID == "" {
			r.discard(sess)
		}
		return outcome
	}

	r.log.Info("request dispatched", "command", commandID)
	r.record(audit.EventExecute, "command="+commandID)
	r.emit(stream.Status{Status: stream.StatusExecuting})

	return r.watch(w, sess, commandID)
}

// create provisions a new session.
func (r *run) create() (session.Session, error) {
	ctx, span := r.o.tracer.Start(r.ctx, "orchestrator.create_session")
	defer span.End()

	sess, err := r.o.registry.Create(ctx, r.req.Repo, func(ctx context.Context, id string) (session.Handle, error) {
		r.sessionID = id
		r.log = r.o.log.With("session", id)
		return r.o.sandboxes.Provision(ctx, sandbox.Request{
			SessionID: id,
			Repo:      r.req.Repo,
			Progress:  func(e stream.Event) { r.emit(e) },
		})
	})
	if err != nil {
		span.RecordError(err)
		return session.Session{}, err
	}

	r.sandboxID = sess.SandboxID()
	r.log = logging.ForSession(sess.ID, r.sandboxID)
	r.record(audit.EventCreate, repoDetails(r.req.Repo))

	r.emit(stream.Status{Status: stream.StatusConnectedToSession, SessionID: sess.ID, SandboxID: r.sandboxID})
	return r.o.registry.MarkExecuting(sess.ID, r.cancel)
}

// admit gates a continuation. Nothing touches the sandbox before it.
func (r *run) admit() (session.Session, error) {
	sess, err := r.o.registry.MarkExecuting(r.req.SessionID, r.cancel)
	if err != nil {
		return session.Session{}, err
	}
	r.sandboxID = sess.SandboxID()
	r.log = logging.ForSession(sess.ID, r.sandboxID)

	r.emit(stream.Status{Status: stream.StatusConnectedToSession, SessionID: sess.ID, SandboxID: r.sandboxID})
	return sess, nil
}

func (r *run) paths() channel.Paths {
	return r.o.sandboxes.Channel(r.sandboxID).Paths()
}

// startWorker runs the first prompt of a new session.
func (r *run) startWorker(sess session.Session) (string, error) {
	commandID := uuid.NewString()
	err := r.o.sandboxes.StartWorker(r.ctx, sandbox.WorkerRequest{
		SandboxID: sess.SandboxID(),
		CommandID: commandID,
		Prompt:    r.req.Prompt,
	})
	return commandID, err
}

// discard closes a new session whose worker never started. Nothing would
// read its command queue.
func (r *run) discard(sess session.Session) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.client), discardTimeout)
	defer cancel()

	r.log.Warn("closing session without a worker")
	r.record(audit.EventClose, "worker not started")
	if err := r.o.registry.Close(ctx, sess.ID); err != nil {
		r.log.Warn("failed to close session", "error", err)
	}
}

// enqueue hands a follow-up prompt to the running worker.
func (r *run) enqueue(sess session.Session) (string, error) {
	rec, err := r.o.sandboxes.Channel(sess.SandboxID()).Enqueue(r.ctx, r.req.Prompt)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// watch relays the response log until the command's terminal marker.
func (r *run) watch(w *watch.Watcher, sess session.Session, commandID string) string {
	tr := &translator{commandID: commandID, log: r.log}
	outcome := ""

	err := w.Run(r.ctx, func(b watch.Batch) bool {
		r.o.metrics.ObserveSkippedLines(b.Skipped)

		var terminal *channel.CommandComplete
		for _, rec := range b.Records {
			ev, cc := tr.translate(rec)
			if cc != nil {
				terminal = cc
				break
			}
			if ev != nil {
				r.emit(ev)
			}
		}
		if b.Artifact != nil {
			r.emit(stream.FileChange{Path: b.Artifact.Path, Hash: b.Artifact.Hash})
		}
		if terminal == nil {
			return false
		}

		// A terminal marker wins over a disconnect seen in the same poll.
		outcome = r.finish(sess, *terminal)
		return true
	})
	if err == nil {
		return outcome
	}
	return r.fail(err)
}

// finish emits the terminal event for a completed command.
func (r *run) finish(sess session.Session, cc channel.CommandComplete) string {
	if cc.ExitCode != 0 {
		tail := strings.Join(cc.StderrTail, "\n")
		err := errors.RuntimeFailed("agent", fmt.Errorf("exited with code %d: %s", cc.ExitCode, tail))
		r.log.Warn("agent failed", "exit_code", cc.ExitCode)
		r.record(audit.EventError, err.Error())
		r.emit(stream.Error{Message: err.Error(), Code: errors.Kind(err)})
		return metrics.OutcomeError
	}

	r.log.Info("request complete", "agent_session", cc.AgentSessionID)
	r.record(audit.EventComplete, "exit_code="+strconv.Itoa(cc.ExitCode))
	r.emit(stream.Complete{
		ExitCode:       cc.ExitCode,
		SessionID:      sess.ID,
		SandboxID:      sess.SandboxID(),
		ExposedURLs:    exposedURLs(sess.Handle),
		MCPEnabled:     sess.Handle.MCPEnabled,
		MCPGatewayURL:  sess.Handle.MCPGatewayURL,
		AgentSessionID: cc.AgentSessionID,
	})
	return metrics.OutcomeComplete
}

// fail ends the request on err. A gone client gets nothing more; the
// session stays for a later reconnect.
func (r *run) fail(err error) string {
	if r.client.Err() != nil {
		r.log.Info("client disconnected")
		r.record(audit.EventDisconnect, "")
		return metrics.OutcomeDisconnect
	}

	if r.ctx.Err() != nil {
		switch cause := context.Cause(r.ctx); {
		case errors.Is(cause, errSessionClosed):
			err = errors.New(errors.ExitSessionNotFound, fmt.Sprintf("session %s was closed", r.sessionID))
		case errors.Is(cause, context.DeadlineExceeded):
			err = errors.Timeout("request", cause)
		}
	}

	r.log.Warn("request failed", "error", err)
	r.record(audit.EventError, err.Error())
	r.emit(stream.Error{Message: err.Error(), Code: errors.Kind(err)})

	switch errors.GetExitCode(err) {
	case errors.ExitConflict, errors.ExitSessionNotFound:
		return metrics.OutcomeRejected
	case errors.ExitTimeout:
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeError
}

func exposedURLs(h session.Handle) map[string]string {
	if h.ExposedURLs == nil {
		return map[string]string{}
	}
	return maps.Clone(h.ExposedURLs)
}

func repoDetails(repo string) string {
	if repo == "" {
		return ""
	}
	return "repo=" + repo
}
