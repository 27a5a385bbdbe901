package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/health"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/metrics"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/orchestrator"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/runtime"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/sandbox"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/session"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/testutil"
)

// scriptedRunner plays back fixed events for every request.
type scriptedRunner struct {
	events []stream.Event
	delay  time.Duration

	mu        sync.Mutex
	requests  []orchestrator.Request
	cancelled chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context, req orchestrator.Request, out chan<- stream.Event) {
	defer close(out)
	r.mu.Lock()
	r.requests = append(r.requests, req)
	r.mu.Unlock()

	for _, ev := range r.events {
		if r.delay > 0 {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				if r.cancelled != nil {
					close(r.cancelled)
				}
				return
			}
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

func (r *scriptedRunner) Requests() []orchestrator.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]orchestrator.Request(nil), r.requests...)
}

func newTestServer(t *testing.T, runner Runner, cfg *Config, opts ...Option) (*Server, *session.Registry, *runtime.MockRuntime) {
	t.Helper()
	rt := runtime.NewMockRuntime()
	reg := session.NewRegistry(rt)
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Heartbeat == 0 {
		cfg.Heartbeat = time.Second
	}
	s := New(cfg, runner, reg, health.NewChecker(reg, rt), opts...)
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s, reg, rt
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, body io.Reader) errorBody {
	t.Helper()
	var eb errorBody
	require.NoError(t, json.NewDecoder(body).Decode(&eb))
	return eb
}

func TestChat_StreamsEventsThenDone(t *testing.T) {
	runner := &scriptedRunner{events: []stream.Event{
		stream.Status{Status: stream.StatusInitializing},
		stream.TextDelta{Text: "hi"},
		stream.Complete{SessionID: "s1", SandboxID: "sbx-1", ExposedURLs: map[string]string{}},
	}}
	s, _, _ := newTestServer(t, runner, nil)

	w := post(t, s, "/chat", `{"prompt":"hello","repo":"https://example.test/repo.git"}`)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, "keep-alive", w.Header().Get("Connection"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))
	assert.True(t, strings.HasSuffix(w.Body.String(), "data: {\"type\":\"done\"}\n\n"), w.Body.String())

	events, err := stream.ReadAll(w.Body)
	require.NoError(t, err)
	require.Len(t, events, 4)
	assert.Equal(t, stream.TypeComplete, events[2].Type())
	assert.Equal(t, stream.TypeDone, events[3].Type())

	reqs := runner.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, orchestrator.Request{Prompt: "hello", Repo: "https://example.test/repo.git"}, reqs[0])
}

func TestChat_ContinuationIgnoresRepo(t *testing.T) {
	runner := &scriptedRunner{}
	s, _, _ := newTestServer(t, runner, nil)

	w := post(t, s, "/chat/session-1", `{"prompt":"again","repo":"ignored"}`)
	assert.Equal(t, http.StatusOK, w.Code)

	reqs := runner.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, orchestrator.Request{SessionID: "session-1", Prompt: "again"}, reqs[0])
}

func TestChat_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"prompt":`},
		{"empty prompt", `{"prompt":"  "}`},
		{"missing prompt", `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{}
			s, _, _ := newTestServer(t, runner, nil)

			w := post(t, s, "/chat", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", decodeError(t, w.Body).Error.Type)
			assert.Empty(t, runner.Requests())
		})
	}
}

func TestChat_Heartbeat(t *testing.T) {
	runner := &scriptedRunner{
		events: []stream.Event{stream.Status{Status: stream.StatusExecuting}},
		delay:  150 * time.Millisecond,
	}
	s, _, _ := newTestServer(t, runner, &Config{Heartbeat: 40 * time.Millisecond})

	w := post(t, s, "/chat", `{"prompt":"slow"}`)

	events, err := stream.ReadAll(w.Body)
	require.NoError(t, err)
	heartbeats := 0
	for _, ev := range events {
		if ev.Type() == stream.TypeHeartbeat {
			heartbeats++
		}
	}
	assert.GreaterOrEqual(t, heartbeats, 1)
	assert.Equal(t, stream.TypeDone, events[len(events)-1].Type())
}

func TestChat_ClientDisconnectCancelsRequest(t *testing.T) {
	runner := &scriptedRunner{
		events:    []stream.Event{stream.Status{Status: stream.StatusExecuting}},
		delay:     time.Minute,
		cancelled: make(chan struct{}),
	}
	s, _, _ := newTestServer(t, runner, nil)

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(`{"prompt":"x"}`)).WithContext(ctx)
	done := make(chan struct{})
	go func() {
		s.ServeHTTP(httptest.NewRecorder(), req)
		close(done)
	}()

	cancel()
	select {
	case <-runner.cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("request was not cancelled")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestDelete(t *testing.T) {
	s, reg, rt := newTestServer(t, &scriptedRunner{}, nil)
	rt.AddSandbox("sbx-1", runtime.StatusRunning)
	sess, err := reg.Create(context.Background(), "", func(context.Context, string) (session.Handle, error) {
		return session.Handle{SandboxID: "sbx-1"}, nil
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodDelete, "/sandbox/sbx-1", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp CloseResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, CloseResponse{Status: "closed", SessionID: sess.ID, SandboxID: "sbx-1"}, resp)
	assert.Len(t, rt.GetCallsFor("Destroy"), 1)

	// Closing again is a 404; nothing is destroyed twice.
	w = httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sandbox/"+sess.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "session_not_found", decodeError(t, w.Body).Error.Type)
	assert.Len(t, rt.GetCallsFor("Destroy"), 1)
}

func TestDelete_DestroyFailure(t *testing.T) {
	s, reg, rt := newTestServer(t, &scriptedRunner{}, nil)
	sess, err := reg.Create(context.Background(), "", func(context.Context, string) (session.Handle, error) {
		return session.Handle{SandboxID: "sbx-1"}, nil
	})
	require.NoError(t, err)
	rt.SetError("Destroy", assert.AnError)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/sandbox/"+sess.ID, nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "runtime_error", decodeError(t, w.Body).Error.Type)
}

func TestHealth(t *testing.T) {
	s, reg, _ := newTestServer(t, &scriptedRunner{}, nil)
	_, err := reg.Create(context.Background(), "", func(context.Context, string) (session.Handle, error) {
		return session.Handle{SandboxID: "sbx-1"}, nil
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var report health.Report
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.Equal(t, 1, report.Sessions)
	assert.Equal(t, 1, report.Sandboxes)
	assert.Equal(t, map[string]int{"ready": 1}, report.ByState)
}

func TestUnknownRoute(t *testing.T) {
	s, _, _ := newTestServer(t, &scriptedRunner{}, nil)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decodeError(t, w.Body).Error.Type)
}

func TestCORS(t *testing.T) {
	s, _, _ := newTestServer(t, &scriptedRunner{}, &Config{AllowedOrigins: []string{"http://localhost:5173"}})

	preflight := httptest.NewRequest(http.MethodOptions, "/chat", nil)
	preflight.Header.Set("Origin", "http://localhost:5173")
	preflight.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, preflight)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	other := httptest.NewRequest(http.MethodGet, "/health", nil)
	other.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	s.ServeHTTP(w, other)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	runner := &scriptedRunner{}
	s, _, _ := newTestServer(t, runner, &Config{RateLimitRequests: 2, RateLimitWindow: time.Minute})

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, post(t, s, "/chat", `{"prompt":"x"}`).Code)
	}
	w := post(t, s, "/chat", `{"prompt":"x"}`)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limit_error", decodeError(t, w.Body).Error.Type)
	assert.Len(t, runner.Requests(), 2)

	// Health is never limited.
	hw := httptest.NewRecorder()
	s.ServeHTTP(hw, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, hw.Code)
}

func TestRateLimiter_Window(t *testing.T) {
	rl := newRateLimiter(1, 50*time.Millisecond)
	defer rl.stop()

	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))
	assert.True(t, rl.allow("b"), "limits are per client")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, rl.allow("a"))

	rl.requests["stale"] = []time.Time{time.Now().Add(-time.Hour)}
	rl.cleanup()
	_, ok := rl.requests["stale"]
	assert.False(t, ok)
}

func TestClientAddr(t *testing.T) {
	assert.Equal(t, "192.0.2.1", clientAddr("192.0.2.1:4321"))
	assert.Equal(t, "pipe", clientAddr("pipe"))
}

func TestMetricsRoute(t *testing.T) {
	m := metrics.New(nil)
	runner := &scriptedRunner{events: []stream.Event{stream.TextDelta{Text: "x"}}}
	s, _, _ := newTestServer(t, runner, nil, WithMetrics(m))

	post(t, s, "/chat", `{"prompt":"x"}`)

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `forage_orchestrator_stream_events_total{type="text_delta"} 1`)
	assert.Contains(t, w.Body.String(), `forage_orchestrator_stream_events_total{type="done"} 1`)
}

// TestEndToEnd drives real requests through the orchestrator and an
// in-process worker.
func TestEndToEnd(t *testing.T) {
	env := testutil.NewTestEnv(t)
	reg := session.NewRegistry(env.Runtime)
	prov := sandbox.NewProvisioner(env.Runtime, env.Config)
	orch := orchestrator.New(reg, prov, env.Runtime, env.Config)
	s := New(&Config{Heartbeat: time.Second}, orch, reg, health.NewChecker(reg, env.Runtime))

	ts := httptest.NewServer(s)
	defer ts.Close()

	chat := func(path, prompt string) []stream.Event {
		body, _ := json.Marshal(ChatRequest{Prompt: prompt})
		resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(body))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		events, err := stream.ReadAll(resp.Body)
		require.NoError(t, err)
		require.Equal(t, stream.TypeDone, events[len(events)-1].Type())
		return events
	}

	first := chat("/chat", "remember 42")
	complete, ok := first[len(first)-2].(stream.Complete)
	require.True(t, ok, "got %T", first[len(first)-2])

	second := chat("/chat/"+complete.SessionID, "what number?")
	var text strings.Builder
	for _, ev := range second {
		if d, ok := ev.(stream.TextDelta); ok {
			text.WriteString(d.Text)
		}
	}
	assert.Equal(t, "The number is 42.", text.String())

	unknown := chat("/chat/does-not-exist", "hi")
	errEv, ok := unknown[len(unknown)-2].(stream.Error)
	require.True(t, ok)
	assert.Equal(t, "session_not_found", errEv.Code)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/sandbox/"+complete.SessionID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, reg.List())
}
