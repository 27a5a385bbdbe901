package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/orchestrator"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/stream"
)

// maxBodyBytes bounds chat request bodies.
const maxBodyBytes = 1 << 20

// ChatRequest is the body of POST /chat and POST /chat/{session_id}.
type ChatRequest struct {
	Prompt string `json:"prompt"`
	Repo   string `json:"repo,omitempty"`
}

// CloseResponse is the body of a successful DELETE /sandbox/{id}.
type CloseResponse struct {
	Status    string `json:"status"`
	SessionID string `json:"session_id"`
	SandboxID string `json:"sandbox_id,omitempty"`
}

type errorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var body errorBody
	body.Error.Type = kind
	body.Error.Message = message
	writeJSON(w, status, body)
}

func writeErr(w http.ResponseWriter, err error) {
	writeError(w, errors.HTTPStatus(err), errors.Kind(err), err.Error())
}

// decodeChat validates a chat body. Failures here are answered with a plain
// HTTP error since the stream has not started.
func decodeChat(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var body ChatRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		return body, errors.ValidationError(fmt.Sprintf("invalid request body: %v", err))
	}
	if strings.TrimSpace(body.Prompt) == "" {
		return body, errors.ValidationError("prompt is required")
	}
	return body, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, err := decodeChat(w, r)
	if err != nil {
		writeErr(w, err)
		return
	}

	req := orchestrator.Request{
		SessionID: mux.Vars(r)["session_id"],
		Prompt:    body.Prompt,
		Repo:      body.Repo,
	}
	if req.SessionID != "" {
		req.Repo = ""
	}
	log := s.config.Logger.With("session", req.SessionID, "kind", req.Kind())

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan stream.Event)
	go s.runner.Run(ctx, req, out)

	sw := stream.NewWriter(w, stream.WithObserver(s.metrics.ObserveEvent))
	if err := stream.Relay(ctx, out, sw, s.config.Heartbeat); err != nil && ctx.Err() == nil {
		log.Warn("stream ended early", "error", err)
	}

	// Stop the request if the stream ended first, then wait for it to let go
	// of the channel.
	cancel()
	for range out {
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	sess, ok := s.sessions.Lookup(id)
	if !ok {
		writeErr(w, errors.SessionNotFound(id))
		return
	}

	if err := s.sessions.Close(r.Context(), sess.ID); err != nil {
		s.config.Logger.Warn("failed to close session", "session", sess.ID, "error", err)
		writeErr(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CloseResponse{
		Status:    "closed",
		SessionID: sess.ID,
		SandboxID: sess.SandboxID(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health.Check(r.Context()))
}
