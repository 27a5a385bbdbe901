// Package server provides the orchestrator's HTTP surface and streaming
// transport.
//
// # Routes
//
//	POST   /chat               start a session and stream its first request
//	POST   /chat/{session_id}  stream a follow-up request on a session
//	DELETE /sandbox/{id}       close a session by session or sandbox id
//	GET    /health             session counts and provider reachability
//	GET    /metrics            Prometheus metrics, when enabled
//
// # Streaming
//
// Chat responses are text/event-stream. Each event is framed as
//
//	data: <json>\n\n
//
// and the last event is always {"type":"done"}. Heartbeats are written when
// the stream has been quiet for the configured interval. Request bodies are
// validated before the stream starts, so malformed requests get a 400 with a
// JSON error body; every later failure is an error event followed by done.
//
// When the client goes away the request's context is cancelled. The
// session is left idle with its sandbox running, so the client can continue
// it with POST /chat/{session_id}.
//
// # Middleware
//
//   - CORS for the configured origins, including preflight requests
//   - Per-client rate limiting of chat requests
//   - Request logging at debug level
package server
