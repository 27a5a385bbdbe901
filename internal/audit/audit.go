// Package audit records session lifecycle events.
// Events are stored as JSON Lines (JSONL) files, one per session.
package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	securejoin "github.com/cyphar/filepath-securejoin"
)

// EventType classifies a lifecycle event.
type EventType string

const (
	EventCreate     EventType = "create"
	EventExecute    EventType = "execute"
	EventComplete   EventType = "complete"
	EventError      EventType = "error"
	EventDisconnect EventType = "disconnect"
	EventClose      EventType = "close"
	EventReap       EventType = "reap"
)

const logSuffix = ".events.jsonl"

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`
	Session   string    `json:"session"`
	Sandbox   string    `json:"sandbox,omitempty"`
	Details   string    `json:"details,omitempty"`
}

// Recorder accepts lifecycle events. *Logger implements it; Discard drops them.
type Recorder interface {
	Record(event Event)
}

type discard struct{}

func (discard) Record(Event) {}

// Discard is a Recorder that keeps nothing.
var Discard Recorder = discard{}

// Logger writes and reads audit events for sessions.
// Events are stored in {stateDir}/sessions/{id}.events.jsonl.
type Logger struct {
	dir string
	mu  sync.Mutex
}

// NewLogger creates a new audit logger rooted at stateDir.
func NewLogger(stateDir string) *Logger {
	return &Logger{dir: filepath.Join(stateDir, "sessions")}
}

// eventPath returns the JSONL log of a session, confined to the log directory.
func (l *Logger) eventPath(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return securejoin.SecureJoin(l.dir, sessionID+logSuffix)
}

// Log appends an event to the session's audit log.
func (l *Logger) Log(event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	path, err := l.eventPath(event.Session)
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Record logs an event, dropping write failures; auditing never fails a request.
func (l *Logger) Record(event Event) {
	_ = l.Log(event)
}

// LogEvent is a convenience method that creates and logs an event.
func (l *Logger) LogEvent(eventType EventType, sessionID, sandboxID, details string) error {
	return l.Log(Event{
		Timestamp: time.Now(),
		Type:      eventType,
		Session:   sessionID,
		Sandbox:   sandboxID,
		Details:   details,
	})
}

// Events reads all events for a session in chronological order.
func (l *Logger) Events(sessionID string) ([]Event, error) {
	path, err := l.eventPath(sessionID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			continue // Skip malformed lines
		}
		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return events, fmt.Errorf("error reading audit log: %w", err)
	}
	return events, nil
}

// Sessions lists the session ids that have an audit log.
func (l *Logger) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, logSuffix) {
			ids = append(ids, strings.TrimSuffix(name, logSuffix))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the audit log for a session.
func (l *Logger) Remove(sessionID string) error {
	path, err := l.eventPath(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
