package stream

import (
	"errors"
	"io"
	"sync"
)

var (
	// ErrStreamDone is returned for any event written after done.
	ErrStreamDone = errors.New("stream already finished")

	// ErrStreamFailed is returned for non-done events written after an error.
	ErrStreamFailed = errors.New("stream already failed")

	// ErrStreamComplete is returned for non-done events written after complete.
	ErrStreamComplete = errors.New("stream already complete")
)

// Guard tracks the ordering rules of one stream.
type Guard struct {
	failed    bool
	completed bool
	done      bool
}

// Admit records e if it may follow the events admitted so far.
func (g *Guard) Admit(e Event) error {
	if g.done {
		return ErrStreamDone
	}
	if _, ok := e.(Done); ok {
		g.done = true
		return nil
	}
	if g.failed {
		return ErrStreamFailed
	}
	if g.completed {
		return ErrStreamComplete
	}
	switch e.(type) {
	case Error:
		g.failed = true
	case Complete:
		g.completed = true
	}
	return nil
}

// Done reports whether done has been admitted.
func (g *Guard) Done() bool {
	return g.done
}

// Failed reports whether an error has been admitted.
func (g *Guard) Failed() bool {
	return g.failed
}

type flusher interface {
	Flush()
}

// Writer frames events onto an io.Writer, flushing after each one when the
// destination supports it.
type Writer struct {
	mu       sync.Mutex
	dst      io.Writer
	flush    flusher
	guard    Guard
	observer func(Event)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithObserver registers a callback invoked after each event is written.
func WithObserver(fn func(Event)) WriterOption {
	return func(w *Writer) {
		w.observer = fn
	}
}

// NewWriter creates a Writer.
func NewWriter(dst io.Writer, opts ...WriterOption) *Writer {
	w := &Writer{dst: dst}
	if f, ok := dst.(flusher); ok {
		w.flush = f
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Write writes one event. Events that break the stream ordering are
// rejected with ErrStreamDone, ErrStreamFailed or ErrStreamComplete and
// nothing is written.
func (w *Writer) Write(e Event) error {
	frame, err := Frame(e)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.guard.Admit(e); err != nil {
		return err
	}
	if _, err := w.dst.Write(frame); err != nil {
		return err
	}
	if w.flush != nil {
		w.flush.Flush()
	}
	if w.observer != nil {
		w.observer(e)
	}
	return nil
}

// Close writes done unless it has already been written.
func (w *Writer) Close() error {
	if w.Done() {
		return nil
	}
	return w.Write(Done{})
}

// Done reports whether done has been written.
func (w *Writer) Done() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.guard.Done()
}

// Failed reports whether an error event has been written.
func (w *Writer) Failed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.guard.Failed()
}
