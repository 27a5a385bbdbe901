package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const maxFrameSize = 16 * 1024 * 1024

// Reader decodes a framed event stream. It skips the legacy [DONE]
// sentinel, comments and events of unknown type.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader creates a Reader.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF when the stream ends.
func (r *Reader) Next() (Event, error) {
	for r.scanner.Scan() {
		line := r.scanner.Bytes()
		payload, ok := bytes.CutPrefix(line, []byte("data:"))
		if !ok {
			continue
		}

		ev, err := Decode(payload)
		if errors.Is(err, ErrUnknownEvent) || errors.Is(err, ErrLegacyDone) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	if err := r.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// ReadAll collects events until done or the end of the stream.
func ReadAll(r io.Reader) ([]Event, error) {
	reader := NewReader(r)
	var events []Event
	for {
		ev, err := reader.Next()
		if err == io.EOF {
			return events, nil
		}
		if err != nil {
			return events, err
		}
		events = append(events, ev)
		if _, ok := ev.(Done); ok {
			return events, nil
		}
	}
}
