package stream

import (
	"context"
	"errors"
	"time"
)

// Relay writes events from ch to w until ch is closed or done is written.
// Whenever nothing has been written for heartbeat, a Heartbeat is sent.
// When ch closes without done, Relay writes it.
//
// Relay returns early with ctx's error when ctx ends, and with the write
// error when the destination fails. Events rejected by the stream ordering
// rules are dropped.
func Relay(ctx context.Context, ch <-chan Event, w *Writer, heartbeat time.Duration) error {
	timer := time.NewTimer(heartbeat)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(heartbeat)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-ch:
			if !ok {
				return w.Close()
			}
			if err := w.Write(ev); err != nil && !isOrderingError(err) {
				return err
			}
			if w.Done() {
				return nil
			}
			reset()

		case t := <-timer.C:
			if err := w.Write(Heartbeat{Timestamp: t.Unix()}); err != nil && !isOrderingError(err) {
				return err
			}
			timer.Reset(heartbeat)
		}
	}
}

func isOrderingError(err error) bool {
	return errors.Is(err, ErrStreamDone) || errors.Is(err, ErrStreamFailed) || errors.Is(err, ErrStreamComplete)
}
