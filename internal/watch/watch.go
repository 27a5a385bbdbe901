// Package watch polls a sandbox's response log and output artifact and
// reports what changed since the previous poll.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"log/slog"
	"time"

	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/channel"
	ferrors "github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-orchestrator/internal/logging"
)

// FileReader reads files inside a sandbox. runtime.Runtime satisfies it.
type FileReader interface {
	ReadFile(ctx context.Context, id, path string) ([]byte, error)
}

// Options configures a Watcher.
type Options struct {
	SandboxID string

	// Responses is the response log path
	Responses string

	// Artifact is an optional file whose content changes are reported
	Artifact string

	// Interval between polls in Run
	Interval time.Duration

	Logger *slog.Logger
}

// ArtifactChange reports new content in the watched artifact.
type ArtifactChange struct {
	Path string
	Hash string
}

// Batch is the result of one poll.
type Batch struct {
	Records  []channel.ResponseRecord
	Artifact *ArtifactChange

	// Skipped counts malformed lines dropped in this poll
	Skipped int
}

// Empty reports whether the poll found nothing new.
func (b Batch) Empty() bool {
	return len(b.Records) == 0 && b.Artifact == nil
}

// Watcher holds the read cursor of one request. It is not safe for
// concurrent use; each request owns its own Watcher.
type Watcher struct {
	src  FileReader
	opts Options
	log  *slog.Logger

	cursor       int
	artifactHash string
}

// New creates a watcher starting at the beginning of the log.
func New(src FileReader, opts Options) *Watcher {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = logging.Logger
	}
	return &Watcher{
		src:  src,
		opts: opts,
		log:  opts.Logger.With("sandbox", opts.SandboxID, "component", "watch"),
	}
}

// Cursor returns the number of log lines consumed.
func (w *Watcher) Cursor() int {
	return w.cursor
}

// Sync moves the cursor past every complete line already in the log and
// records the artifact's current content as the baseline, so later polls
// report only what is written from now on.
func (w *Watcher) Sync(ctx context.Context) error {
	data, err := w.read(ctx, w.opts.Responses)
	if err != nil {
		return err
	}
	w.cursor = len(channel.CompleteLines(data))

	if w.opts.Artifact != "" {
		hash, err := w.hashArtifact(ctx)
		if err != nil {
			return err
		}
		w.artifactHash = hash
	}
	return nil
}

// Poll reads the lines appended since the last poll. Malformed lines are
// logged and skipped; the cursor still moves past them.
func (w *Watcher) Poll(ctx context.Context) (Batch, error) {
	var batch Batch

	data, err := w.read(ctx, w.opts.Responses)
	if err != nil {
		return batch, err
	}

	lines := channel.CompleteLines(data)
	if len(lines) < w.cursor {
		w.log.Warn("response log shrank, resetting cursor", "cursor", w.cursor, "lines", len(lines))
		w.cursor = len(lines)
	}

	for i := w.cursor; i < len(lines); i++ {
		if len(lines[i]) == 0 {
			continue
		}
		rec, err := channel.ParseResponse(lines[i])
		if err != nil {
			batch.Skipped++
			w.log.Warn("skipping response line", "error", ferrors.WorkerProtocol(i+1, err))
			continue
		}
		batch.Records = append(batch.Records, rec)
	}
	w.cursor = len(lines)

	if w.opts.Artifact != "" {
		hash, err := w.hashArtifact(ctx)
		if err != nil {
			return batch, err
		}
		if hash != "" && hash != w.artifactHash {
			batch.Artifact = &ArtifactChange{Path: w.opts.Artifact, Hash: hash}
		}
		w.artifactHash = hash
	}

	return batch, nil
}

// Run polls immediately and then every interval, passing each non-empty
// batch to fn, until fn returns true, a poll fails or ctx ends.
func (w *Watcher) Run(ctx context.Context, fn func(Batch) bool) error {
	ticker := time.NewTicker(w.opts.Interval)
	defer ticker.Stop()

	for {
		batch, err := w.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if !batch.Empty() && fn(batch) {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// read returns a file's content, treating a missing file as empty.
func (w *Watcher) read(ctx context.Context, p string) ([]byte, error) {
	data, err := w.src.ReadFile(ctx, w.opts.SandboxID, p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ferrors.ChannelReadFailed(p, err)
	}
	return data, nil
}

func (w *Watcher) hashArtifact(ctx context.Context) (string, error) {
	data, err := w.read(ctx, w.opts.Artifact)
	if err != nil || data == nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
