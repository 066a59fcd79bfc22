// Package rollout implements the Rollout Recorder (spec §4.13, §6):
// append-only NDJSON persistence of every RolloutItem, line-by-line
// replay on resume, and a SQLite-backed index for Fork lookups.
// Grounded on the teacher's persistence package (gorm + sqlite) for the
// index half; the NDJSON half has no teacher analogue and is written
// fresh against the spec's "newline-delimited JSON... writes funneled
// through a dedicated writer task" description.
package rollout

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// Recorder appends RolloutItems to one conversation's NDJSON file.
// Writes are funneled through a single background goroutine reading
// from writeCh, so concurrent Append callers never interleave partial
// lines (spec §5: "writes funneled through a dedicated writer task").
type Recorder struct {
	path    string
	file    *os.File
	writeCh chan writeRequest
	done    chan struct{}
	logger  *zap.Logger

	closeOnce sync.Once
}

type writeRequest struct {
	item entity.RolloutItem
	errc chan error
}

// NewRecorder creates (or truncates) the rollout file at path and starts
// its writer goroutine.
func NewRecorder(path string, logger *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rollout: create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("rollout: open %s: %w", path, err)
	}

	r := &Recorder{
		path:    path,
		file:    f,
		writeCh: make(chan writeRequest, 64),
		done:    make(chan struct{}),
		logger:  logger,
	}
	go r.writerLoop()
	return r, nil
}

func (r *Recorder) writerLoop() {
	defer close(r.done)
	enc := json.NewEncoder(r.file)
	for req := range r.writeCh {
		err := enc.Encode(req.item)
		if err == nil {
			err = r.file.Sync()
		}
		if req.errc != nil {
			req.errc <- err
		} else if err != nil && r.logger != nil {
			r.logger.Warn("rollout append failed", zap.String("path", r.path), zap.Error(err))
		}
	}
}

// Append enqueues one item and blocks until it has been written (or the
// write failed).
func (r *Recorder) Append(item entity.RolloutItem) error {
	errc := make(chan error, 1)
	r.writeCh <- writeRequest{item: item, errc: errc}
	return <-errc
}

// Close flushes any queued writes and closes the underlying file
// (spec §5 cancellation semantics: "the rollout writer: flush-then-close").
func (r *Recorder) Close() error {
	var closeErr error
	r.closeOnce.Do(func() {
		close(r.writeCh)
		<-r.done
		closeErr = r.file.Close()
	})
	return closeErr
}

// Path returns the rollout file's path, for indexing.
func (r *Recorder) Path() string { return r.path }
