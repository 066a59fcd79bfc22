package wire

import (
	"errors"
	"io"
	"time"
)

// ErrIdleTimeout is returned by IdleTimeoutReader.Read when no bytes arrive
// within the configured window.
var ErrIdleTimeout = errors.New("SSE read idle timeout")

// IdleTimeoutReader wraps an SSE body so a connection that goes quiet
// mid-stream (no bytes, no EOF, no error) unblocks instead of hanging the
// turn forever. Grounded on the teacher's openai_builtin.go timedReader —
// shared here by both wire protocols instead of duplicated per package.
type IdleTimeoutReader struct {
	R       io.Reader
	Timeout time.Duration
}

func (t *IdleTimeoutReader) Read(p []byte) (int, error) {
	type result struct {
		n   int
		err error
	}
	ch := make(chan result, 1)
	go func() {
		n, err := t.R.Read(p)
		ch <- result{n, err}
	}()
	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(t.Timeout):
		return 0, ErrIdleTimeout
	}
}

// IsIdleTimeout reports whether err originated from an IdleTimeoutReader
// timing out.
func IsIdleTimeout(err error) bool {
	return errors.Is(err, ErrIdleTimeout)
}
