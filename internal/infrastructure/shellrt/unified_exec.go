package shellrt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	domaincontext "github.com/ngoclaw/agentcore/internal/domain/context"
	"github.com/ngoclaw/agentcore/internal/infrastructure/sandbox"
	"go.uber.org/zap"
)

const (
	maxSessions          = 64
	sessionWarnThreshold = 60
	ringBufferCap        = 1 << 20 // 1 MiB
	minYieldMs           = 250
	maxYieldMs           = 30000
	defaultMaxOutputTok  = 10000
)

// ringBuffer is an append-only byte buffer capped at ringBufferCap; once
// full, the oldest bytes are trimmed from the head to make room.
type ringBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (r *ringBuffer) write(p []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf.Write(p)
	if over := r.buf.Len() - ringBufferCap; over > 0 {
		r.buf.Next(over)
	}
}

// drain returns and clears everything written since the last drain.
func (r *ringBuffer) drain() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.buf.String()
	r.buf.Reset()
	return s
}

// execSession is one persistent unified_exec process.
type execSession struct {
	id       string
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	out      *ringBuffer
	done     chan struct{}
	exitCode *int
	mu       sync.Mutex
}

func (s *execSession) terminated() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// SessionTable is the unified_exec persistent-PTY session registry
// (spec §4.7.3): at most maxSessions concurrent sessions, each with a
// 1 MiB rolling output buffer trimmed from the head, and output handed
// back to callers truncated to a token budget.
type SessionTable struct {
	mu        sync.RWMutex
	sessions  map[string]*execSession
	tokenizer domaincontext.Tokenizer
	sandbox   *sandbox.Config
	logger    *zap.Logger
}

func NewSessionTable(sandboxCfg *sandbox.Config, tokenizer domaincontext.Tokenizer, logger *zap.Logger) *SessionTable {
	return &SessionTable{
		sessions:  make(map[string]*execSession),
		tokenizer: tokenizer,
		sandbox:   sandboxCfg,
		logger:    logger,
	}
}

// Count returns the number of live sessions.
func (t *SessionTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// ExecResult is the outcome of one exec_command call.
type ExecResult struct {
	SessionID string
	Output    string
	ExitCode  *int
	Warning   string // non-empty when the table is near its session cap
}

// ExecCommand opens a new session running shellCommand, or reuses the
// session named by sessionID if it is still alive, and yields up to
// yieldMs (clamped to [250,30000]) of its output, truncated to
// maxOutputTokens (0 means the default of 10000).
func (t *SessionTable) ExecCommand(ctx context.Context, sessionID, shellCommand string, yieldMs, maxOutputTokens int) (*ExecResult, error) {
	yieldMs = clamp(yieldMs, minYieldMs, maxYieldMs)
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTok
	}

	t.mu.RLock()
	sess, reused := t.sessions[sessionID]
	t.mu.RUnlock()

	if !reused || sess.terminated() {
		var err error
		sess, err = t.open(ctx, shellCommand)
		if err != nil {
			return nil, err
		}
	}

	output := t.yieldFor(sess, yieldMs)
	result := &ExecResult{SessionID: sess.id, Output: truncateToTokenBudget(output, maxOutputTokens, t.tokenizer)}
	if sess.terminated() {
		sess.mu.Lock()
		result.ExitCode = sess.exitCode
		sess.mu.Unlock()
	}

	t.mu.RLock()
	count := len(t.sessions)
	t.mu.RUnlock()
	if count >= sessionWarnThreshold {
		result.Warning = fmt.Sprintf("unified_exec session table at %d/%d", count, maxSessions)
	}
	return result, nil
}

func (t *SessionTable) open(ctx context.Context, shellCommand string) (*execSession, error) {
	t.mu.Lock()
	if len(t.sessions) >= maxSessions {
		t.mu.Unlock()
		return nil, ErrSessionTableFull
	}
	t.mu.Unlock()

	cmd := exec.Command("bash", "-c", shellCommand)
	if t.sandbox != nil {
		cmd.Dir = t.sandbox.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("unified_exec stdin pipe: %w", err)
	}
	out := &ringBuffer{}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("unified_exec stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("unified_exec start: %w", err)
	}

	sess := &execSession{
		id:    uuid.NewString(),
		cmd:   cmd,
		stdin: stdin,
		out:   out,
		done:  make(chan struct{}),
	}

	go io.Copy(writerFunc(out.write), stdoutPipe)
	go func() {
		err := cmd.Wait()
		code := cmd.ProcessState.ExitCode()
		if err != nil && code < 0 {
			code = -1
		}
		sess.mu.Lock()
		sess.exitCode = &code
		sess.mu.Unlock()
		close(sess.done)

		t.mu.Lock()
		delete(t.sessions, sess.id)
		t.mu.Unlock()
	}()

	t.mu.Lock()
	t.sessions[sess.id] = sess
	t.mu.Unlock()

	if t.logger != nil {
		t.logger.Info("unified_exec session opened", zap.String("session_id", sess.id))
	}
	return sess, nil
}

// WriteStdin pushes bytes to an existing session and waits the same
// yield window as ExecCommand. Writing to a terminated or unknown
// session returns ErrUnknownSession.
func (t *SessionTable) WriteStdin(sessionID, data string, yieldMs, maxOutputTokens int) (*ExecResult, error) {
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok || sess.terminated() {
		return nil, ErrUnknownSession
	}

	if _, err := sess.stdin.Write([]byte(data)); err != nil {
		return nil, fmt.Errorf("unified_exec write_stdin: %w", err)
	}

	yieldMs = clamp(yieldMs, minYieldMs, maxYieldMs)
	if maxOutputTokens <= 0 {
		maxOutputTokens = defaultMaxOutputTok
	}
	output := t.yieldFor(sess, yieldMs)
	return &ExecResult{SessionID: sess.id, Output: truncateToTokenBudget(output, maxOutputTokens, t.tokenizer)}, nil
}

// yieldFor waits up to yieldMs for output to arrive, or until the
// session terminates, then drains whatever is buffered.
func (t *SessionTable) yieldFor(sess *execSession, yieldMs int) string {
	select {
	case <-time.After(time.Duration(yieldMs) * time.Millisecond):
	case <-sess.done:
	}
	return sess.out.drain()
}

// Terminate kills a session's process, if still running, and removes it
// from the table.
func (t *SessionTable) Terminate(sessionID string) error {
	t.mu.RLock()
	sess, ok := t.sessions[sessionID]
	t.mu.RUnlock()
	if !ok {
		return ErrUnknownSession
	}
	if !sess.terminated() {
		_ = sess.cmd.Process.Kill()
	}
	t.mu.Lock()
	delete(t.sessions, sessionID)
	t.mu.Unlock()
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncateToTokenBudget keeps the first half and last half of output when
// it exceeds maxTokens, joined by an ellipsis marker (spec §4.7.3).
func truncateToTokenBudget(output string, maxTokens int, tokenizer domaincontext.Tokenizer) string {
	if tokenizer == nil || tokenizer.Count(output) <= maxTokens {
		return output
	}

	runes := []rune(output)
	// Binary-search-free approximation: split proportional to the token
	// overshoot, then trim to rune boundaries.
	keepChars := len(runes) * maxTokens / (tokenizer.Count(output) + 1)
	half := keepChars / 2
	if half < 1 {
		half = 1
	}
	if half*2 >= len(runes) {
		return output
	}
	head := string(runes[:half])
	tail := string(runes[len(runes)-half:])
	return head + "\n... [output truncated to fit token budget] ...\n" + tail
}

type writerFunc func(p []byte)

func (w writerFunc) Write(p []byte) (int, error) {
	w(p)
	return len(p), nil
}
