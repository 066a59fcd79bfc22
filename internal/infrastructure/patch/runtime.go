package patch

import (
	"context"
	"fmt"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

// ApprovalFunc prompts for explicit approval of one patch body.
type ApprovalFunc func(ctx context.Context, req entity.ApprovalRequest) (approved bool, err error)

// Runtime parses and applies patch bodies, always behind explicit
// approval (spec §4.9: "Approval requirement escalates to 'user approved
// explicitly' before executing" — unlike exec, there is no auto-approve
// or known-safe path for patches), and keeps one TurnDiffTracker per
// conversation.
type Runtime struct {
	mu         sync.Mutex
	trackers   map[string]*TurnDiffTracker
	approvalFn ApprovalFunc
	logger     *zap.Logger
}

func NewRuntime(approvalFn ApprovalFunc, logger *zap.Logger) *Runtime {
	return &Runtime{trackers: make(map[string]*TurnDiffTracker), approvalFn: approvalFn, logger: logger}
}

// TrackerFor returns the conversation's TurnDiffTracker, creating it on
// first use.
func (r *Runtime) TrackerFor(conversationID string) *TurnDiffTracker {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trackers[conversationID]
	if !ok {
		t = NewTurnDiffTracker()
		r.trackers[conversationID] = t
	}
	return t
}

// Apply parses body, requires explicit approval, applies it against cwd,
// and records the resulting diffs on the conversation's tracker.
func (r *Runtime) Apply(ctx context.Context, conversationID, callID, body, cwd string) ([]FileDiff, error) {
	p, err := Parse(body)
	if err != nil {
		return nil, err
	}

	if r.approvalFn != nil {
		approved, err := r.approvalFn(ctx, entity.ApprovalRequest{
			CallID: callID,
			Patch:  body,
			Cwd:    cwd,
			Reason: "apply_patch requires explicit approval",
		})
		if err != nil {
			return nil, err
		}
		if !approved {
			return nil, fmt.Errorf("user rejected patch")
		}
	}

	diffs, err := Apply(p, cwd)
	if len(diffs) > 0 {
		r.TrackerFor(conversationID).Record(diffs)
	}
	if err != nil {
		return diffs, err
	}
	return diffs, nil
}
