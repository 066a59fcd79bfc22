// Package gateway exposes the Conversation Manager over a WebSocket
// transport so more than one remote client can drive concurrent
// conversations against one agentcore process (spec §6: Op submission
// in, EventMsg stream out). Grounded on the teacher's
// internal/interfaces/websocket (Hub/Client/ServeWS) and
// internal/interfaces/agentgrpc (a server wrapping the agent loop,
// lifecycle-managed by Start/Stop) — the transport differs, but the
// "thin adapter in front of the same conversation engine" shape is the
// same.
package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// PendingApprovals routes one ApprovalFunc invocation per (conversation,
// call) to whichever client connection answers it. The orchestrator and
// patch runtime both block on the same ApprovalFunc signature
// (spec §4.8/§4.9); this registry is what lets that blocking call be
// resolved by an inbound WebSocket message instead of a terminal prompt.
type PendingApprovals struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewPendingApprovals returns an empty registry.
func NewPendingApprovals() *PendingApprovals {
	return &PendingApprovals{pending: make(map[string]chan bool)}
}

func approvalKey(conversationID, callID string) string {
	return conversationID + ":" + callID
}

// Register opens a slot for one pending approval and returns the channel
// that will receive its answer.
func (p *PendingApprovals) Register(conversationID, callID string) chan bool {
	ch := make(chan bool, 1)
	p.mu.Lock()
	p.pending[approvalKey(conversationID, callID)] = ch
	p.mu.Unlock()
	return ch
}

// Resolve answers a pending approval keyed by (conversationID, callID). A
// resolve for a key nobody registered (stale client message, already
// answered, or wrong conversation) is silently dropped.
func (p *PendingApprovals) Resolve(conversationID, callID string, approved bool) {
	key := approvalKey(conversationID, callID)
	p.mu.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()
	if ok {
		ch <- approved
		close(ch)
	}
}

// cancel drops a pending slot without answering it — used when the
// connection that would have answered it disconnects.
func (p *PendingApprovals) cancel(conversationID, callID string) {
	key := approvalKey(conversationID, callID)
	p.mu.Lock()
	ch, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()
	if ok {
		close(ch)
	}
}

// ApprovalFunc builds the shellrt.ApprovalFunc / patch runtime approval
// callback that emits an EventMsgApprovalRequest on the calling turn's
// event channel (via entity.EmitEvent, which reaches whichever client the
// Conversation Manager's Submit wired that channel to) and blocks for a
// matching inbound answer, or until ctx is cancelled (e.g. the turn is
// interrupted while approval is pending).
func (p *PendingApprovals) ApprovalFunc(ctx context.Context, req entity.ApprovalRequest) (bool, error) {
	conversationID, ok := entity.ConversationIDFromContext(ctx)
	if !ok {
		return false, fmt.Errorf("gateway: no conversation bound to approval request %s", req.CallID)
	}

	ch := p.Register(conversationID, req.CallID)
	ev := req
	entity.EmitEvent(ctx, entity.EventMsg{
		Kind:           entity.EventMsgApprovalRequest,
		CallID:         req.CallID,
		Command:        req.Command,
		ConversationID: conversationID,
		Approval:       &ev,
	})

	select {
	case approved, ok := <-ch:
		if !ok {
			return false, fmt.Errorf("gateway: approval request %s cancelled", req.CallID)
		}
		return approved, nil
	case <-ctx.Done():
		p.cancel(conversationID, req.CallID)
		return false, ctx.Err()
	}
}
