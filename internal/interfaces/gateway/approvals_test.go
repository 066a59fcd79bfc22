package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

func TestPendingApprovals_RegisterResolveRoundTrip(t *testing.T) {
	p := NewPendingApprovals()
	ch := p.Register("conv-1", "call-1")

	p.Resolve("conv-1", "call-1", true)

	select {
	case approved, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before delivering an answer")
		}
		if !approved {
			t.Fatal("expected approved=true")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for resolve")
	}
}

func TestPendingApprovals_ResolveUnknownKeyIsNoop(t *testing.T) {
	p := NewPendingApprovals()
	p.Resolve("conv-1", "call-1", true) // nobody registered this — must not panic
}

func TestPendingApprovals_CancelClosesChannelUnanswered(t *testing.T) {
	p := NewPendingApprovals()
	ch := p.Register("conv-1", "call-1")

	p.cancel("conv-1", "call-1")

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed, got a value")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancel")
	}
}

func TestApprovalFunc_RequiresConversationInContext(t *testing.T) {
	p := NewPendingApprovals()
	_, err := p.ApprovalFunc(context.Background(), entity.ApprovalRequest{CallID: "call-1"})
	if err == nil {
		t.Fatal("expected an error when no conversation id is bound to ctx")
	}
}

func TestApprovalFunc_ResolvesAndEmitsEvent(t *testing.T) {
	p := NewPendingApprovals()
	eventCh := make(chan entity.EventMsg, 4)
	ctx := entity.WithConversationID(context.Background(), "conv-1")
	ctx = entity.WithEventChannel(ctx, eventCh)

	result := make(chan bool, 1)
	errc := make(chan error, 1)
	go func() {
		approved, err := p.ApprovalFunc(ctx, entity.ApprovalRequest{CallID: "call-1", Command: []string{"rm", "-rf", "/tmp/x"}})
		result <- approved
		errc <- err
	}()

	select {
	case ev := <-eventCh:
		if ev.Kind != entity.EventMsgApprovalRequest {
			t.Fatalf("expected approval_request event, got %q", ev.Kind)
		}
		if ev.CallID != "call-1" {
			t.Fatalf("expected call id call-1, got %q", ev.CallID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for approval_request event")
	}

	p.Resolve("conv-1", "call-1", true)

	select {
	case approved := <-result:
		if !approved {
			t.Fatal("expected approved=true")
		}
		if err := <-errc; err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ApprovalFunc to return")
	}
}

func TestApprovalFunc_CtxCancelledWhileWaiting(t *testing.T) {
	p := NewPendingApprovals()
	eventCh := make(chan entity.EventMsg, 4)
	ctx, cancel := context.WithCancel(context.Background())
	ctx = entity.WithConversationID(ctx, "conv-1")
	ctx = entity.WithEventChannel(ctx, eventCh)

	done := make(chan error, 1)
	go func() {
		_, err := p.ApprovalFunc(ctx, entity.ApprovalRequest{CallID: "call-1"})
		done <- err
	}()

	<-eventCh // wait for the request event so Register has definitely happened
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected an error after ctx cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ApprovalFunc to unblock on cancel")
	}
}
