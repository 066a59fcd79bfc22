package service

import (
	"context"
	"testing"
	"time"

	domaincontext "github.com/ngoclaw/agentcore/internal/domain/context"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/infrastructure/llm/apierr"
	"go.uber.org/zap"
)

type scriptedStreamer struct {
	calls   int
	replies []func() (<-chan entity.ResponseEvent, error)
}

func (s *scriptedStreamer) StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt, model string) (<-chan entity.ResponseEvent, error) {
	i := s.calls
	s.calls++
	if i >= len(s.replies) {
		return nil, apierr.New(apierr.Fatal, "no more scripted replies")
	}
	return s.replies[i]()
}

func eventChannel(events ...entity.ResponseEvent) (<-chan entity.ResponseEvent, error) {
	ch := make(chan entity.ResponseEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

type fakeDispatcher struct {
	outputs []entity.ResponseItem
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, calls []entity.ToolCall, parallel bool) []entity.ResponseItem {
	if d.outputs != nil {
		return d.outputs
	}
	out := make([]entity.ResponseItem, 0, len(calls))
	for _, c := range calls {
		out = append(out, entity.NewFunctionCallOutput(c.CallID, "ok"))
	}
	return out
}

type fakePlan struct{ plan entity.Plan }

func (f fakePlan) Current() entity.Plan { return f.plan }

func newTestLoop(router Streamer, tools ToolDispatcher, cfg TurnLoopConfig) *TurnLoop {
	history := domaincontext.NewManager(nil)
	compactor := domaincontext.NewCompactor(nil, cfg.CompactKeepLast)
	return NewTurnLoop(router, tools, history, compactor, fakePlan{}, cfg, zap.NewNop())
}

func drain(ch <-chan entity.EventMsg, timeout time.Duration) []entity.EventMsg {
	var out []entity.EventMsg
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-deadline:
			return out
		}
	}
}

func TestTurnLoop_SimpleCompletion(t *testing.T) {
	streamer := &scriptedStreamer{replies: []func() (<-chan entity.ResponseEvent, error){
		func() (<-chan entity.ResponseEvent, error) {
			return eventChannel(
				entity.NewOutputTextDeltaEvent(0, "hi"),
				entity.NewOutputItemDoneEvent(0, entity.NewMessage(entity.RoleAssistant, entity.OutputText("hi"))),
				entity.NewCompletedEvent("resp1", entity.TokenUsage{TotalTokens: 42}),
			)
		},
	}}

	loop := newTestLoop(streamer, &fakeDispatcher{}, DefaultTurnLoopConfig())
	events, sm := loop.Run(context.Background(), "conv1", "hello")
	out := drain(events, 2*time.Second)

	if sm.State() != StateComplete {
		t.Fatalf("expected Complete, got %s", sm.State())
	}

	var sawComplete bool
	for _, ev := range out {
		if ev.Kind == entity.EventMsgTaskComplete {
			sawComplete = true
		}
		if ev.Kind == entity.EventMsgError {
			t.Fatalf("unexpected error event: %s", ev.Error)
		}
	}
	if !sawComplete {
		t.Fatal("expected a task_complete event")
	}
}

func TestTurnLoop_ToolCallThenComplete(t *testing.T) {
	streamer := &scriptedStreamer{replies: []func() (<-chan entity.ResponseEvent, error){
		func() (<-chan entity.ResponseEvent, error) {
			return eventChannel(
				entity.NewOutputItemDoneEvent(0, entity.NewFunctionCall("list_files", "call_1", `{"path":"."}`)),
				entity.NewCompletedEvent("resp1", entity.TokenUsage{TotalTokens: 10}),
			)
		},
		func() (<-chan entity.ResponseEvent, error) {
			return eventChannel(
				entity.NewOutputItemDoneEvent(0, entity.NewMessage(entity.RoleAssistant, entity.OutputText("done"))),
				entity.NewCompletedEvent("resp2", entity.TokenUsage{TotalTokens: 5}),
			)
		},
	}}

	loop := newTestLoop(streamer, &fakeDispatcher{}, DefaultTurnLoopConfig())
	events, sm := loop.Run(context.Background(), "conv1", "list files")
	_ = drain(events, 2*time.Second)

	if sm.State() != StateComplete {
		t.Fatalf("expected Complete after tool round-trip, got %s", sm.State())
	}
	if streamer.calls != 2 {
		t.Fatalf("expected two model calls (prepare->dispatch->prepare), got %d", streamer.calls)
	}
	if sm.Snapshot().ToolsExecuted != 1 {
		t.Fatalf("expected one tool execution recorded, got %d", sm.Snapshot().ToolsExecuted)
	}
}

func TestTurnLoop_RetriesRetryableWireError(t *testing.T) {
	streamer := &scriptedStreamer{replies: []func() (<-chan entity.ResponseEvent, error){
		func() (<-chan entity.ResponseEvent, error) {
			return nil, apierr.RetryAfter(1*time.Millisecond, "rate limited", nil)
		},
		func() (<-chan entity.ResponseEvent, error) {
			return eventChannel(
				entity.NewOutputItemDoneEvent(0, entity.NewMessage(entity.RoleAssistant, entity.OutputText("ok"))),
				entity.NewCompletedEvent("resp1", entity.TokenUsage{TotalTokens: 1}),
			)
		},
	}}

	cfg := DefaultTurnLoopConfig()
	cfg.RetryBaseWait = time.Millisecond
	loop := newTestLoop(streamer, &fakeDispatcher{}, cfg)
	events, sm := loop.Run(context.Background(), "conv1", "hi")
	_ = drain(events, 2*time.Second)

	if sm.State() != StateComplete {
		t.Fatalf("expected Complete after retry, got %s", sm.State())
	}
	if sm.Snapshot().RetryCount < 1 {
		t.Fatal("expected at least one retry recorded")
	}
}

func TestTurnLoop_FatalWireErrorSurfaces(t *testing.T) {
	streamer := &scriptedStreamer{replies: []func() (<-chan entity.ResponseEvent, error){
		func() (<-chan entity.ResponseEvent, error) {
			return nil, apierr.New(apierr.Unauthorized, "bad key")
		},
	}}

	loop := newTestLoop(streamer, &fakeDispatcher{}, DefaultTurnLoopConfig())
	events, sm := loop.Run(context.Background(), "conv1", "hi")
	out := drain(events, 2*time.Second)

	if sm.State() != StateError {
		t.Fatalf("expected Error state, got %s", sm.State())
	}
	found := false
	for _, ev := range out {
		if ev.Kind == entity.EventMsgError {
			found = true
		}
	}
	if !found {
		t.Fatal("expected an error event")
	}
}

func TestTurnLoop_ContextOverflowForcesCompactionThenRetries(t *testing.T) {
	var items []entity.ResponseItem
	for i := 0; i < 20; i++ {
		items = append(items, entity.NewMessage(entity.RoleUser, entity.InputText("filler")))
	}

	history := domaincontext.NewManager(nil)
	history.RecordItems(domaincontext.RecordAppend, items...)
	compactor := domaincontext.NewCompactor(nil, 5)

	streamer := &scriptedStreamer{replies: []func() (<-chan entity.ResponseEvent, error){
		func() (<-chan entity.ResponseEvent, error) {
			return nil, apierr.New(apierr.ContextWindowExceeded, "too many tokens")
		},
		func() (<-chan entity.ResponseEvent, error) {
			return eventChannel(
				entity.NewOutputItemDoneEvent(0, entity.NewMessage(entity.RoleAssistant, entity.OutputText("ok"))),
				entity.NewCompletedEvent("resp1", entity.TokenUsage{TotalTokens: 1}),
			)
		},
	}}

	cfg := DefaultTurnLoopConfig()
	cfg.CompactKeepLast = 5
	loop := NewTurnLoop(streamer, &fakeDispatcher{}, history, compactor, fakePlan{}, cfg, zap.NewNop())
	events, sm := loop.Run(context.Background(), "conv1", "")
	_ = drain(events, 2*time.Second)

	if sm.State() != StateComplete {
		t.Fatalf("expected Complete after forced compaction, got %s", sm.State())
	}
	if len(history.Items()) >= 20 {
		t.Fatalf("expected history to have been compacted, got %d items", len(history.Items()))
	}
}

func TestTurnLoop_LoopDetectorInjectsReflectionPrompt(t *testing.T) {
	repeated := func() (<-chan entity.ResponseEvent, error) {
		return eventChannel(
			entity.NewOutputItemDoneEvent(0, entity.NewFunctionCall("bash", "call_x", `{"cmd":"ls"}`)),
			entity.NewCompletedEvent("resp", entity.TokenUsage{TotalTokens: 1}),
		)
	}
	final := func() (<-chan entity.ResponseEvent, error) {
		return eventChannel(
			entity.NewOutputItemDoneEvent(0, entity.NewMessage(entity.RoleAssistant, entity.OutputText("giving up"))),
			entity.NewCompletedEvent("resp", entity.TokenUsage{TotalTokens: 1}),
		)
	}

	streamer := &scriptedStreamer{replies: []func() (<-chan entity.ResponseEvent, error){
		repeated, repeated, repeated, final,
	}}

	cfg := DefaultTurnLoopConfig()
	cfg.LoopWindowSize = 5
	cfg.LoopDetectThreshold = 3
	cfg.LoopNameThreshold = 99
	loop := newTestLoop(streamer, &fakeDispatcher{}, cfg)
	events, sm := loop.Run(context.Background(), "conv1", "run ls repeatedly")
	_ = drain(events, 2*time.Second)

	if sm.State() != StateComplete {
		t.Fatalf("expected eventual Complete, got %s", sm.State())
	}

	foundReflection := false
	for _, item := range loop.history.Items() {
		if item.Kind == entity.ItemMessage && item.Role == entity.RoleUser {
			if text := item.TextContent(); text != "" && text != "run ls repeatedly" {
				foundReflection = true
			}
		}
	}
	if !foundReflection {
		t.Fatal("expected a loop-detector reflection prompt injected into history")
	}
}
