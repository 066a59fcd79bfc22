package tool

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

type fnHandler struct {
	serial bool
	fn     func(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error)
}

func (h *fnHandler) Handle(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
	return h.fn(ctx, call)
}
func (h *fnHandler) SerialOnly() bool { return h.serial }

func TestRouter_Dispatch_PreservesCallOrder(t *testing.T) {
	r := NewRouter()
	r.RegisterHandler(entity.PayloadFunction, &fnHandler{fn: func(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
		return entity.NewFunctionCallOutput(call.CallID, "out-"+call.CallID), nil
	}})

	calls := []entity.ToolCall{
		{CallID: "c1", Payload: entity.ToolPayload{Kind: entity.PayloadFunction}},
		{CallID: "c2", Payload: entity.ToolPayload{Kind: entity.PayloadFunction}},
		{CallID: "c3", Payload: entity.ToolPayload{Kind: entity.PayloadFunction}},
	}
	results := r.Dispatch(context.Background(), calls, true)

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"out-c1", "out-c2", "out-c3"} {
		if results[i].Output != want {
			t.Errorf("results[%d].Output = %q, want %q", i, results[i].Output, want)
		}
	}
}

func TestRouter_Dispatch_SerialOnlyNeverOverlaps(t *testing.T) {
	r := NewRouter()
	var inFlight int32
	var sawOverlap int32
	r.RegisterHandler(entity.PayloadLocalShell, &fnHandler{
		serial: true,
		fn: func(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
			if atomic.AddInt32(&inFlight, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			defer atomic.AddInt32(&inFlight, -1)
			return entity.NewFunctionCallOutput(call.CallID, "ok"), nil
		},
	})

	calls := make([]entity.ToolCall, 20)
	for i := range calls {
		calls[i] = entity.ToolCall{CallID: fmt.Sprintf("c%d", i), Payload: entity.ToolPayload{Kind: entity.PayloadLocalShell}}
	}
	r.Dispatch(context.Background(), calls, true)

	if atomic.LoadInt32(&sawOverlap) != 0 {
		t.Error("serial-only handler calls overlapped")
	}
}

func TestRouter_Dispatch_NoHandlerRegistered_ReturnsErrorOutput(t *testing.T) {
	r := NewRouter()
	calls := []entity.ToolCall{{CallID: "c1", Payload: entity.ToolPayload{Kind: entity.PayloadMcp}}}

	results := r.Dispatch(context.Background(), calls, true)
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Output == "" {
		t.Error("expected a non-empty error output when no handler is registered")
	}
}

func TestRouter_Dispatch_HandlerError_ReturnsErrorOutput(t *testing.T) {
	r := NewRouter()
	r.RegisterHandler(entity.PayloadFunction, &fnHandler{fn: func(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
		return entity.ResponseItem{}, fmt.Errorf("boom")
	}})
	calls := []entity.ToolCall{{CallID: "c1", Payload: entity.ToolPayload{Kind: entity.PayloadFunction}}}

	results := r.Dispatch(context.Background(), calls, true)
	if results[0].Output != "boom" {
		t.Errorf("Output = %q, want boom", results[0].Output)
	}
}

func TestRouter_Dispatch_CustomToolError_UsesCustomOutputKind(t *testing.T) {
	r := NewRouter()
	r.RegisterHandler(entity.PayloadCustom, &fnHandler{fn: func(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error) {
		return entity.ResponseItem{}, fmt.Errorf("custom failure")
	}})
	calls := []entity.ToolCall{{CallID: "c1", IsCustom: true, Payload: entity.ToolPayload{Kind: entity.PayloadCustom}}}

	results := r.Dispatch(context.Background(), calls, true)
	if results[0].Kind != entity.ItemCustomToolOutput {
		t.Errorf("Kind = %s, want custom_tool_call_output", results[0].Kind)
	}
}
