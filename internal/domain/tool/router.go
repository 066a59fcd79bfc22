package tool

import (
	"context"
	"fmt"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// Handler executes one ToolCall and returns the ResponseItem to record as
// its output. Handlers that touch shared, order-sensitive state (the
// shell runtime's working directory, the patch runtime's file tree) must
// report SerialOnly so the Router never runs two of them concurrently.
type Handler interface {
	Handle(ctx context.Context, call entity.ToolCall) (entity.ResponseItem, error)
	// SerialOnly reports whether calls of this payload kind must be
	// dispatched one at a time, even when the model requested parallel
	// tool calls for this turn.
	SerialOnly() bool
}

// Router dispatches a batch of ToolCalls produced by one turn, honoring
// the per-kind parallel/serial rule (spec §4.6): function/custom/mcp
// calls run concurrently when the turn allows it; local_shell and
// unified_exec calls that mutate a shared working directory run serially.
type Router struct {
	mu       sync.RWMutex
	handlers map[entity.ToolPayloadKind]Handler
}

func NewRouter() *Router {
	return &Router{handlers: make(map[entity.ToolPayloadKind]Handler)}
}

func (r *Router) RegisterHandler(kind entity.ToolPayloadKind, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Dispatch runs every call in the batch, in parallel where the handler
// and the turn's ParallelToolCalls flag both allow it, and returns the
// FunctionCallOutput/CustomToolCallOutput items in call order.
func (r *Router) Dispatch(ctx context.Context, calls []entity.ToolCall, parallelAllowed bool) []entity.ResponseItem {
	results := make([]entity.ResponseItem, len(calls))

	var parallelIdx, serialIdx []int
	for i, call := range calls {
		h := r.handlerFor(call.Payload.Kind)
		if parallelAllowed && h != nil && !h.SerialOnly() {
			parallelIdx = append(parallelIdx, i)
		} else {
			serialIdx = append(serialIdx, i)
		}
	}

	var wg sync.WaitGroup
	for _, i := range parallelIdx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = r.dispatchOne(ctx, calls[i])
		}(i)
	}
	wg.Wait()

	for _, i := range serialIdx {
		results[i] = r.dispatchOne(ctx, calls[i])
	}

	return results
}

func (r *Router) handlerFor(kind entity.ToolPayloadKind) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[kind]
}

func (r *Router) dispatchOne(ctx context.Context, call entity.ToolCall) entity.ResponseItem {
	h := r.handlerFor(call.Payload.Kind)
	if h == nil {
		return errorOutput(call, fmt.Errorf("no handler registered for payload kind %q", call.Payload.Kind))
	}

	item, err := h.Handle(ctx, call)
	if err != nil {
		return errorOutput(call, err)
	}
	return item
}

func errorOutput(call entity.ToolCall, err error) entity.ResponseItem {
	if call.IsCustom {
		return entity.ResponseItem{Kind: entity.ItemCustomToolOutput, CallID: call.CallID, Output: err.Error()}
	}
	return entity.NewFunctionCallOutput(call.CallID, err.Error())
}
