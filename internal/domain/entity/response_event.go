package entity

// EventKind discriminates the ResponseEvent sum type — the normalized
// output of both wire protocols once decoded (spec §3).
type EventKind string

const (
	EventCreated                   EventKind = "created"
	EventOutputItemAdded           EventKind = "output_item.added"
	EventOutputTextDelta           EventKind = "output_text.delta"
	EventReasoningSummaryDelta     EventKind = "reasoning_summary.delta"
	EventReasoningContentDelta     EventKind = "reasoning_content.delta"
	EventReasoningSummaryPartAdded EventKind = "reasoning_summary_part.added"
	EventOutputItemDone            EventKind = "output_item.done"
	EventRateLimits                EventKind = "rate_limits"
	EventCompleted                 EventKind = "completed"
	EventStreamError               EventKind = "stream_error"
)

// TokenUsage is the per-call accounting the Context Manager folds into
// running totals (spec §3/§4.5).
type TokenUsage struct {
	InputTokens        int
	CachedInputTokens   int
	OutputTokens        int
	ReasoningOutputTokens int
	TotalTokens         int
}

// Add accumulates another sample into the running total.
func (t *TokenUsage) Add(o TokenUsage) {
	t.InputTokens += o.InputTokens
	t.CachedInputTokens += o.CachedInputTokens
	t.OutputTokens += o.OutputTokens
	t.ReasoningOutputTokens += o.ReasoningOutputTokens
	t.TotalTokens += o.TotalTokens
}

// RateLimitWindow is one primary/secondary window of a RateLimitSnapshot.
type RateLimitWindow struct {
	UsedPercent     float64
	WindowMinutes   int
	ResetsInSeconds int
}

// RateLimitSnapshot is the most recent rate-limit reading reported by the
// provider, surfaced to callers via TokenInfoAndRateLimits (spec §4.5).
type RateLimitSnapshot struct {
	Primary   *RateLimitWindow
	Secondary *RateLimitWindow
}

// ResponseEvent is the normalized SSE event both wire decoders produce
// (spec §3/§4.2/§4.3). Exactly one of the per-kind fields is populated.
type ResponseEvent struct {
	Kind EventKind

	// OutputItemAdded / OutputItemDone
	Item  ResponseItem
	Index int

	// OutputTextDelta / ReasoningSummaryDelta / ReasoningContentDelta
	Delta string

	// ReasoningSummaryPartAdded
	SummaryIndex int

	// Completed
	Usage TokenUsage

	// RateLimits
	RateLimits RateLimitSnapshot

	// Created / Completed
	ResponseID string

	// StreamError: a mid-stream failure (idle timeout, dropped connection,
	// or a response.failed frame). err is a plain error so this package
	// never imports the infrastructure error taxonomy; decoders populate it
	// with a concrete *apierr.Error, and callers unwrap with errors.As the
	// same way they already handle pre-stream StreamTurn errors.
	Err error
}

func NewCreatedEvent(responseID string) ResponseEvent {
	return ResponseEvent{Kind: EventCreated, ResponseID: responseID}
}

func NewOutputItemAddedEvent(index int, item ResponseItem) ResponseEvent {
	return ResponseEvent{Kind: EventOutputItemAdded, Index: index, Item: item}
}

func NewOutputItemDoneEvent(index int, item ResponseItem) ResponseEvent {
	return ResponseEvent{Kind: EventOutputItemDone, Index: index, Item: item}
}

func NewOutputTextDeltaEvent(index int, delta string) ResponseEvent {
	return ResponseEvent{Kind: EventOutputTextDelta, Index: index, Delta: delta}
}

func NewCompletedEvent(responseID string, usage TokenUsage) ResponseEvent {
	return ResponseEvent{Kind: EventCompleted, ResponseID: responseID, Usage: usage}
}

func NewRateLimitsEvent(snap RateLimitSnapshot) ResponseEvent {
	return ResponseEvent{Kind: EventRateLimits, RateLimits: snap}
}

// NewStreamErrorEvent wraps a mid-stream failure as a terminal event. A
// decoder that emits this must not also emit a Completed event afterward —
// the stream ends in exactly one terminal event, success or failure.
func NewStreamErrorEvent(err error) ResponseEvent {
	return ResponseEvent{Kind: EventStreamError, Err: err}
}
