package entity

import "context"

type contextKey int

const (
	conversationIDKey contextKey = iota
	eventChannelKey
)

// WithConversationID attaches the owning conversation id to ctx so
// handlers several layers below the Turn Loop (the Shell Runtime's
// bridge/connection lookup, in particular) can find it without the
// signature of every intermediate call threading it through explicitly.
func WithConversationID(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationIDKey, conversationID)
}

// ConversationIDFromContext retrieves the id set by WithConversationID.
func ConversationIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(conversationIDKey).(string)
	return id, ok
}

// WithEventChannel attaches the turn's outbound event channel to ctx so a
// tool handler running underneath Router.Dispatch can emit
// ExecCommandBegin/Output/End or PatchApplyBegin/End without the Handler
// interface itself carrying a channel parameter.
func WithEventChannel(ctx context.Context, ch chan<- EventMsg) context.Context {
	return context.WithValue(ctx, eventChannelKey, ch)
}

// EventChannelFromContext retrieves the channel set by WithEventChannel.
func EventChannelFromContext(ctx context.Context) (chan<- EventMsg, bool) {
	ch, ok := ctx.Value(eventChannelKey).(chan<- EventMsg)
	return ch, ok
}

// EmitEvent is a best-effort, non-blocking send: a full event channel
// must never stall tool execution.
func EmitEvent(ctx context.Context, ev EventMsg) {
	ch, ok := EventChannelFromContext(ctx)
	if !ok {
		return
	}
	select {
	case ch <- ev:
	default:
	}
}
