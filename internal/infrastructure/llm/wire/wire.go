// Package wire defines the protocol-agnostic surface both the
// Responses-API and Chat-Completions-API clients implement, so the turn
// loop never branches on which wire protocol is in play.
package wire

import (
	"context"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// Client streams one turn's worth of model output as normalized
// ResponseEvent values. Implementations own their own HTTP transport and
// SSE decoding; the channel is closed when the stream ends (Completed
// event already sent) or when ctx is cancelled.
type Client interface {
	StreamTurn(ctx context.Context, conversationID string, prompt entity.Prompt) (<-chan entity.ResponseEvent, error)
	Name() string
}

// Config is shared HTTP/auth configuration for a wire client.
type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}
