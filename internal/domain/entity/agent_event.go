package entity

import "time"

// EventMsgKind discriminates the external Event sum type emitted on the
// turn's outbound channel (spec §6 External Interfaces). This is distinct
// from ResponseEvent: ResponseEvent is the wire-decoder's internal
// normalization, EventMsg is what a frontend (CLI, bridge) actually
// subscribes to.
type EventMsgKind string

const (
	EventMsgSessionConfigured EventMsgKind = "session_configured"
	EventMsgTaskStarted      EventMsgKind = "task_started"
	EventMsgAgentMessageDelta EventMsgKind = "agent_message_delta"
	EventMsgAgentMessage     EventMsgKind = "agent_message"
	EventMsgReasoningDelta   EventMsgKind = "agent_reasoning_delta"
	EventMsgExecCommandBegin EventMsgKind = "exec_command_begin"
	EventMsgExecCommandOutput EventMsgKind = "exec_command_output_delta"
	EventMsgExecCommandEnd   EventMsgKind = "exec_command_end"
	EventMsgPatchApplyBegin  EventMsgKind = "patch_apply_begin"
	EventMsgPatchApplyEnd    EventMsgKind = "patch_apply_end"
	EventMsgPlanUpdate       EventMsgKind = "plan_update"
	EventMsgApprovalRequest  EventMsgKind = "approval_request"
	EventMsgTokenCount       EventMsgKind = "token_count"
	EventMsgContextCompacted EventMsgKind = "context_compacted"
	EventMsgRateLimit        EventMsgKind = "rate_limit"
	EventMsgTaskComplete     EventMsgKind = "task_complete"
	EventMsgError            EventMsgKind = "error"
)

// EventMsg is one message on a conversation's outbound event channel.
type EventMsg struct {
	Kind           EventMsgKind     `json:"kind"`
	SubmitID       string           `json:"submit_id,omitempty"`
	Text           string           `json:"text,omitempty"`
	CallID         string           `json:"call_id,omitempty"`
	Command        []string         `json:"command,omitempty"`
	ExitCode       *int             `json:"exit_code,omitempty"`
	Plan           *Plan            `json:"plan,omitempty"`
	Approval       *ApprovalRequest `json:"approval,omitempty"`
	Usage          *TokenUsage      `json:"usage,omitempty"`
	RateLimits     *RateLimitSnapshot `json:"rate_limits,omitempty"`
	Error          string           `json:"error,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Model          string           `json:"model,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// NewSessionConfiguredEvent builds the mandatory first event on a
// conversation's channel (spec §6: "First event on the channel must be
// SessionConfigured; anything else is an initialization failure").
func NewSessionConfiguredEvent(conversationID, model string) EventMsg {
	return EventMsg{Kind: EventMsgSessionConfigured, ConversationID: conversationID, Model: model, Timestamp: time.Now()}
}

// ApprovalRequest is the payload of an EventMsgApprovalRequest: the turn
// loop blocks on the corresponding Op until the frontend answers it.
type ApprovalRequest struct {
	CallID    string      `json:"call_id"`
	Command   []string    `json:"command,omitempty"`
	Patch     string      `json:"patch,omitempty"`
	Cwd       string      `json:"cwd"`
	Reason    string      `json:"reason,omitempty"`
	Escalated bool        `json:"escalated"`
}

// OpKind discriminates the inbound Op sum type a frontend submits on a
// conversation's submission queue (spec §6).
type OpKind string

const (
	OpUserInput      OpKind = "user_input"
	OpExecApproval   OpKind = "exec_approval"
	OpPatchApproval  OpKind = "patch_approval"
	OpInterrupt      OpKind = "interrupt"
	OpCompact        OpKind = "compact"
	OpShutdown       OpKind = "shutdown"
)

// Op is one inbound submission.
type Op struct {
	Kind     OpKind
	SubmitID string
	Text     string
	CallID   string
	Approved bool
}
