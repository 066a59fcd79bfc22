package entity

import "errors"

var (
	// Conversation errors
	ErrInvalidConversationID = errors.New("invalid conversation id")
	ErrConversationNotFound  = errors.New("conversation not found")

	// Message errors
	ErrInvalidMessageID = errors.New("invalid message id")

	// Tool call errors
	ErrToolCallNotFound = errors.New("tool call not found")
	ErrApprovalDenied   = errors.New("tool call approval denied")

	// Plan errors
	ErrInvalidPlanStep = errors.New("invalid plan step")
)
