package entity

import "time"

// RolloutItemKind discriminates one line of the append-only rollout
// file (spec §4.13/§6): `ResponseItem | Compacted(replacement_history) |
// SessionMeta | RateLimitSnapshot`.
type RolloutItemKind string

const (
	RolloutResponseItem    RolloutItemKind = "response_item"
	RolloutCompacted       RolloutItemKind = "compacted"
	RolloutSessionMeta     RolloutItemKind = "session_meta"
	RolloutRateLimit       RolloutItemKind = "rate_limit_snapshot"
)

// SessionMeta is the rollout's header line: enough to resume or fork a
// conversation without replaying every item.
type SessionMeta struct {
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	Workspace      string    `json:"workspace"`
	CreatedAt      time.Time `json:"created_at"`
}

// RateLimitSnapshot is the last rate-limit header set observed from the
// model provider, persisted so a resumed conversation can report it
// without waiting on a fresh response.
type RateLimitSnapshot struct {
	LimitRequests     int       `json:"limit_requests"`
	RemainingRequests int       `json:"remaining_requests"`
	ResetAt           time.Time `json:"reset_at"`
}

// RolloutItem is one line of the NDJSON rollout file. Exactly one of the
// per-kind fields is populated, selected by Kind — the same tagged-struct
// shape as ResponseItem, for the same reason (cheap, trivially
// (de)serializable, no interface boxing).
type RolloutItem struct {
	Kind RolloutItemKind `json:"kind"`

	// ResponseItem
	Item *ResponseItem `json:"item,omitempty"`

	// Compacted
	ReplacementHistory []ResponseItem `json:"replacement_history,omitempty"`

	// SessionMeta
	Meta *SessionMeta `json:"meta,omitempty"`

	// RateLimitSnapshot
	RateLimit *RateLimitSnapshot `json:"rate_limit,omitempty"`
}

func NewSessionMetaItem(meta SessionMeta) RolloutItem {
	return RolloutItem{Kind: RolloutSessionMeta, Meta: &meta}
}

func NewResponseRolloutItem(item ResponseItem) RolloutItem {
	return RolloutItem{Kind: RolloutResponseItem, Item: &item}
}

func NewCompactedRolloutItem(replacement []ResponseItem) RolloutItem {
	return RolloutItem{Kind: RolloutCompacted, ReplacementHistory: replacement}
}

func NewRateLimitRolloutItem(snapshot RateLimitSnapshot) RolloutItem {
	return RolloutItem{Kind: RolloutRateLimit, RateLimit: &snapshot}
}
