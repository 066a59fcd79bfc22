package rollout

import "github.com/ngoclaw/agentcore/internal/domain/entity"

// ReplayFlatten reads the rollout at path and folds it into the same
// flat response-item history Resume would project: every response_item
// appended in order, with each compacted item replacing everything
// before it (the same projection Load's caller would otherwise have to
// repeat by hand). Used by both Resume and Fork.
func ReplayFlatten(path string) (*entity.SessionMeta, []entity.ResponseItem, error) {
	rawItems, err := Load(path)
	if err != nil {
		return nil, nil, err
	}

	var meta *entity.SessionMeta
	var history []entity.ResponseItem
	for _, ri := range rawItems {
		switch ri.Kind {
		case entity.RolloutSessionMeta:
			if ri.Meta != nil {
				m := *ri.Meta
				meta = &m
			}
		case entity.RolloutResponseItem:
			if ri.Item != nil {
				history = append(history, *ri.Item)
			}
		case entity.RolloutCompacted:
			history = append([]entity.ResponseItem{}, ri.ReplacementHistory...)
		}
	}
	return meta, history, nil
}

// ForkResult is the prefix handed to a newly spawned conversation.
type ForkResult struct {
	// Meta is the forked-from rollout's session header, if it had one.
	Meta *entity.SessionMeta
	// Items is the response-item history to seed the new conversation
	// with: everything strictly before the n-th user message.
	Items []entity.ResponseItem
	// Truncated is false when fewer than n+1 user messages existed and
	// the fork spawned fresh (empty Items) instead of truncating.
	Truncated bool
}

// isCoreInjectedUserMessage reports whether item is a user Message the
// core itself injected (spec §4.13: "skipping any session-prefix
// messages the core injects") — currently only the Compaction
// Controller's plan-state reminder (see domain/context.Compactor.Compact).
func isCoreInjectedUserMessage(item entity.ResponseItem) bool {
	if item.Kind != entity.ItemMessage || item.Role != entity.RoleUser {
		return false
	}
	injected, _ := item.Opaque["core_injected"].(bool)
	return injected
}

// Fork reads the rollout at path, replays it into a flat response-item
// history (applying any Compacted replacements in order, same as Resume
// would), finds the n-th real user Message — skipping core-injected
// ones — and returns the strict prefix before it. If fewer than n+1
// such messages exist, it returns a fresh (empty) prefix rather than
// erroring (spec §4.13: "If fewer than n+1 user messages exist, spawn
// fresh").
func Fork(path string, n int) (*ForkResult, error) {
	meta, history, err := ReplayFlatten(path)
	if err != nil {
		return nil, err
	}

	seen := 0
	cut := -1
	for i, item := range history {
		if item.Kind != entity.ItemMessage || item.Role != entity.RoleUser {
			continue
		}
		if isCoreInjectedUserMessage(item) {
			continue
		}
		if seen == n {
			cut = i
			break
		}
		seen++
	}

	if cut < 0 {
		return &ForkResult{Meta: meta, Items: nil, Truncated: false}, nil
	}
	prefix := make([]entity.ResponseItem, cut)
	copy(prefix, history[:cut])
	return &ForkResult{Meta: meta, Items: prefix, Truncated: true}, nil
}
