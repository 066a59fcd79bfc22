// Package context holds the conversation's ResponseItem history and
// projects it into a prompt-ready slice on demand (spec §4.5). The
// projection pipeline never mutates the stored history — it only decides
// what subset, in what shape, goes out on the wire for this call.
package context

import (
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// RolloutSink is the narrow persistence surface the Manager needs to
// mirror every recorded item onto durable storage (spec §4.13: every
// ResponseItem the history accepts is also appended to the rollout).
// *rollout.Recorder satisfies this structurally.
type RolloutSink interface {
	Append(item entity.RolloutItem) error
}

// RecordPolicy controls how record_items folds new items into history.
type RecordPolicy int

const (
	// RecordAppend appends items as-is.
	RecordAppend RecordPolicy = iota
	// RecordReplaceCompacted replaces the prefix covered by a compaction
	// with the new CompactionSummary item.
	RecordReplaceCompacted
)

// Manager owns one conversation's ResponseItem history behind a single
// writer lock (spec §5: single-writer history, multiple readers).
type Manager struct {
	mu         sync.RWMutex
	items      []entity.ResponseItem
	usage      entity.TokenUsage
	rateLimits entity.RateLimitSnapshot
	tokenizer  Tokenizer
	sink       RolloutSink
	sinkErrs   func(error)
}

func NewManager(tokenizer Tokenizer) *Manager {
	if tokenizer == nil {
		tokenizer = NewSimpleTokenizer()
	}
	return &Manager{tokenizer: tokenizer}
}

// SetRolloutSink attaches the durable store every future RecordItems call
// mirrors to. onErr (optional) is called with any append failure —
// RecordItems itself never fails, since an in-memory history write
// shouldn't block on disk I/O succeeding.
func (m *Manager) SetRolloutSink(sink RolloutSink, onErr func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = sink
	m.sinkErrs = onErr
}

// Seed replaces history with items read back from durable storage
// (resume/fork), without mirroring them onto a rollout sink — they are
// already persisted, under whichever conversation wrote them originally.
// Attach a sink afterward with SetRolloutSink for subsequent turns.
func (m *Manager) Seed(items []entity.ResponseItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items[:0:0], items...)
}

// RecordItems appends items to history under policy.
func (m *Manager) RecordItems(policy RecordPolicy, items ...entity.ResponseItem) {
	m.mu.Lock()
	sink, onErr := m.sink, m.sinkErrs

	switch policy {
	case RecordReplaceCompacted:
		// The caller is expected to have already computed the boundary and
		// passed only the items surviving past it, plus the new summary —
		// record_items itself never re-derives the cut point.
		m.items = append(m.items[:0:0], items...)
	default:
		m.items = append(m.items, items...)
	}
	m.mu.Unlock()

	if sink == nil {
		return
	}
	var rolloutItem entity.RolloutItem
	switch policy {
	case RecordReplaceCompacted:
		rolloutItem = entity.NewCompactedRolloutItem(items)
	default:
		for _, it := range items {
			if err := sink.Append(entity.NewResponseRolloutItem(it)); err != nil && onErr != nil {
				onErr(err)
			}
		}
		return
	}
	if err := sink.Append(rolloutItem); err != nil && onErr != nil {
		onErr(err)
	}
}

// Items returns a defensive copy of the raw, unprojected history.
func (m *Manager) Items() []entity.ResponseItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]entity.ResponseItem, len(m.items))
	copy(out, m.items)
	return out
}

// RemoveCorrespondingFor deletes a call item and its paired output (if
// any) by call_id — used when a submitted tool call is retracted before
// dispatch (e.g. turn interrupted mid-prepare).
func (m *Manager) RemoveCorrespondingFor(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items[:0]
	for _, it := range m.items {
		if id, ok := it.MatchID(); ok && id == callID {
			continue
		}
		out = append(out, it)
	}
	m.items = out
}

// UpdateTokenInfo folds a new usage sample into the running total.
func (m *Manager) UpdateTokenInfo(u entity.TokenUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage.Add(u)
}

// SetRateLimits records the most recent rate-limit snapshot.
func (m *Manager) SetRateLimits(snap entity.RateLimitSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rateLimits = snap
}

// TokenInfoAndRateLimits returns the running usage total and latest
// rate-limit snapshot.
func (m *Manager) TokenInfoAndRateLimits() (entity.TokenUsage, entity.RateLimitSnapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usage, m.rateLimits
}

// GetHistoryForPrompt runs the four-stage projection pipeline over the
// stored history and returns a prompt-ready slice (spec §4.5):
//  1. pair-fill: every FunctionCall/CustomToolCall missing an output gets
//     a synthetic aborted output inserted directly after it.
//  2. orphan-prune: every output with no matching call is dropped (a call
//     it once paired with was compacted away).
//  3. reasoning-anchor resolution: a Reasoning item is kept only if it
//     immediately precedes the assistant item it was produced for;
//     otherwise it's dropped, since replaying it out of position would
//     misrepresent the model's own reasoning trace.
//  4. image dedup: only the most recent occurrence of any given image URL
//     is kept, to avoid re-sending large payloads the model already saw.
func (m *Manager) GetHistoryForPrompt() []entity.ResponseItem {
	m.mu.RLock()
	items := make([]entity.ResponseItem, len(m.items))
	copy(items, m.items)
	m.mu.RUnlock()

	items = pairFill(items)
	items = pruneOrphanOutputs(items)
	items = resolveReasoningAnchors(items)
	items = dedupImages(items)
	return items
}

func pairFill(items []entity.ResponseItem) []entity.ResponseItem {
	outputByCall := map[string]bool{}
	for _, it := range items {
		if it.IsOutput() {
			if id, ok := it.MatchID(); ok {
				outputByCall[id] = true
			}
		}
	}

	out := make([]entity.ResponseItem, 0, len(items)+4)
	for _, it := range items {
		out = append(out, it)
		if it.IsCall() {
			id, _ := it.MatchID()
			if !outputByCall[id] {
				out = append(out, syntheticOutputFor(it))
				outputByCall[id] = true
			}
		}
	}
	return out
}

func syntheticOutputFor(call entity.ResponseItem) entity.ResponseItem {
	switch call.Kind {
	case entity.ItemCustomToolCall:
		return entity.ResponseItem{Kind: entity.ItemCustomToolOutput, CallID: call.CallID, Output: entity.SyntheticAbortedOutput}
	default:
		return entity.NewFunctionCallOutput(call.CallID, entity.SyntheticAbortedOutput)
	}
}

func pruneOrphanOutputs(items []entity.ResponseItem) []entity.ResponseItem {
	callIDs := map[string]bool{}
	for _, it := range items {
		if it.IsCall() {
			id, _ := it.MatchID()
			callIDs[id] = true
		}
	}

	out := make([]entity.ResponseItem, 0, len(items))
	for _, it := range items {
		if it.IsOutput() {
			if id, ok := it.MatchID(); ok && !callIDs[id] {
				continue
			}
		}
		out = append(out, it)
	}
	return out
}

// resolveReasoningAnchors drops a Reasoning item unless the very next
// non-reasoning item is the assistant Message/FunctionCall it anchors.
func resolveReasoningAnchors(items []entity.ResponseItem) []entity.ResponseItem {
	out := make([]entity.ResponseItem, 0, len(items))
	for i, it := range items {
		if it.Kind != entity.ItemReasoning {
			out = append(out, it)
			continue
		}
		if i+1 < len(items) {
			next := items[i+1]
			if next.Kind == entity.ItemMessage && next.Role == entity.RoleAssistant || next.Kind == entity.ItemFunctionCall {
				out = append(out, it)
			}
			// else: anchor item was compacted/pruned away — drop the orphaned reasoning
		}
	}
	return out
}

func dedupImages(items []entity.ResponseItem) []entity.ResponseItem {
	lastIndexForURL := map[string]int{}
	for i, it := range items {
		if it.Kind != entity.ItemMessage {
			continue
		}
		for _, c := range it.Content {
			if c.Kind == entity.ContentInputImage {
				lastIndexForURL[c.URL] = i
			}
		}
	}

	out := make([]entity.ResponseItem, len(items))
	copy(out, items)
	for i := range out {
		if out[i].Kind != entity.ItemMessage {
			continue
		}
		var kept []entity.ContentItem
		changed := false
		for _, c := range out[i].Content {
			if c.Kind == entity.ContentInputImage && lastIndexForURL[c.URL] != i {
				changed = true
				continue
			}
			kept = append(kept, c)
		}
		if changed {
			out[i].Content = kept
		}
	}
	return out
}
