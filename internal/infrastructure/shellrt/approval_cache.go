package shellrt

import (
	"strings"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
)

// ApprovalCache maps (argv, cwd, escalated) to the user's prior decision
// for the lifetime of a conversation (spec §3 ApprovalCache, §4.8). Once
// a key is approved, no further approval prompt is issued for it.
type ApprovalCache struct {
	mu        sync.RWMutex
	decisions map[entity.ApprovalKey]bool
}

func NewApprovalCache() *ApprovalCache {
	return &ApprovalCache{decisions: make(map[entity.ApprovalKey]bool)}
}

// NewApprovalKey builds the cache key for one invocation.
func NewApprovalKey(argv []string, cwd string, escalated bool) entity.ApprovalKey {
	return entity.ApprovalKey{Argv: strings.Join(argv, "\x1f"), Cwd: cwd, Escalated: escalated}
}

// Get returns the cached decision for key, if any.
func (c *ApprovalCache) Get(key entity.ApprovalKey) (approved bool, found bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	approved, found = c.decisions[key]
	return approved, found
}

// Set records a decision so future invocations of the same key skip the
// prompt. A deny is cached too: the spec only says approval is reused,
// but re-prompting for something just rejected would be equally wrong.
func (c *ApprovalCache) Set(key entity.ApprovalKey, approved bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decisions[key] = approved
}
