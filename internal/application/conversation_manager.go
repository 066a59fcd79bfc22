package application

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	domaincontext "github.com/ngoclaw/agentcore/internal/domain/context"
	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"github.com/ngoclaw/agentcore/internal/domain/service"
	"github.com/ngoclaw/agentcore/internal/infrastructure/rollout"
	"github.com/ngoclaw/agentcore/internal/infrastructure/shellrt"
)

// ConversationManagerDeps are the long-lived, process-wide collaborators
// every conversation the Manager creates shares: one model router, one
// tool dispatcher, one plan reader, one Turn Loop configuration template.
// Grounded on the teacher's App (application/app.go): App wires one set
// of infrastructure once in NewApp/initInfrastructure and then serves
// many chats against it (telegramMessageHandler keys per-chat state by
// chatID in sync.Maps); ConversationManager plays the same role, keyed
// by conversation id instead of chatID.
type ConversationManagerDeps struct {
	Router     service.Streamer
	Tools      service.ToolDispatcher
	Plan       service.PlanReader
	LoopConfig service.TurnLoopConfig
	Logger     *zap.Logger

	// StateDir holds the rollout NDJSON files and the fork index
	// (cmd/agentcore defaults this to ~/.agentcore or $XDG_STATE_HOME).
	StateDir string

	Connections *shellrt.ConnectionRegistry
}

// Conversation bundles one conversation's per-instance state: its own
// history, its own rollout recorder, and a Turn Loop wired to the
// process-wide collaborators.
type Conversation struct {
	ID        string
	Model     string
	Workspace string
	CreatedAt time.Time
	ParentID  string

	History  *domaincontext.Manager
	Loop     *service.TurnLoop
	Recorder *rollout.Recorder

	mu     sync.Mutex
	cancel context.CancelFunc
}

// Interrupt cancels the conversation's in-flight turn, if any (spec §4.11:
// "submitting Op::Interrupt cancels the in-flight SSE consumer, drains any
// in-progress runtimes... and returns to Idle"). A no-op if the
// conversation is currently idle.
func (c *Conversation) Interrupt() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Conversation) setCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
}

func (c *Conversation) clearCancel() {
	c.mu.Lock()
	c.cancel = nil
	c.mu.Unlock()
}

// Manager implements the Conversation Manager (spec §4.13): Create,
// Resume, and Fork, plus the global conversation→connection map (the
// Connections field it shares with every conversation it creates).
//
// One limitation carried over from the teacher's own CLI mode and
// recorded here rather than silently assumed: service.PlanReader (the
// live `update_plan` state) is shared process-wide, not per-conversation
// — the teacher's AgentLoop made the same simplification for its CLI/TUI
// entry point, keying only chat history and active-run cancellation per
// chatID, not plan state. A future multi-tenant `serve` mode would need
// Deps.Plan replaced by a per-conversation PlanStore lookup.
type Manager struct {
	deps  ConversationManagerDeps
	index *rollout.Index

	mu            sync.RWMutex
	conversations map[string]*Conversation
}

// NewManager opens (or creates) the fork index under deps.StateDir and
// returns an empty Manager.
func NewManager(deps ConversationManagerDeps) (*Manager, error) {
	idx, err := rollout.NewIndex(filepath.Join(deps.StateDir, "rollouts.db"))
	if err != nil {
		return nil, fmt.Errorf("conversation manager: open fork index: %w", err)
	}
	return &Manager{
		deps:          deps,
		index:         idx,
		conversations: make(map[string]*Conversation),
	}, nil
}

// Close flushes every live conversation's recorder and closes the fork
// index.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, conv := range m.conversations {
		if err := conv.Recorder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Get returns a live conversation by id.
func (m *Manager) Get(conversationID string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conv, ok := m.conversations[conversationID]
	return conv, ok
}

// Create starts a brand-new conversation: a fresh id, a fresh rollout
// file with a SessionMeta header, and a Turn Loop over empty history.
func (m *Manager) Create(model, workspace string) (*Conversation, error) {
	return m.createWithSeed(uuid.NewString(), "", model, workspace, nil)
}

// Resume re-opens an existing conversation: replays its rollout file
// into flat history (folding any Compacted replacement along the way)
// and continues appending to the same file.
func (m *Manager) Resume(conversationID string) (*Conversation, error) {
	entry, err := m.index.Get(conversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: resume %s: %w", conversationID, err)
	}
	meta, history, err := rollout.ReplayFlatten(entry.Path)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: replay %s: %w", conversationID, err)
	}
	model, workspace := entry.Model, entry.Workspace
	if meta != nil {
		model, workspace = meta.Model, meta.Workspace
	}

	recorder, err := rollout.NewRecorder(entry.Path, m.deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: reopen rollout %s: %w", entry.Path, err)
	}
	conv := m.assemble(conversationID, entry.ParentID, model, workspace, recorder, history)
	return conv, nil
}

// Fork reads the rollout at the n-th conversation's file, truncates it
// strictly before the n-th non-core-injected user message (spawning
// fresh if fewer than n+1 exist — spec §4.13), and starts a brand-new
// conversation seeded with that prefix.
func (m *Manager) Fork(parentConversationID string, n int) (*Conversation, error) {
	entry, err := m.index.Get(parentConversationID)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: fork %s: %w", parentConversationID, err)
	}
	result, err := rollout.Fork(entry.Path, n)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: fork replay %s: %w", parentConversationID, err)
	}
	model, workspace := entry.Model, entry.Workspace
	if result.Meta != nil {
		model, workspace = result.Meta.Model, result.Meta.Workspace
	}
	return m.createWithSeed(uuid.NewString(), parentConversationID, model, workspace, result.Items)
}

func (m *Manager) createWithSeed(conversationID, parentID, model, workspace string, seed []entity.ResponseItem) (*Conversation, error) {
	path := filepath.Join(m.deps.StateDir, "rollouts", conversationID+".jsonl")
	recorder, err := rollout.NewRecorder(path, m.deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("conversation manager: create rollout %s: %w", path, err)
	}

	meta := entity.SessionMeta{
		ConversationID: conversationID,
		Model:          model,
		Workspace:      workspace,
		CreatedAt:      time.Now().UTC(),
	}
	if err := recorder.Append(entity.NewSessionMetaItem(meta)); err != nil {
		m.deps.Logger.Warn("failed to write rollout session header", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	for _, item := range seed {
		if err := recorder.Append(entity.NewResponseRolloutItem(item)); err != nil {
			m.deps.Logger.Warn("failed to persist forked prefix item", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}

	if err := m.index.Put(rollout.IndexEntry{
		ConversationID: conversationID,
		Path:           path,
		Model:          model,
		Workspace:      workspace,
		ParentID:       parentID,
		CreatedAt:      meta.CreatedAt,
	}); err != nil {
		m.deps.Logger.Warn("failed to index conversation", zap.String("conversation_id", conversationID), zap.Error(err))
	}

	conv := m.assemble(conversationID, parentID, model, workspace, recorder, seed)
	return conv, nil
}

func (m *Manager) assemble(conversationID, parentID, model, workspace string, recorder *rollout.Recorder, seed []entity.ResponseItem) *Conversation {
	history := domaincontext.NewManager(domaincontext.NewSimpleTokenizer())
	if len(seed) > 0 {
		history.Seed(seed)
	}
	history.SetRolloutSink(recorder, func(err error) {
		m.deps.Logger.Warn("rollout append failed", zap.String("conversation_id", conversationID), zap.Error(err))
	})

	loopCfg := m.deps.LoopConfig
	if model != "" {
		loopCfg.Model = model
	}
	compactor := domaincontext.NewCompactor(nil, loopCfg.CompactKeepLast)
	loop := service.NewTurnLoop(m.deps.Router, m.deps.Tools, history, compactor, m.deps.Plan, loopCfg, m.deps.Logger)

	conv := &Conversation{
		ID:        conversationID,
		Model:     model,
		Workspace: workspace,
		CreatedAt: time.Now().UTC(),
		ParentID:  parentID,
		History:   history,
		Loop:      loop,
		Recorder:  recorder,
	}

	m.mu.Lock()
	m.conversations[conversationID] = conv
	m.mu.Unlock()
	return conv
}

// Submit starts one turn on conv and returns its event channel with the
// mandatory SessionConfigured event prepended (spec §6: "First event on
// the channel must be SessionConfigured; anything else is an
// initialization failure").
func (m *Manager) Submit(ctx context.Context, conv *Conversation, userText string) <-chan entity.EventMsg {
	turnCtx, cancel := context.WithCancel(ctx)
	conv.setCancel(cancel)
	inner, _ := conv.Loop.Run(turnCtx, conv.ID, userText)
	out := make(chan entity.EventMsg, 64)
	go func() {
		defer close(out)
		defer cancel()
		defer conv.clearCancel()
		out <- entity.NewSessionConfiguredEvent(conv.ID, conv.Model)
		for ev := range inner {
			out <- ev
		}
	}()
	return out
}

// Compact runs an explicit, out-of-turn compaction on conv (Op::Compact),
// refusing to run concurrently with an in-flight turn — compaction mutates
// the same history the Turn Loop's single writer owns (spec §5).
func (m *Manager) Compact(ctx context.Context, conv *Conversation) <-chan entity.EventMsg {
	conv.mu.Lock()
	busy := conv.cancel != nil
	conv.mu.Unlock()
	if busy {
		out := make(chan entity.EventMsg, 1)
		out <- entity.EventMsg{Kind: entity.EventMsgError, Error: "conversation has a turn in flight"}
		close(out)
		return out
	}
	return conv.Loop.Compact(ctx)
}

// Close shuts down one conversation's recorder and drops it from the
// live map, without deleting its rollout file or index entry — Resume
// can still bring it back later.
func (m *Manager) CloseConversation(conversationID string) error {
	m.mu.Lock()
	conv, ok := m.conversations[conversationID]
	if ok {
		delete(m.conversations, conversationID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.deps.Connections.Unbind(conversationID)
	return conv.Recorder.Close()
}
