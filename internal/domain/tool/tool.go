package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Kind classifies what a tool call does — drives the approval policy's
// automatic allow/ask decision.
type Kind string

const (
	KindRead        Kind = "read"        // read-only (read_file, list_dir...)
	KindEdit        Kind = "edit"        // modifies files (write_file, patch...)
	KindExecute     Kind = "execute"     // runs a command (shell, run...)
	KindDelete      Kind = "delete"      // deletes something
	KindSearch      Kind = "search"      // searches (web_search, grep...)
	KindFetch       Kind = "fetch"       // network fetch (fetch_url...)
	KindThink       Kind = "think"       // pure reasoning (save_memory, plan...)
	KindCommunicate Kind = "communicate" // interaction (ask_user, notify...)
)

// MutatorKinds require user confirmation under AskMode.
var MutatorKinds = map[Kind]bool{
	KindEdit:    true,
	KindDelete:  true,
	KindExecute: true,
}

// SafeKinds are auto-approved even under AskMode.
var SafeKinds = map[Kind]bool{
	KindRead:   true,
	KindSearch: true,
	KindThink:  true,
}

// Tool is the abstraction every executable tool implements.
type Tool interface {
	Name() string
	Description() string
	// Kind drives the approval policy's automatic allow/ask decision.
	Kind() Kind
	Schema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Result is a tool's execution outcome.
type Result struct {
	Output   string                 // compact result fed back to the model
	Display  string                 // rich rendering for the UI; falls back to Output when empty
	Success  bool
	Metadata map[string]interface{}
	Error    string
}

// DisplayOrOutput returns Display if set, falling back to Output.
func (r *Result) DisplayOrOutput() string {
	if r.Display != "" {
		return r.Display
	}
	return r.Output
}

// Definition is a tool's description as handed to the model.
type Definition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry holds named tools.
type Registry interface {
	Register(tool Tool) error
	Unregister(name string) error
	Get(name string) (Tool, bool)
	List() []Definition
	Has(name string) bool
}

// InMemoryRegistry is the default in-process Registry.
type InMemoryRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewInMemoryRegistry() *InMemoryRegistry {
	return &InMemoryRegistry{
		tools: make(map[string]Tool),
	}
}

func (r *InMemoryRegistry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := tool.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}

	r.tools[name] = tool
	return nil
}

func (r *InMemoryRegistry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return fmt.Errorf("tool %s not found", name)
	}

	delete(r.tools, name)
	return nil
}

func (r *InMemoryRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tool, exists := r.tools[name]
	return tool, exists
}

func (r *InMemoryRegistry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, Definition{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Schema(),
		})
	}
	return defs
}

func (r *InMemoryRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.tools[name]
	return exists
}

// ExecutionContext is where a tool call actually runs.
type ExecutionContext int

const (
	ExecContextGateway ExecutionContext = iota // runs in-process
	ExecContextSandbox                         // runs inside the sandbox
	ExecContextRemote                          // runs on a remote node
)

func (c ExecutionContext) String() string {
	switch c {
	case ExecContextGateway:
		return "gateway"
	case ExecContextSandbox:
		return "sandbox"
	case ExecContextRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// Executor runs a Tool under a given ExecutionContext.
type Executor interface {
	Execute(ctx context.Context, tool Tool, args map[string]interface{}) (*Result, error)
	SetContext(execCtx ExecutionContext)
}

// Policy gates which tools may run and whether they need confirmation.
type Policy struct {
	Profile     string   // preset name: minimal, coding, messaging, full
	AllowList   []string
	DenyList    []string
	AskMode     bool
	MaxExecTime int // seconds
}

// IsAllowed checks DenyList then AllowList (empty AllowList means allow-all).
func (p *Policy) IsAllowed(toolName string) bool {
	for _, denied := range p.DenyList {
		if denied == toolName {
			return false
		}
	}

	if len(p.AllowList) == 0 {
		return true
	}

	for _, allowed := range p.AllowList {
		if allowed == toolName {
			return true
		}
	}

	return false
}

// NeedsConfirmation reports whether a call of this Kind needs approval
// under the policy's current AskMode.
func (p *Policy) NeedsConfirmation(kind Kind) bool {
	if !p.AskMode {
		return false
	}
	if SafeKinds[kind] {
		return false
	}
	return MutatorKinds[kind]
}

// PolicyEnforcer applies a Policy against a Registry.
type PolicyEnforcer struct {
	policy   *Policy
	registry Registry
}

func NewPolicyEnforcer(policy *Policy, registry Registry) *PolicyEnforcer {
	return &PolicyEnforcer{
		policy:   policy,
		registry: registry,
	}
}

// FilteredList returns the tool definitions the policy currently allows.
func (e *PolicyEnforcer) FilteredList() []Definition {
	all := e.registry.List()
	filtered := make([]Definition, 0)

	for _, def := range all {
		if e.policy.IsAllowed(def.Name) {
			filtered = append(filtered, def)
		}
	}

	return filtered
}

func (e *PolicyEnforcer) CanExecute(toolName string) bool {
	return e.policy.IsAllowed(toolName)
}

func (e *PolicyEnforcer) NeedsApproval() bool {
	return e.policy.AskMode
}

func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"output":   r.Output,
		"display":  r.Display,
		"success":  r.Success,
		"metadata": r.Metadata,
		"error":    r.Error,
	})
}
