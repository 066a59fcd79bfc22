// Copyright 2026 NGOClaw Authors. All rights reserved.
package tool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	domaintool "github.com/ngoclaw/agentcore/internal/domain/tool"
	"go.uber.org/zap"
)

// PlanStore holds the conversation's live Plan in memory, behind a single
// lock. It implements service.PlanReader so the Turn Loop and Compaction
// Controller always see the same state the update_plan tool just wrote.
type PlanStore struct {
	mu   sync.RWMutex
	plan entity.Plan
}

func NewPlanStore() *PlanStore {
	return &PlanStore{}
}

// Current returns a copy of the live plan (service.PlanReader).
func (s *PlanStore) Current() entity.Plan {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]entity.PlanStep, len(s.plan.Steps))
	copy(steps, s.plan.Steps)
	return entity.Plan{Explanation: s.plan.Explanation, Steps: steps}
}

func (s *PlanStore) replace(p entity.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plan = p
}

// UpdatePlanTool lets the agent create and update the task plan (spec
// §4.10). At most one step may be in_progress at a time — invariant
// enforced here, not just documented — so the Compaction Controller and
// the UI always have an unambiguous "what's happening right now".
type UpdatePlanTool struct {
	store  *PlanStore
	logger *zap.Logger
}

func NewUpdatePlanTool(store *PlanStore, logger *zap.Logger) *UpdatePlanTool {
	return &UpdatePlanTool{store: store, logger: logger}
}

func (t *UpdatePlanTool) Name() string         { return "update_plan" }
func (t *UpdatePlanTool) Kind() domaintool.Kind { return domaintool.KindThink }
func (t *UpdatePlanTool) Description() string {
	return "Replace the current task plan with an updated list of steps. " +
		"Exactly one step may be in_progress at a time; mark it completed " +
		"before starting the next one."
}

func (t *UpdatePlanTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"explanation": map[string]interface{}{
				"type":        "string",
				"description": "Short rationale for this plan update.",
			},
			"plan": map[string]interface{}{
				"type":        "array",
				"description": "Full ordered list of steps replacing the current plan.",
				"items": map[string]interface{}{
					"type": "object",
					"properties": map[string]interface{}{
						"step":   map[string]interface{}{"type": "string"},
						"status": map[string]interface{}{"type": "string", "enum": []string{"pending", "in_progress", "completed"}},
					},
					"required": []string{"step", "status"},
				},
			},
		},
		"required": []string{"plan"},
	}
}

func (t *UpdatePlanTool) Execute(ctx context.Context, args map[string]interface{}) (*Result, error) {
	rawSteps, ok := args["plan"].([]interface{})
	if !ok || len(rawSteps) == 0 {
		return &Result{Output: "error: 'plan' must be a non-empty array of {step, status}", Success: false}, nil
	}

	explanation, _ := args["explanation"].(string)

	steps := make([]entity.PlanStep, 0, len(rawSteps))
	inProgress := 0
	for _, raw := range rawSteps {
		entryMap, ok := raw.(map[string]interface{})
		if !ok {
			return &Result{Output: "error: each plan entry must be an object with step/status", Success: false}, nil
		}
		text, _ := entryMap["step"].(string)
		status := entity.PlanStepStatus(fmt.Sprintf("%v", entryMap["status"]))
		if text == "" {
			return &Result{Output: "error: plan entry missing 'step' text", Success: false}, nil
		}
		switch status {
		case entity.PlanPending, entity.PlanInProgress, entity.PlanCompleted:
		default:
			return &Result{Output: fmt.Sprintf("error: invalid status %q", status), Success: false}, nil
		}
		if status == entity.PlanInProgress {
			inProgress++
		}
		steps = append(steps, entity.PlanStep{Text: text, Status: status})
	}

	if inProgress > 1 {
		return &Result{Output: fmt.Sprintf("error: at most one step may be in_progress, got %d", inProgress), Success: false}, nil
	}

	plan := entity.Plan{Explanation: explanation, Steps: steps}
	t.store.replace(plan)

	t.logger.Info("plan updated", zap.Int("steps", len(steps)), zap.Bool("has_in_progress", plan.HasInProgress()))

	return &Result{
		Output:  fmt.Sprintf("plan updated: %d steps", len(steps)),
		Display: renderPlan(plan),
		Success: true,
	}, nil
}

func renderPlan(plan entity.Plan) string {
	var sb strings.Builder
	if plan.Explanation != "" {
		sb.WriteString(plan.Explanation)
		sb.WriteString("\n")
	}
	for i, s := range plan.Steps {
		mark := "[ ]"
		switch s.Status {
		case entity.PlanInProgress:
			mark = "[~]"
		case entity.PlanCompleted:
			mark = "[x]"
		}
		sb.WriteString(fmt.Sprintf("%s %d. %s\n", mark, i+1, s.Text))
	}
	return sb.String()
}
