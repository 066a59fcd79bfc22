package tool

import (
	"context"
	"testing"

	"github.com/ngoclaw/agentcore/internal/domain/entity"
	"go.uber.org/zap"
)

func TestUpdatePlanTool_Execute_ReplacesPlan(t *testing.T) {
	store := NewPlanStore()
	tl := NewUpdatePlanTool(store, zap.NewNop())

	args := map[string]interface{}{
		"explanation": "doing the thing",
		"plan": []interface{}{
			map[string]interface{}{"step": "one", "status": "completed"},
			map[string]interface{}{"step": "two", "status": "in_progress"},
			map[string]interface{}{"step": "three", "status": "pending"},
		},
	}
	res, err := tl.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}

	plan := store.Current()
	if len(plan.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(plan.Steps))
	}
	if plan.Steps[1].Status != entity.PlanInProgress {
		t.Errorf("step 1 status = %s, want in_progress", plan.Steps[1].Status)
	}
}

// TestUpdatePlanTool_Execute_RejectsMultipleInProgress covers testable
// property 6: after any update_plan, at most one step has status
// in_progress — the tool must reject the call outright rather than just
// documenting the invariant.
func TestUpdatePlanTool_Execute_RejectsMultipleInProgress(t *testing.T) {
	store := NewPlanStore()
	tl := NewUpdatePlanTool(store, zap.NewNop())

	args := map[string]interface{}{
		"plan": []interface{}{
			map[string]interface{}{"step": "one", "status": "in_progress"},
			map[string]interface{}{"step": "two", "status": "in_progress"},
		},
	}
	res, err := tl.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success {
		t.Fatal("expected failure when two steps are in_progress")
	}

	// The store must be untouched by the rejected update.
	if store.Current().HasInProgress() {
		t.Error("expected the plan store to remain empty after a rejected update")
	}
}

func TestUpdatePlanTool_Execute_RejectsEmptyPlan(t *testing.T) {
	store := NewPlanStore()
	tl := NewUpdatePlanTool(store, zap.NewNop())

	res, err := tl.Execute(context.Background(), map[string]interface{}{"plan": []interface{}{}})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for an empty plan")
	}
}

func TestUpdatePlanTool_Execute_RejectsInvalidStatus(t *testing.T) {
	store := NewPlanStore()
	tl := NewUpdatePlanTool(store, zap.NewNop())

	args := map[string]interface{}{
		"plan": []interface{}{map[string]interface{}{"step": "one", "status": "bogus"}},
	}
	res, err := tl.Execute(context.Background(), args)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if res.Success {
		t.Fatal("expected failure for an invalid status value")
	}
}

func TestPlanStore_Current_ReturnsIndependentCopy(t *testing.T) {
	store := NewPlanStore()
	store.replace(entity.Plan{Steps: []entity.PlanStep{{Text: "a", Status: entity.PlanPending}}})

	copy1 := store.Current()
	copy1.Steps[0].Status = entity.PlanCompleted

	copy2 := store.Current()
	if copy2.Steps[0].Status != entity.PlanPending {
		t.Error("mutating a returned copy must not affect the stored plan")
	}
}
