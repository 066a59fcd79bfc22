package service

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

// === CostGuard Tests ===

func TestCostGuard_TokenBudget(t *testing.T) {
	logger := zap.NewNop()
	cg := NewCostGuard(1000, 0, logger)

	if err := cg.AddTokens(500); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cg.AddTokens(600); err == nil {
		t.Fatal("expected budget exceeded error from AddTokens")
	}
}

func TestCostGuard_NoBudget(t *testing.T) {
	logger := zap.NewNop()
	cg := NewCostGuard(0, 0, logger) // Budget disabled

	if err := cg.AddTokens(999999); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := cg.CheckBudget(); err != nil {
		t.Fatalf("expected no error when budget disabled: %v", err)
	}
}

func TestCostGuard_TimeoutBudget(t *testing.T) {
	logger := zap.NewNop()
	cg := NewCostGuard(0, 10*time.Millisecond, logger)

	if err := cg.CheckBudget(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(15 * time.Millisecond)
	if err := cg.CheckBudget(); err == nil {
		t.Fatal("expected time budget exceeded error")
	}
}

// === ContextGuard Tests ===

func TestContextGuard_BelowThreshold(t *testing.T) {
	logger := zap.NewNop()
	cg := NewContextGuard(10000, 0.7, 0.85, logger)

	result := cg.Check(200)
	if result.NeedCompaction {
		t.Fatal("should not need compaction for small usage")
	}
	if result.Ratio > 0.1 {
		t.Fatalf("ratio too high: %f", result.Ratio)
	}
}

func TestContextGuard_WarnThreshold(t *testing.T) {
	logger := zap.NewNop()
	cg := NewContextGuard(1000, 0.7, 0.85, logger)

	result := cg.Check(750)
	if result.NeedCompaction {
		t.Fatal("should not need compaction yet")
	}
	if !result.Warning {
		t.Fatal("should warn above warnRatio")
	}
}

func TestContextGuard_HardCompaction(t *testing.T) {
	logger := zap.NewNop()
	cg := NewContextGuard(100, 0.7, 0.85, logger)

	result := cg.Check(95)
	if !result.NeedCompaction {
		t.Fatalf("should need compaction, ratio: %f", result.Ratio)
	}
}

// === LoopDetector Tests ===

func TestLoopDetector_NoLoop(t *testing.T) {
	logger := zap.NewNop()
	ld := NewLoopDetector(5, 3, 8, logger)

	if ld.Record("read_file") != "" {
		t.Fatal("should not detect loop on first call")
	}
	if ld.Record("write_file") != "" {
		t.Fatal("should not detect loop on different tool")
	}
	if ld.Record("search") != "" {
		t.Fatal("should not detect loop on different tool")
	}
}

func TestLoopDetector_DetectsExactLoop(t *testing.T) {
	logger := zap.NewNop()
	ld := NewLoopDetector(5, 3, 8, logger)

	ld.Record("read_file")
	ld.Record("read_file")
	if ld.Record("read_file") == "" {
		t.Fatal("should detect loop after 3 identical calls")
	}
}

func TestLoopDetector_SlidingWindow(t *testing.T) {
	logger := zap.NewNop()
	ld := NewLoopDetector(3, 2, 8, logger)

	ld.Record("read_file")
	ld.Record("write_file")
	ld.Record("search")

	if ld.Record("read_file") != "" {
		t.Fatal("should not trigger — read_file only once in current window")
	}
}

func TestLoopDetector_RecordNameDetectsDominantTool(t *testing.T) {
	logger := zap.NewNop()
	ld := NewLoopDetector(10, 99, 3, logger)

	ld.RecordName("bash")
	ld.RecordName("web_search")
	if ld.RecordName("bash") == "" {
		t.Fatal("should flag bash once it dominates the window")
	}
}

func TestLoopDetector_Reset(t *testing.T) {
	logger := zap.NewNop()
	ld := NewLoopDetector(5, 2, 3, logger)

	ld.Record("read_file")
	ld.Record("read_file")
	ld.Reset()

	if ld.Record("read_file") != "" {
		t.Fatal("reset should clear sliding window state")
	}
}
