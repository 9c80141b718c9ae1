package crown

import (
	"testing"

	"github.com/fentz26/coronet/internal/models"
)

func run(id string, status models.RunStatus, crowned bool) models.Run {
	return models.Run{ID: id, Status: status, IsCrowned: crowned}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name         string
		runs         []models.Run
		wantEligible int
		wantSettled  bool
	}{
		{
			name:         "no runs is vacuously settled",
			runs:         nil,
			wantEligible: 0,
			wantSettled:  true,
		},
		{
			name:         "all completed",
			runs:         []models.Run{run("a", models.RunStatusCompleted, false), run("b", models.RunStatusCompleted, false)},
			wantEligible: 2,
			wantSettled:  true,
		},
		{
			name:         "one still running",
			runs:         []models.Run{run("a", models.RunStatusCompleted, false), run("b", models.RunStatusRunning, false)},
			wantEligible: 2,
			wantSettled:  false,
		},
		{
			name:         "pending counts as in flight",
			runs:         []models.Run{run("a", models.RunStatusPending, false)},
			wantEligible: 1,
			wantSettled:  false,
		},
		{
			name:         "failed runs are excluded but settled",
			runs:         []models.Run{run("a", models.RunStatusCompleted, false), run("b", models.RunStatusFailed, false)},
			wantEligible: 1,
			wantSettled:  true,
		},
		{
			name:         "all failed is settled with nothing to crown",
			runs:         []models.Run{run("a", models.RunStatusFailed, false), run("b", models.RunStatusFailed, false)},
			wantEligible: 0,
			wantSettled:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Classify(tt.runs)
			if len(c.Eligible) != tt.wantEligible {
				t.Errorf("eligible: got %d, want %d", len(c.Eligible), tt.wantEligible)
			}
			if c.AllSettled != tt.wantSettled {
				t.Errorf("settled: got %v, want %v", c.AllSettled, tt.wantSettled)
			}
		})
	}
}

func TestCrownedRun(t *testing.T) {
	runs := []models.Run{
		run("a", models.RunStatusCompleted, false),
		run("b", models.RunStatusCompleted, true),
	}
	got := CrownedRun(runs)
	if got == nil || got.ID != "b" {
		t.Errorf("expected crowned run b, got %v", got)
	}

	if CrownedRun(runs[:1]) != nil {
		t.Error("expected nil when no run is crowned")
	}
}

func TestShouldEvaluate(t *testing.T) {
	settled := []models.Run{run("a", models.RunStatusCompleted, false), run("b", models.RunStatusCompleted, false)}
	open := &models.Task{ID: "t"}

	if !ShouldEvaluate(open, settled) {
		t.Error("settled runs on an open task should evaluate")
	}
	if ShouldEvaluate(nil, settled) {
		t.Error("nil task should not evaluate")
	}
	if ShouldEvaluate(&models.Task{ID: "t", IsCompleted: true}, settled) {
		t.Error("completed task should not evaluate")
	}
	if ShouldEvaluate(open, []models.Run{run("a", models.RunStatusCompleted, true), run("b", models.RunStatusCompleted, false)}) {
		t.Error("crowned task should not evaluate")
	}
	if ShouldEvaluate(open, []models.Run{run("a", models.RunStatusRunning, false)}) {
		t.Error("in-flight runs should not evaluate")
	}
	if ShouldEvaluate(open, []models.Run{run("a", models.RunStatusFailed, false)}) {
		t.Error("all-failed task should not evaluate")
	}
	if !ShouldEvaluate(open, []models.Run{run("a", models.RunStatusCompleted, false), run("b", models.RunStatusFailed, false)}) {
		t.Error("one survivor among failures should evaluate")
	}
}
