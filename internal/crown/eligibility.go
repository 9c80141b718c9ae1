// Package crown implements completion tracking and crown arbitration:
// electing exactly one winning run per task once all of its parallel runs
// have settled.
package crown

import "github.com/fentz26/coronet/internal/models"

// Classification is the eligibility view over a task's runs.
type Classification struct {
	// Eligible holds the runs that can still win: everything not failed.
	Eligible []models.Run
	// AllSettled is true when every eligible run has completed, vacuously so
	// for an empty eligible set. Failed runs are excluded from arbitration
	// but still count as settled.
	AllSettled bool
}

// Classify computes eligibility over a task's runs.
func Classify(runs []models.Run) Classification {
	c := Classification{AllSettled: true}
	for _, run := range runs {
		if run.Status == models.RunStatusFailed {
			continue
		}
		c.Eligible = append(c.Eligible, run)
		if run.Status != models.RunStatusCompleted {
			c.AllSettled = false
		}
	}
	return c
}

// CrownedRun returns the run currently holding the crown, if any.
func CrownedRun(runs []models.Run) *models.Run {
	for i := range runs {
		if runs[i].IsCrowned {
			return &runs[i]
		}
	}
	return nil
}

// ShouldEvaluate reports whether crown evaluation should run now for the
// task: all eligible runs settled, at least one candidate, the task not yet
// complete, and no crown already placed. It is safe to call redundantly,
// once per sibling completion; exclusivity is enforced by the evaluation
// lock, not here.
func ShouldEvaluate(task *models.Task, runs []models.Run) bool {
	if task == nil || task.IsCompleted {
		return false
	}
	if CrownedRun(runs) != nil {
		return false
	}
	c := Classify(runs)
	return c.AllSettled && len(c.Eligible) >= 1
}
