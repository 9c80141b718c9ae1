package crown

import (
	"context"
	"errors"
	"fmt"

	"github.com/fentz26/coronet/internal/audit"
	"github.com/fentz26/coronet/internal/models"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
)

// Sentinel errors for orchestrator operations.
var (
	ErrRunNotFound  = errors.New("run not found")
	ErrTaskNotFound = errors.New("task not found")
)

// SingleRunReason is the crown reason used when a task resolves with exactly
// one successful run and no arbitration is needed.
const SingleRunReason = "single successful run"

// ReasonAlreadyEvaluating is returned when the evaluation lock is held.
const ReasonAlreadyEvaluating = "Already evaluating"

// Orchestrator coordinates run completion, crown arbitration, and the
// persistence of arbitration outcomes. All exclusivity lives in persisted
// state; the orchestrator holds no in-process lock across judge or store
// calls, so independent processes can share the work.
type Orchestrator struct {
	store *store.Store
	judge Judge
	audit *audit.Recorder
	retry RetryPolicy
	log   *logrus.Logger
}

// New creates an orchestrator with the default retry policy.
func New(s *store.Store, judge Judge, rec *audit.Recorder, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store: s,
		judge: judge,
		audit: rec,
		retry: DefaultRetryPolicy(),
		log:   log,
	}
}

// Outcome is the terminal result reported for a run.
type Outcome struct {
	Completed    bool
	Summary      string
	ExitCode     int
	ErrorMessage string
}

// MarkResult reports how a completion signal was handled.
type MarkResult struct {
	AlreadyCompleted bool   `json:"already_completed"`
	ShouldEvaluate   bool   `json:"should_evaluate"`
	TaskID           string `json:"task_id"`
}

// MarkRunTerminal records a run's terminal status. Completion signals can
// arrive more than once (process restart, duplicate webhook); a run already
// in a terminal state is reported as AlreadyCompleted and nothing is
// mutated or triggered.
func (o *Orchestrator) MarkRunTerminal(runID string, outcome Outcome) (MarkResult, error) {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return MarkResult{}, err
	}
	if run == nil {
		return MarkResult{}, ErrRunNotFound
	}
	if run.Status.Terminal() {
		return MarkResult{AlreadyCompleted: true, TaskID: run.TaskID}, nil
	}

	var changed bool
	if outcome.Completed {
		changed, err = o.store.CompleteRun(runID, outcome.Summary, outcome.ExitCode)
	} else {
		changed, err = o.store.FailRun(runID, outcome.ErrorMessage, outcome.ExitCode)
	}
	if err != nil {
		return MarkResult{}, err
	}
	if !changed {
		// Lost a race against a duplicate signal; the other writer won.
		return MarkResult{AlreadyCompleted: true, TaskID: run.TaskID}, nil
	}

	o.log.WithFields(logrus.Fields{
		"run_id":    runID,
		"task_id":   run.TaskID,
		"completed": outcome.Completed,
	}).Info("run reached terminal state")

	if err := o.scheduleContainerReview(run); err != nil {
		// Cleanup scheduling must not fail the completion signal.
		o.log.WithError(err).WithField("run_id", runID).Warn("failed to schedule container review window")
	}

	should, err := o.shouldEvaluate(run.TaskID)
	if err != nil {
		return MarkResult{}, err
	}
	return MarkResult{ShouldEvaluate: should, TaskID: run.TaskID}, nil
}

// scheduleContainerReview gives a finished run's container a review window
// before it becomes a stop candidate. Under a stop-immediately policy no
// schedule is needed: the governor treats terminal runs as due.
func (o *Orchestrator) scheduleContainerReview(run *models.Run) error {
	settings, err := o.store.GetContainerSettings(run.OwnerID)
	if err != nil {
		return err
	}
	if settings.StopImmediatelyOnCompletion {
		return nil
	}
	run2, err := o.store.GetRun(run.ID)
	if err != nil {
		return err
	}
	if run2 == nil || run2.CompletedAt == nil {
		return nil
	}
	return o.store.ScheduleContainerStop(run.ID, run2.CompletedAt.Add(settings.ReviewPeriod()))
}

func (o *Orchestrator) shouldEvaluate(taskID string) (bool, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return false, err
	}
	runs, err := o.store.GetRunsForTask(taskID)
	if err != nil {
		return false, err
	}
	return ShouldEvaluate(task, runs), nil
}

// EvalResult reports the outcome of one evaluation attempt.
type EvalResult struct {
	Evaluated   bool   `json:"evaluated"`
	WinnerRunID string `json:"winner_run_id,omitempty"`
	// Reason is the crown reason when Evaluated, otherwise why the attempt
	// did not run. Lock contention and stale eligibility are normal
	// control-flow outcomes here, not errors.
	Reason string `json:"reason,omitempty"`
}

// Evaluate runs one crown arbitration attempt for a task: it re-checks
// eligibility against fresh state, takes the single-run shortcut when it
// applies, otherwise acquires the evaluation lock, consults the judge once,
// and commits the decision. Judge failures are converted into a released,
// retryable failure state; they never leave the task locked.
func (o *Orchestrator) Evaluate(ctx context.Context, taskID string) (EvalResult, error) {
	task, err := o.store.GetTask(taskID)
	if err != nil {
		return EvalResult{}, err
	}
	if task == nil {
		return EvalResult{}, ErrTaskNotFound
	}
	if task.IsCompleted {
		return EvalResult{Reason: "task already completed"}, nil
	}

	runs, err := o.store.GetRunsForTask(taskID)
	if err != nil {
		return EvalResult{}, err
	}
	if CrownedRun(runs) != nil {
		return EvalResult{Reason: "crown already placed"}, nil
	}

	c := Classify(runs)
	if !c.AllSettled {
		return EvalResult{Reason: "runs still in flight"}, nil
	}
	if len(c.Eligible) == 0 {
		return EvalResult{Reason: "no eligible runs"}, nil
	}

	if len(c.Eligible) == 1 {
		return o.crownSingleRun(task, c.Eligible[0])
	}
	return o.arbitrate(ctx, task)
}

// crownSingleRun is the shortcut for the common single-candidate case: crown
// it directly, without a judge call, an evaluation record, or the lock cycle.
func (o *Orchestrator) crownSingleRun(task *models.Task, winner models.Run) (EvalResult, error) {
	err := o.retry.Do(func() error {
		err := o.store.CrownSingleRunTx(task.ID, winner.ID, SingleRunReason)
		if errors.Is(err, store.ErrTaskCompleted) {
			// A concurrent trigger finished first; same outcome.
			return nil
		}
		return err
	})
	if err != nil {
		return EvalResult{}, fmt.Errorf("crown single run: %w", err)
	}

	o.audit.Record("crown.single", map[string]string{"task_id": task.ID, "run_id": winner.ID}, "success", task.ID, SingleRunReason)
	o.log.WithFields(logrus.Fields{
		"task_id": task.ID,
		"run_id":  winner.ID,
	}).Info("crowned single successful run")

	return EvalResult{Evaluated: true, WinnerRunID: winner.ID, Reason: SingleRunReason}, nil
}

// arbitrate runs the locked multi-candidate path.
func (o *Orchestrator) arbitrate(ctx context.Context, task *models.Task) (EvalResult, error) {
	acquired, err := o.store.TryLockEvaluation(task.ID)
	if err != nil {
		return EvalResult{}, err
	}
	if !acquired {
		return EvalResult{Reason: ReasonAlreadyEvaluating}, nil
	}

	// Lock held. Every path below must clear the sentinel, either through
	// the commit or through a failure write.

	// Re-read at decision time; the pre-lock view may be stale.
	runs, err := o.store.GetRunsForTask(task.ID)
	if err != nil {
		o.recordFailure(task.ID, fmt.Sprintf("evaluation failed: %v", err))
		return EvalResult{}, err
	}
	c := Classify(runs)
	if !c.AllSettled || len(c.Eligible) < 2 || CrownedRun(runs) != nil {
		// Nothing wrong, just no longer our job. Return the task to idle.
		if err := o.store.ReleaseEvaluation(task.ID, ""); err != nil {
			o.log.WithError(err).WithField("task_id", task.ID).Error("failed to release evaluation lock")
		}
		return EvalResult{Reason: "eligibility changed before evaluation"}, nil
	}

	candidates := BuildCandidates(c.Eligible)
	prompt := BuildArbitrationPrompt(task.Description, candidates)

	// One judge call per arbitration attempt. The retry policy covers the
	// persistence writes, not this.
	raw, err := o.judge.Complete(ctx, prompt)
	if err != nil {
		o.log.WithError(err).WithField("task_id", task.ID).Warn("judge call failed")
		o.recordFailure(task.ID, fmt.Sprintf("evaluation failed: %v", err))
		return EvalResult{Reason: "evaluation failed"}, nil
	}

	verdict, err := ParseVerdict(raw, len(candidates))
	if err != nil {
		o.log.WithError(err).WithField("task_id", task.ID).Warn("judge returned an invalid verdict")
		o.recordFailure(task.ID, ErrInvalidVerdict.Error())
		return EvalResult{Reason: ErrInvalidVerdict.Error()}, nil
	}

	winner := candidates[verdict.WinnerIndex]
	reason := verdict.Reason
	if reason == "" {
		reason = "selected by judge"
	}

	err = o.retry.Do(func() error {
		_, err := o.store.CommitCrownTx(task.ID, winner.RunID, reason, CandidateRunIDs(candidates), prompt, raw)
		switch {
		case errors.Is(err, store.ErrAlreadyEvaluated), errors.Is(err, store.ErrTaskCompleted):
			// A prior commit already settled this task.
			return nil
		case errors.Is(err, store.ErrWinnerNotFound):
			// Deterministic; retrying cannot produce the missing run.
			return Permanent(err)
		}
		return err
	})
	if err != nil {
		// Retry budget exhausted; the task may be left in progress until the
		// stale-lock sweep clears it.
		o.log.WithError(err).WithField("task_id", task.ID).Error("failed to commit crown decision")
		return EvalResult{}, fmt.Errorf("commit crown: %w", err)
	}

	o.audit.Record("crown.commit", map[string]interface{}{
		"task_id":    task.ID,
		"winner":     winner.RunID,
		"candidates": CandidateRunIDs(candidates),
	}, "success", task.ID, reason)
	o.log.WithFields(logrus.Fields{
		"task_id":    task.ID,
		"run_id":     winner.RunID,
		"candidates": len(candidates),
	}).Info("crowned arbitration winner")

	return EvalResult{Evaluated: true, WinnerRunID: winner.RunID, Reason: reason}, nil
}

// recordFailure writes the failure reason into the evaluation sentinel. The
// write both unlocks future attempts, since the value no longer matches the
// lock sentinel, and surfaces the error to the owner.
func (o *Orchestrator) recordFailure(taskID, message string) {
	err := o.retry.Do(func() error {
		return o.store.ReleaseEvaluation(taskID, message)
	})
	if err != nil {
		o.log.WithError(err).WithField("task_id", taskID).Error("failed to record evaluation failure; task may stay locked until the stale sweep")
		return
	}
	o.audit.Record("crown.failure", map[string]string{"task_id": taskID}, "error", taskID, message)
}
