package crown

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/fentz26/coronet/internal/audit"
	"github.com/fentz26/coronet/internal/models"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
)

type fakeJudge struct {
	response string
	err      error
	calls    int
	prompts  []string
}

func (f *fakeJudge) Complete(ctx context.Context, prompt string) (string, error) {
	f.calls++
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

func newTestOrchestrator(t *testing.T, j Judge) (*Orchestrator, *store.Store) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)

	o := New(s, j, audit.NewRecorder(s), log)
	o.retry.Sleep = func(time.Duration) {}
	return o, s
}

func setupTask(t *testing.T, s *store.Store, numRuns int) (*models.Task, []models.Run) {
	t.Helper()
	task, err := s.CreateTask("owner-1", "implement the feature")
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	for i := 0; i < numRuns; i++ {
		if _, err := s.CreateRun(store.NewRunParams{TaskID: task.ID, AgentLabel: "agent", Branch: "b"}); err != nil {
			t.Fatalf("create run: %v", err)
		}
	}
	runs, err := s.GetRunsForTask(task.ID)
	if err != nil {
		t.Fatalf("get runs: %v", err)
	}
	return task, runs
}

func TestMarkRunTerminalIdempotent(t *testing.T) {
	o, s := newTestOrchestrator(t, &fakeJudge{})
	_, runs := setupTask(t, s, 2)

	result, err := o.MarkRunTerminal(runs[0].ID, Outcome{Completed: true, Summary: "done"})
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if result.AlreadyCompleted {
		t.Error("first signal should not report already completed")
	}
	if result.ShouldEvaluate {
		t.Error("one of two runs settled should not trigger evaluation")
	}
	if result.TaskID != runs[0].TaskID {
		t.Errorf("result should carry the task ID, got %q", result.TaskID)
	}

	// Duplicate signal is acknowledged without side effects.
	result, err = o.MarkRunTerminal(runs[0].ID, Outcome{Completed: true, Summary: "overwritten"})
	if err != nil {
		t.Fatalf("duplicate signal: %v", err)
	}
	if !result.AlreadyCompleted {
		t.Error("duplicate signal should report already completed")
	}
	if result.ShouldEvaluate {
		t.Error("duplicate signal must not trigger evaluation")
	}
	if result.TaskID != runs[0].TaskID {
		t.Errorf("duplicate signal should still carry the task ID, got %q", result.TaskID)
	}

	got, _ := s.GetRun(runs[0].ID)
	if got.Summary != "done" {
		t.Errorf("duplicate signal overwrote summary: %s", got.Summary)
	}

	// The sibling settling makes the task ready.
	result, err = o.MarkRunTerminal(runs[1].ID, Outcome{Completed: true, Summary: "also done"})
	if err != nil {
		t.Fatalf("mark terminal: %v", err)
	}
	if !result.ShouldEvaluate {
		t.Error("last sibling settling should trigger evaluation")
	}
}

func TestMarkRunTerminalNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeJudge{})

	_, err := o.MarkRunTerminal("no-such-run", Outcome{Completed: true})
	if !errors.Is(err, ErrRunNotFound) {
		t.Errorf("expected ErrRunNotFound, got %v", err)
	}
}

func TestMarkRunTerminalSchedulesReview(t *testing.T) {
	o, s := newTestOrchestrator(t, &fakeJudge{})
	_, runs := setupTask(t, s, 2)

	if _, err := o.MarkRunTerminal(runs[0].ID, Outcome{Completed: true}); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	got, _ := s.GetRun(runs[0].ID)
	if got.ScheduledStopAt == nil {
		t.Fatal("completed run should get a review window")
	}
	want := got.CompletedAt.Add(models.DefaultContainerSettings("owner-1").ReviewPeriod())
	if !got.ScheduledStopAt.Equal(want) {
		t.Errorf("expected stop at %v, got %v", want, got.ScheduledStopAt)
	}
}

func TestMarkRunTerminalStopImmediatelySkipsSchedule(t *testing.T) {
	o, s := newTestOrchestrator(t, &fakeJudge{})
	_, runs := setupTask(t, s, 2)

	s.UpsertContainerSettings(models.ContainerSettings{
		OwnerID:                     "owner-1",
		MaxRunningContainers:        5,
		ReviewPeriodMinutes:         60,
		AutoCleanupEnabled:          true,
		StopImmediatelyOnCompletion: true,
		MinContainersToKeep:         0,
	})

	if _, err := o.MarkRunTerminal(runs[0].ID, Outcome{Completed: true}); err != nil {
		t.Fatalf("mark terminal: %v", err)
	}

	got, _ := s.GetRun(runs[0].ID)
	if got.ScheduledStopAt != nil {
		t.Error("stop-immediately policy should not schedule a review window")
	}
}

func TestEvaluateSingleRunShortcut(t *testing.T) {
	j := &fakeJudge{}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 1)
	s.CompleteRun(runs[0].ID, "done", 0)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Evaluated {
		t.Fatal("expected an evaluated result")
	}
	if result.WinnerRunID != runs[0].ID {
		t.Errorf("expected winner %s, got %s", runs[0].ID, result.WinnerRunID)
	}
	if result.Reason != SingleRunReason {
		t.Errorf("expected single-run reason, got %q", result.Reason)
	}
	if j.calls != 0 {
		t.Errorf("single-run shortcut must not call the judge, got %d calls", j.calls)
	}

	eval, _ := s.GetCrownEvaluation(task.ID)
	if eval != nil {
		t.Error("single-run shortcut should not create an evaluation record")
	}
	gotTask, _ := s.GetTask(task.ID)
	if !gotTask.IsCompleted {
		t.Error("task should be completed")
	}
}

func TestEvaluateSingleSurvivorAmongFailures(t *testing.T) {
	j := &fakeJudge{}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 3)
	s.FailRun(runs[0].ID, "crashed", 1)
	s.CompleteRun(runs[1].ID, "done", 0)
	s.FailRun(runs[2].ID, "timed out", 1)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Evaluated || result.WinnerRunID != runs[1].ID {
		t.Errorf("expected the sole survivor to be crowned, got %+v", result)
	}
	if j.calls != 0 {
		t.Error("one candidate needs no arbitration")
	}
}

func TestEvaluateArbitration(t *testing.T) {
	j := &fakeJudge{response: `{"winnerIndex":1,"reason":"more thorough tests"}`}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "attempt one", 0)
	s.CompleteRun(runs[1].ID, "attempt two", 0)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !result.Evaluated {
		t.Fatal("expected an evaluated result")
	}
	if result.WinnerRunID != runs[1].ID {
		t.Errorf("expected winner %s, got %s", runs[1].ID, result.WinnerRunID)
	}
	if result.Reason != "more thorough tests" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
	if j.calls != 1 {
		t.Errorf("expected exactly 1 judge call, got %d", j.calls)
	}

	eval, _ := s.GetCrownEvaluation(task.ID)
	if eval == nil {
		t.Fatal("expected evaluation record")
	}
	if len(eval.CandidateRunIDs) != 2 || eval.CandidateRunIDs[0] != runs[0].ID || eval.CandidateRunIDs[1] != runs[1].ID {
		t.Errorf("unexpected candidates: %v", eval.CandidateRunIDs)
	}
	if eval.EvaluationResponse != j.response {
		t.Error("evaluation record should retain the raw response")
	}

	winner, _ := s.GetRun(runs[1].ID)
	if !winner.IsCrowned {
		t.Error("winner should be crowned")
	}
	loser, _ := s.GetRun(runs[0].ID)
	if loser.IsCrowned {
		t.Error("loser should not be crowned")
	}

	gotTask, _ := s.GetTask(task.ID)
	if !gotTask.IsCompleted {
		t.Error("task should be completed")
	}
	if gotTask.Evaluation.Phase != models.EvalIdle {
		t.Errorf("sentinel should be cleared, got %s", gotTask.Evaluation.Phase)
	}
}

func TestEvaluateSkipsWhileInFlight(t *testing.T) {
	j := &fakeJudge{}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "done", 0)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Evaluated {
		t.Error("evaluation should not run while siblings are in flight")
	}
	if result.Reason != "runs still in flight" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
	if j.calls != 0 {
		t.Error("judge should not be consulted")
	}
}

func TestEvaluateSkipsCompletedTask(t *testing.T) {
	j := &fakeJudge{response: `{"winnerIndex":0,"reason":"ok"}`}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "one", 0)
	s.CompleteRun(runs[1].ID, "two", 0)

	if _, err := o.Evaluate(context.Background(), task.ID); err != nil {
		t.Fatalf("first evaluate: %v", err)
	}

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("second evaluate: %v", err)
	}
	if result.Evaluated {
		t.Error("re-evaluation of a completed task should be a no-op")
	}
	if result.Reason != "task already completed" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
	if j.calls != 1 {
		t.Errorf("judge should be consulted exactly once, got %d calls", j.calls)
	}
}

func TestEvaluateAllFailed(t *testing.T) {
	o, s := newTestOrchestrator(t, &fakeJudge{})
	task, runs := setupTask(t, s, 2)
	s.FailRun(runs[0].ID, "x", 1)
	s.FailRun(runs[1].ID, "y", 1)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Evaluated {
		t.Error("all-failed task should not be evaluated")
	}
	if result.Reason != "no eligible runs" {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
	gotTask, _ := s.GetTask(task.ID)
	if gotTask.IsCompleted {
		t.Error("all-failed task must stay open")
	}
}

func TestEvaluateLockContention(t *testing.T) {
	j := &fakeJudge{response: `{"winnerIndex":0,"reason":"ok"}`}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "one", 0)
	s.CompleteRun(runs[1].ID, "two", 0)

	// Another evaluator holds the lock.
	if acquired, _ := s.TryLockEvaluation(task.ID); !acquired {
		t.Fatal("setup lock failed")
	}

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Evaluated {
		t.Error("contended evaluation should not run")
	}
	if result.Reason != ReasonAlreadyEvaluating {
		t.Errorf("unexpected reason: %q", result.Reason)
	}
	if j.calls != 0 {
		t.Error("the loser of the lock race must not call the judge")
	}
}

func TestEvaluateJudgeFailureThenRetry(t *testing.T) {
	j := &fakeJudge{err: errors.New("connection refused")}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "one", 0)
	s.CompleteRun(runs[1].ID, "two", 0)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate with failing judge: %v", err)
	}
	if result.Evaluated {
		t.Error("failed judge call should not crown anyone")
	}

	gotTask, _ := s.GetTask(task.ID)
	if gotTask.IsCompleted {
		t.Error("task must stay open after a judge failure")
	}
	if gotTask.Evaluation.Phase != models.EvalFailed {
		t.Fatalf("expected failed sentinel, got %s", gotTask.Evaluation.Phase)
	}
	if gotTask.Evaluation.Reason == "" {
		t.Error("failure should record a reason")
	}

	// The judge recovers; a manual re-trigger succeeds.
	j.err = nil
	j.response = `{"winnerIndex":0,"reason":"recovered"}`

	result, err = o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("re-evaluate: %v", err)
	}
	if !result.Evaluated || result.WinnerRunID != runs[0].ID {
		t.Errorf("expected recovery to crown %s, got %+v", runs[0].ID, result)
	}
	if j.calls != 2 {
		t.Errorf("expected 2 judge calls total, got %d", j.calls)
	}
}

func TestEvaluateInvalidVerdict(t *testing.T) {
	j := &fakeJudge{response: "I think candidate one is best"}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "one", 0)
	s.CompleteRun(runs[1].ID, "two", 0)

	result, err := o.Evaluate(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if result.Evaluated {
		t.Error("invalid verdict should not crown anyone")
	}
	if result.Reason != ErrInvalidVerdict.Error() {
		t.Errorf("unexpected reason: %q", result.Reason)
	}

	gotTask, _ := s.GetTask(task.ID)
	if gotTask.Evaluation.Phase != models.EvalFailed {
		t.Errorf("expected failed sentinel, got %s", gotTask.Evaluation.Phase)
	}
	if gotTask.Evaluation.Reason != ErrInvalidVerdict.Error() {
		t.Errorf("unexpected failure reason: %q", gotTask.Evaluation.Reason)
	}

	// The failed state is not a lock; the next attempt proceeds.
	if acquired, _ := s.TryLockEvaluation(task.ID); !acquired {
		t.Error("failed state should not block a retry")
	}
}

func TestEvaluateTaskNotFound(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeJudge{})

	_, err := o.Evaluate(context.Background(), "no-such-task")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestEvaluateConcurrentTriggers(t *testing.T) {
	j := &fakeJudge{response: `{"winnerIndex":0,"reason":"ok"}`}
	o, s := newTestOrchestrator(t, j)
	task, runs := setupTask(t, s, 2)
	s.CompleteRun(runs[0].ID, "one", 0)
	s.CompleteRun(runs[1].ID, "two", 0)

	// Redundant sequential triggers, as fired by each sibling's completion
	// signal, converge on a single decision.
	for i := 0; i < 3; i++ {
		if _, err := o.Evaluate(context.Background(), task.ID); err != nil {
			t.Fatalf("evaluate %d: %v", i, err)
		}
	}

	if j.calls != 1 {
		t.Errorf("expected 1 judge call across all triggers, got %d", j.calls)
	}
	taskRuns, _ := s.GetRunsForTask(task.ID)
	crowned := 0
	for _, r := range taskRuns {
		if r.IsCrowned {
			crowned++
		}
	}
	if crowned != 1 {
		t.Errorf("expected exactly 1 crowned run, got %d", crowned)
	}
}
