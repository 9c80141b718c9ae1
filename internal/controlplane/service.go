// Package controlplane provides the HTTP API and service layer for Coronet.
package controlplane

import (
	"context"
	"time"

	"github.com/fentz26/coronet/internal/container"
	"github.com/fentz26/coronet/internal/crown"
	"github.com/fentz26/coronet/internal/models"
	"github.com/fentz26/coronet/internal/store"
	"github.com/sirupsen/logrus"
)

// evaluateTimeout bounds a background arbitration triggered by a completion
// signal; the judge call dominates it.
const evaluateTimeout = 2 * time.Minute

// Service provides the control plane business logic.
type Service struct {
	store   *store.Store
	orch    *crown.Orchestrator
	sweeper *container.Sweeper
	log     *logrus.Logger
}

// NewService creates a new control plane service.
func NewService(s *store.Store, orch *crown.Orchestrator, sweeper *container.Sweeper, log *logrus.Logger) *Service {
	return &Service{
		store:   s,
		orch:    orch,
		sweeper: sweeper,
		log:     log,
	}
}

// --- Task Operations ---

// CreateTask creates a new task.
func (s *Service) CreateTask(ownerID, description string) (*models.Task, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	return s.store.CreateTask(ownerID, description)
}

// GetTask retrieves a task by ID.
func (s *Service) GetTask(id string) (*models.Task, error) {
	return s.store.GetTask(id)
}

// ListTasks returns tasks, optionally filtered by owner.
func (s *Service) ListTasks(ownerID string) ([]models.Task, error) {
	return s.store.ListTasks(ownerID)
}

// --- Run Operations ---

// CreateRun creates a pending run for a task.
func (s *Service) CreateRun(p store.NewRunParams) (*models.Run, error) {
	return s.store.CreateRun(p)
}

// GetRun retrieves a run by ID.
func (s *Service) GetRun(id string) (*models.Run, error) {
	return s.store.GetRun(id)
}

// GetTaskRuns returns all runs for a task.
func (s *Service) GetTaskRuns(taskID string) ([]models.Run, error) {
	return s.store.GetRunsForTask(taskID)
}

// StartRun transitions a pending run to running.
func (s *Service) StartRun(runID string) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	return s.store.StartRun(runID)
}

// CompleteRun records a successful completion signal for a run and, when the
// task has settled, triggers crown evaluation in the background.
func (s *Service) CompleteRun(runID, summary string, exitCode int) (crown.MarkResult, error) {
	result, err := s.orch.MarkRunTerminal(runID, crown.Outcome{
		Completed: true,
		Summary:   summary,
		ExitCode:  exitCode,
	})
	if err != nil {
		return result, err
	}
	s.maybeEvaluate(result)
	return result, nil
}

// FailRun records a failure signal for a run. A failing run can settle its
// siblings, so evaluation may still trigger.
func (s *Service) FailRun(runID, errorMessage string, exitCode int) (crown.MarkResult, error) {
	result, err := s.orch.MarkRunTerminal(runID, crown.Outcome{
		ErrorMessage: errorMessage,
		ExitCode:     exitCode,
	})
	if err != nil {
		return result, err
	}
	s.maybeEvaluate(result)
	return result, nil
}

func (s *Service) maybeEvaluate(result crown.MarkResult) {
	if !result.ShouldEvaluate || result.TaskID == "" {
		return
	}
	taskID := result.TaskID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), evaluateTimeout)
		defer cancel()
		if _, err := s.orch.Evaluate(ctx, taskID); err != nil {
			s.log.WithError(err).WithField("task_id", taskID).Error("background evaluation failed")
		}
	}()
}

// EvaluateTask runs a synchronous crown evaluation attempt; this is the
// manual retry trigger for tasks whose last attempt failed.
func (s *Service) EvaluateTask(ctx context.Context, taskID string) (crown.EvalResult, error) {
	return s.orch.Evaluate(ctx, taskID)
}

// GetEvaluation returns the crown evaluation record for a task, if any.
func (s *Service) GetEvaluation(taskID string) (*models.CrownEvaluation, error) {
	return s.store.GetCrownEvaluation(taskID)
}

// GetTaskDecisions returns the audit trail for a task.
func (s *Service) GetTaskDecisions(taskID string) ([]models.Decision, error) {
	return s.store.ListDecisionsForTask(taskID)
}

// --- Container Operations ---

// SetKeepAlive sets or clears the keep-alive override on a run's container.
func (s *Service) SetKeepAlive(runID string, keepAlive bool) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	return s.store.SetKeepAlive(runID, keepAlive)
}

// TouchRun refreshes a run container's access time, pushing any scheduled
// stop out by the owner's review period.
func (s *Service) TouchRun(runID string) error {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run == nil {
		return ErrRunNotFound
	}
	settings, err := s.store.GetContainerSettings(run.OwnerID)
	if err != nil {
		return err
	}
	return s.store.TouchContainer(runID, settings.ReviewPeriod())
}

// GetContainerSettings returns the owner's cleanup policy.
func (s *Service) GetContainerSettings(ownerID string) (models.ContainerSettings, error) {
	return s.store.GetContainerSettings(ownerID)
}

// UpdateContainerSettings stores the owner's cleanup policy.
func (s *Service) UpdateContainerSettings(settings models.ContainerSettings) error {
	if settings.OwnerID == "" {
		return ErrOwnerRequired
	}
	return s.store.UpsertContainerSettings(settings)
}

// CleanupPreview reports cleanup pressure for an owner without acting.
func (s *Service) CleanupPreview(ownerID string) (container.Selection, error) {
	running, err := s.store.ListRunningContainers(ownerID)
	if err != nil {
		return container.Selection{}, err
	}
	settings, err := s.store.GetContainerSettings(ownerID)
	if err != nil {
		return container.Selection{}, err
	}
	return container.ComputeCleanupPriority(running, settings, time.Now().UTC()), nil
}

// Cleanup reclaims the owner's due containers now and returns the affected
// run IDs.
func (s *Service) Cleanup(ctx context.Context, ownerID string) ([]string, error) {
	return s.sweeper.SweepOwner(ctx, ownerID)
}
