// Package models defines the core domain types for Coronet.
package models

import "time"

// RunStatus represents the current state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is a terminal state.
// Status transitions are monotonic; a terminal run never goes back.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ContainerStatus represents the state of the compute container backing a run.
type ContainerStatus string

const (
	ContainerStarting ContainerStatus = "starting"
	ContainerRunning  ContainerStatus = "running"
	ContainerStopped  ContainerStatus = "stopped"
)

// EvalPhase is the tagged state of a task's evaluation sentinel.
type EvalPhase string

const (
	EvalIdle       EvalPhase = "idle"
	EvalInProgress EvalPhase = "in_progress"
	EvalFailed     EvalPhase = "failed"
)

// evalSentinelLocked is the persisted sentinel value for a held lock.
// Any other non-empty value is a failure reason, not a lock.
const evalSentinelLocked = "in_progress"

// EvalState is the explicit form of the evaluation sentinel: Idle, InProgress,
// or Failed with a reason. It is persisted as a single nullable string column
// (NULL, "in_progress", or the error message) and parsed at the store boundary.
type EvalState struct {
	Phase  EvalPhase `json:"phase"`
	Reason string    `json:"reason,omitempty"`
}

// ParseEvalState converts the persisted sentinel string into a tagged state.
func ParseEvalState(raw string) EvalState {
	switch raw {
	case "":
		return EvalState{Phase: EvalIdle}
	case evalSentinelLocked:
		return EvalState{Phase: EvalInProgress}
	default:
		return EvalState{Phase: EvalFailed, Reason: raw}
	}
}

// Sentinel returns the persisted string form of the state.
func (s EvalState) Sentinel() string {
	switch s.Phase {
	case EvalInProgress:
		return evalSentinelLocked
	case EvalFailed:
		return s.Reason
	default:
		return ""
	}
}

// TaskPhase is the derived per-task state machine:
// AwaitingRuns -> Evaluating -> Crowned, with Failed as the retryable error state.
type TaskPhase string

const (
	TaskAwaitingRuns TaskPhase = "awaiting_runs"
	TaskEvaluating   TaskPhase = "evaluating"
	TaskCrowned      TaskPhase = "crowned"
	TaskFailed       TaskPhase = "failed"
)

// Task is a unit of work attempted by one or more parallel runs.
type Task struct {
	ID          string `json:"id"`
	OwnerID     string `json:"owner_id"`
	Description string `json:"description"`
	// IsCompleted is set exactly once, when a winner is crowned.
	IsCompleted bool      `json:"is_completed"`
	Evaluation  EvalState `json:"evaluation"`
	// EvaluationStartedAt records when the evaluation lock was taken,
	// so a sweep can reap locks abandoned by a crashed evaluator.
	EvaluationStartedAt *time.Time `json:"evaluation_started_at,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Phase derives the task state machine position from the persisted fields.
func (t *Task) Phase() TaskPhase {
	switch {
	case t.IsCompleted:
		return TaskCrowned
	case t.Evaluation.Phase == EvalInProgress:
		return TaskEvaluating
	case t.Evaluation.Phase == EvalFailed:
		return TaskFailed
	default:
		return TaskAwaitingRuns
	}
}

// Run represents one independent execution attempt (branch) of a task.
type Run struct {
	ID          string `json:"id"`
	TaskID      string `json:"task_id"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	OwnerID     string `json:"owner_id"`
	AgentLabel  string `json:"agent_label"`
	Branch      string `json:"branch"`

	Status       RunStatus `json:"status"`
	Summary      string    `json:"summary,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ExitCode     int       `json:"exit_code"`

	// IsCrowned marks the winning run; at most one per task holds it at rest.
	IsCrowned   bool   `json:"is_crowned"`
	CrownReason string `json:"crown_reason,omitempty"`

	// Container fields mutate independently of Status after completion:
	// a completed run's container may keep running for a review window.
	ContainerName   string          `json:"container_name,omitempty"`
	ContainerStatus ContainerStatus `json:"container_status"`
	LastAccessedAt  time.Time       `json:"last_accessed_at"`
	KeepAlive       bool            `json:"keep_alive"`
	ScheduledStopAt *time.Time      `json:"scheduled_stop_at,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// CrownEvaluation is the immutable decision record of one arbitration.
// At most one exists per task.
type CrownEvaluation struct {
	ID                 string    `json:"id"`
	TaskID             string    `json:"task_id"`
	WinnerRunID        string    `json:"winner_run_id"`
	CandidateRunIDs    []string  `json:"candidate_run_ids"`
	EvaluationPrompt   string    `json:"evaluation_prompt"`
	EvaluationResponse string    `json:"evaluation_response"`
	EvaluatedAt        time.Time `json:"evaluated_at"`
}

// ContainerSettings is the per-owner container cleanup policy.
type ContainerSettings struct {
	OwnerID                     string `json:"owner_id" yaml:"owner_id"`
	MaxRunningContainers        int    `json:"max_running_containers" yaml:"max_running_containers"`
	ReviewPeriodMinutes         int    `json:"review_period_minutes" yaml:"review_period_minutes"`
	AutoCleanupEnabled          bool   `json:"auto_cleanup_enabled" yaml:"auto_cleanup_enabled"`
	StopImmediatelyOnCompletion bool   `json:"stop_immediately_on_completion" yaml:"stop_immediately_on_completion"`
	MinContainersToKeep         int    `json:"min_containers_to_keep" yaml:"min_containers_to_keep"`
}

// DefaultContainerSettings returns the policy applied to owners without a
// stored settings row.
func DefaultContainerSettings(ownerID string) ContainerSettings {
	return ContainerSettings{
		OwnerID:                     ownerID,
		MaxRunningContainers:        5,
		ReviewPeriodMinutes:         60,
		AutoCleanupEnabled:          true,
		StopImmediatelyOnCompletion: false,
		MinContainersToKeep:         1,
	}
}

// ReviewPeriod returns the review window as a duration.
func (s ContainerSettings) ReviewPeriod() time.Duration {
	return time.Duration(s.ReviewPeriodMinutes) * time.Minute
}

// Decision is an append-only audit record of a state-mutating decision.
type Decision struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
