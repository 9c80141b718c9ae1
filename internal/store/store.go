// Package store provides SQLite-backed persistence for Coronet.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/coronet/internal/models"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrAlreadyEvaluated indicates a crown evaluation already exists for the task.
var ErrAlreadyEvaluated = fmt.Errorf("task already has a crown evaluation")

// ErrTaskCompleted indicates the task was already marked complete.
var ErrTaskCompleted = fmt.Errorf("task already completed")

// ErrWinnerNotFound indicates a crown commit named a run that does not belong
// to the task. This cannot heal on retry.
var ErrWinnerNotFound = fmt.Errorf("winner run not found")

// Store provides access to the Coronet SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		description TEXT,
		is_completed INTEGER NOT NULL DEFAULT 0,
		evaluation_state TEXT,
		evaluation_started_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		parent_run_id TEXT,
		owner_id TEXT NOT NULL,
		agent_label TEXT,
		branch TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		summary TEXT,
		error_message TEXT,
		exit_code INTEGER,
		is_crowned INTEGER NOT NULL DEFAULT 0,
		crown_reason TEXT,
		container_name TEXT,
		container_status TEXT NOT NULL DEFAULT 'starting',
		last_accessed_at DATETIME,
		keep_alive INTEGER NOT NULL DEFAULT 0,
		scheduled_stop_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS crown_evaluations (
		id TEXT PRIMARY KEY,
		task_id TEXT NOT NULL,
		winner_run_id TEXT NOT NULL,
		candidate_run_ids TEXT NOT NULL,
		evaluation_prompt TEXT,
		evaluation_response TEXT,
		evaluated_at DATETIME NOT NULL,
		FOREIGN KEY (task_id) REFERENCES tasks(id)
	);

	CREATE TABLE IF NOT EXISTS container_settings (
		owner_id TEXT PRIMARY KEY,
		max_running_containers INTEGER NOT NULL,
		review_period_minutes INTEGER NOT NULL,
		auto_cleanup_enabled INTEGER NOT NULL,
		stop_immediately_on_completion INTEGER NOT NULL,
		min_containers_to_keep INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_crown_evaluations_task_id ON crown_evaluations(task_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_owner_id ON tasks(owner_id);
	CREATE INDEX IF NOT EXISTS idx_runs_task_id ON runs(task_id);
	CREATE INDEX IF NOT EXISTS idx_runs_container ON runs(owner_id, container_status);
	CREATE INDEX IF NOT EXISTS idx_decisions_task_id ON decisions(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Task Operations ---

// CreateTask inserts a new task.
func (s *Store) CreateTask(ownerID, description string) (*models.Task, error) {
	now := time.Now().UTC()
	task := &models.Task{
		ID:          uuid.New().String(),
		OwnerID:     ownerID,
		Description: description,
		Evaluation:  models.EvalState{Phase: models.EvalIdle},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := s.db.Exec(
		`INSERT INTO tasks (id, owner_id, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		task.ID, task.OwnerID, task.Description, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, owner_id, description, is_completed, evaluation_state, evaluation_started_at, created_at, updated_at`

func scanTask(row interface{ Scan(...interface{}) error }) (*models.Task, error) {
	task := &models.Task{}
	var evalState sql.NullString
	var evalStarted sql.NullTime
	var description sql.NullString

	err := row.Scan(&task.ID, &task.OwnerID, &description, &task.IsCompleted, &evalState, &evalStarted, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		return nil, err
	}
	task.Description = description.String
	task.Evaluation = models.ParseEvalState(evalState.String)
	if evalStarted.Valid {
		task.EvaluationStartedAt = &evalStarted.Time
	}
	return task, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(id string) (*models.Task, error) {
	task, err := scanTask(s.db.QueryRow(`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	return task, nil
}

// ListTasks returns tasks, optionally filtered by owner.
func (s *Store) ListTasks(ownerID string) ([]models.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []interface{}

	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// --- Evaluation Lock Operations ---

// TryLockEvaluation attempts to take the task's evaluation lock with a single
// conditional update. The guard closes the read-then-patch race: two callers
// may both observe an unlocked task, but only one update can match the
// "not locked, not completed" predicate.
func (s *Store) TryLockEvaluation(taskID string) (bool, error) {
	now := time.Now().UTC()
	locked := models.EvalState{Phase: models.EvalInProgress}.Sentinel()

	result, err := s.db.Exec(
		`UPDATE tasks SET evaluation_state = ?, evaluation_started_at = ?, updated_at = ?
		 WHERE id = ? AND is_completed = 0 AND (evaluation_state IS NULL OR evaluation_state <> ?)`,
		locked, now, now, taskID, locked,
	)
	if err != nil {
		return false, fmt.Errorf("lock evaluation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return rowsAffected == 1, nil
}

// ReleaseEvaluation clears the evaluation lock. An empty reason returns the
// task to idle; a non-empty reason records the failure and unlocks future
// attempts, since it no longer matches the lock sentinel.
func (s *Store) ReleaseEvaluation(taskID, reason string) error {
	now := time.Now().UTC()
	var state interface{}
	if reason != "" {
		state = reason
	}
	_, err := s.db.Exec(
		`UPDATE tasks SET evaluation_state = ?, evaluation_started_at = NULL, updated_at = ? WHERE id = ?`,
		state, now, taskID,
	)
	if err != nil {
		return fmt.Errorf("release evaluation: %w", err)
	}
	return nil
}

// ReapStaleEvaluations clears evaluation locks older than ttl, writing a
// failure reason so the next trigger can re-attempt. It returns the affected
// task IDs. A crashed evaluator is the only way a lock outlives its attempt.
func (s *Store) ReapStaleEvaluations(ttl time.Duration) ([]string, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-ttl)
	locked := models.EvalState{Phase: models.EvalInProgress}.Sentinel()

	rows, err := s.db.Query(
		`SELECT id FROM tasks WHERE evaluation_state = ? AND evaluation_started_at IS NOT NULL AND evaluation_started_at <= ?`,
		locked, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("query stale evaluations: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale evaluation: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reason := fmt.Sprintf("evaluation abandoned after %s without a result", ttl)
	var reaped []string
	for _, id := range ids {
		result, err := s.db.Exec(
			`UPDATE tasks SET evaluation_state = ?, evaluation_started_at = NULL, updated_at = ?
			 WHERE id = ? AND evaluation_state = ? AND evaluation_started_at <= ?`,
			reason, now, id, locked, cutoff,
		)
		if err != nil {
			return reaped, fmt.Errorf("reap evaluation %s: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n == 1 {
			reaped = append(reaped, id)
		}
	}
	return reaped, nil
}

// --- Run Operations ---

// NewRunParams holds the inputs for creating a run.
type NewRunParams struct {
	TaskID        string
	ParentRunID   string
	AgentLabel    string
	Branch        string
	ContainerName string
}

// CreateRun inserts a new pending run for a task. The owner is inherited from
// the task.
func (s *Store) CreateRun(p NewRunParams) (*models.Run, error) {
	task, err := s.GetTask(p.TaskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", p.TaskID)
	}

	now := time.Now().UTC()
	run := &models.Run{
		ID:              uuid.New().String(),
		TaskID:          p.TaskID,
		ParentRunID:     p.ParentRunID,
		OwnerID:         task.OwnerID,
		AgentLabel:      p.AgentLabel,
		Branch:          p.Branch,
		Status:          models.RunStatusPending,
		ContainerName:   p.ContainerName,
		ContainerStatus: models.ContainerStarting,
		LastAccessedAt:  now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	_, err = s.db.Exec(
		`INSERT INTO runs (id, task_id, parent_run_id, owner_id, agent_label, branch, status, container_name, container_status, last_accessed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, nullable(run.ParentRunID), run.OwnerID, run.AgentLabel, run.Branch,
		run.Status, run.ContainerName, run.ContainerStatus, run.LastAccessedAt, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

const runColumns = `id, task_id, parent_run_id, owner_id, agent_label, branch, status, summary, error_message, exit_code,
	is_crowned, crown_reason, container_name, container_status, last_accessed_at, keep_alive, scheduled_stop_at,
	created_at, updated_at, completed_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*models.Run, error) {
	run := &models.Run{}
	var parentRunID, summary, errorMessage, crownReason, containerName sql.NullString
	var exitCode sql.NullInt64
	var lastAccessed, scheduledStop, completedAt sql.NullTime

	err := row.Scan(
		&run.ID, &run.TaskID, &parentRunID, &run.OwnerID, &run.AgentLabel, &run.Branch,
		&run.Status, &summary, &errorMessage, &exitCode,
		&run.IsCrowned, &crownReason, &containerName, &run.ContainerStatus,
		&lastAccessed, &run.KeepAlive, &scheduledStop,
		&run.CreatedAt, &run.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	run.ParentRunID = parentRunID.String
	run.Summary = summary.String
	run.ErrorMessage = errorMessage.String
	run.CrownReason = crownReason.String
	run.ContainerName = containerName.String
	if exitCode.Valid {
		run.ExitCode = int(exitCode.Int64)
	}
	if lastAccessed.Valid {
		run.LastAccessedAt = lastAccessed.Time
	}
	if scheduledStop.Valid {
		run.ScheduledStopAt = &scheduledStop.Time
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(id string) (*models.Run, error) {
	run, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query run: %w", err)
	}
	return run, nil
}

// GetRunsForTask returns all runs for a task in creation order.
func (s *Store) GetRunsForTask(taskID string) ([]models.Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE task_id = ? ORDER BY created_at ASC, id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// StartRun transitions a pending run to running and marks its container up.
func (s *Store) StartRun(id string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE runs SET status = ?, container_status = ?, last_accessed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.RunStatusRunning, models.ContainerRunning, now, now, id, models.RunStatusPending,
	)
	return err
}

// CompleteRun transitions a run to completed. The status guard makes the
// operation idempotent: a run already in a terminal state is not touched and
// the call reports zero rows changed.
func (s *Store) CompleteRun(id, summary string, exitCode int) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, summary = ?, exit_code = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.RunStatusCompleted, summary, exitCode, now, now,
		id, models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("complete run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// FailRun transitions a run to failed with the same idempotency guard as
// CompleteRun.
func (s *Store) FailRun(id, errorMessage string, exitCode int) (bool, error) {
	now := time.Now().UTC()
	result, err := s.db.Exec(
		`UPDATE runs SET status = ?, error_message = ?, exit_code = ?, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		models.RunStatusFailed, errorMessage, exitCode, now, now,
		id, models.RunStatusPending, models.RunStatusRunning,
	)
	if err != nil {
		return false, fmt.Errorf("fail run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// --- Crown Operations ---

// CrownSingleRunTx crowns the sole eligible run of a task and marks the task
// complete in one transaction. No evaluation record is created; there was no
// arbitration.
func (s *Store) CrownSingleRunTx(taskID, runID, reason string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if err := crownWinner(tx, taskID, runID, reason, now); err != nil {
		return err
	}
	if err := completeTask(tx, taskID, now); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// CommitCrownTx persists a full arbitration outcome: crowns the winner,
// un-crowns any stale sibling, inserts the evaluation record, and marks the
// task complete, all in one transaction. The unique index on
// crown_evaluations.task_id enforces the one-evaluation-per-task invariant;
// a duplicate commit surfaces as ErrAlreadyEvaluated.
func (s *Store) CommitCrownTx(taskID, winnerRunID, reason string, candidateRunIDs []string, prompt, response string) (*models.CrownEvaluation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	eval := &models.CrownEvaluation{
		ID:                 uuid.New().String(),
		TaskID:             taskID,
		WinnerRunID:        winnerRunID,
		CandidateRunIDs:    candidateRunIDs,
		EvaluationPrompt:   prompt,
		EvaluationResponse: response,
		EvaluatedAt:        now,
	}
	candidatesJSON, err := json.Marshal(candidateRunIDs)
	if err != nil {
		return nil, fmt.Errorf("marshal candidates: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO crown_evaluations (id, task_id, winner_run_id, candidate_run_ids, evaluation_prompt, evaluation_response, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		eval.ID, eval.TaskID, eval.WinnerRunID, string(candidatesJSON), eval.EvaluationPrompt, eval.EvaluationResponse, eval.EvaluatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "unique constraint") {
			return nil, ErrAlreadyEvaluated
		}
		return nil, fmt.Errorf("insert evaluation: %w", err)
	}

	if err := crownWinner(tx, taskID, winnerRunID, reason, now); err != nil {
		return nil, err
	}
	if err := completeTask(tx, taskID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return eval, nil
}

// crownWinner sets the crown on the winner and clears it from any sibling
// still holding it. Clearing a crown that is already clear is a no-op, so the
// reconciliation is idempotent and order-insensitive.
func crownWinner(tx *sql.Tx, taskID, winnerRunID, reason string, now time.Time) error {
	result, err := tx.Exec(
		`UPDATE runs SET is_crowned = 1, crown_reason = ?, updated_at = ? WHERE id = ? AND task_id = ?`,
		reason, now, winnerRunID, taskID,
	)
	if err != nil {
		return fmt.Errorf("crown winner: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %s for task %s", ErrWinnerNotFound, winnerRunID, taskID)
	}

	_, err = tx.Exec(
		`UPDATE runs SET is_crowned = 0, crown_reason = NULL, updated_at = ? WHERE task_id = ? AND id <> ? AND is_crowned = 1`,
		now, taskID, winnerRunID,
	)
	if err != nil {
		return fmt.Errorf("clear stale crowns: %w", err)
	}
	return nil
}

// completeTask marks the task complete and returns the sentinel to idle.
// The is_completed guard keeps completion a set-once transition.
func completeTask(tx *sql.Tx, taskID string, now time.Time) error {
	result, err := tx.Exec(
		`UPDATE tasks SET is_completed = 1, evaluation_state = NULL, evaluation_started_at = NULL, updated_at = ?
		 WHERE id = ? AND is_completed = 0`,
		now, taskID,
	)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrTaskCompleted
	}
	return nil
}

// GetCrownEvaluation returns the evaluation record for a task, if any.
func (s *Store) GetCrownEvaluation(taskID string) (*models.CrownEvaluation, error) {
	eval := &models.CrownEvaluation{}
	var candidatesJSON string
	var prompt, response sql.NullString

	err := s.db.QueryRow(
		`SELECT id, task_id, winner_run_id, candidate_run_ids, evaluation_prompt, evaluation_response, evaluated_at
		 FROM crown_evaluations WHERE task_id = ?`,
		taskID,
	).Scan(&eval.ID, &eval.TaskID, &eval.WinnerRunID, &candidatesJSON, &prompt, &response, &eval.EvaluatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query evaluation: %w", err)
	}
	eval.EvaluationPrompt = prompt.String
	eval.EvaluationResponse = response.String
	if candidatesJSON != "" {
		if err := json.Unmarshal([]byte(candidatesJSON), &eval.CandidateRunIDs); err != nil {
			return nil, fmt.Errorf("unmarshal candidates: %w", err)
		}
	}
	return eval, nil
}

// --- Container Operations ---

// ListRunningContainers returns the owner's runs whose container is running.
func (s *Store) ListRunningContainers(ownerID string) ([]models.Run, error) {
	rows, err := s.db.Query(
		`SELECT `+runColumns+` FROM runs WHERE owner_id = ? AND container_status = ? ORDER BY created_at ASC, id ASC`,
		ownerID, models.ContainerRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("query running containers: %w", err)
	}
	defer rows.Close()

	var runs []models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// ListOwnersWithRunningContainers returns owners that currently have at least
// one running container.
func (s *Store) ListOwnersWithRunningContainers() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT owner_id FROM runs WHERE container_status = ? ORDER BY owner_id`,
		models.ContainerRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("query owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// SetContainerStatus updates the container status of a run.
func (s *Store) SetContainerStatus(runID string, status models.ContainerStatus) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE runs SET container_status = ?, updated_at = ? WHERE id = ?`,
		status, now, runID,
	)
	return err
}

// ScheduleContainerStop sets the time at which a run's container becomes a
// stop candidate.
func (s *Store) ScheduleContainerStop(runID string, at time.Time) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE runs SET scheduled_stop_at = ?, updated_at = ? WHERE id = ?`,
		at.UTC(), now, runID,
	)
	return err
}

// TouchContainer refreshes a run's last access time and, if a stop is already
// scheduled, pushes it out by the review period.
func (s *Store) TouchContainer(runID string, reviewPeriod time.Duration) error {
	now := time.Now().UTC()
	newStop := now.Add(reviewPeriod)
	_, err := s.db.Exec(
		`UPDATE runs SET last_accessed_at = ?,
		 scheduled_stop_at = CASE WHEN scheduled_stop_at IS NOT NULL THEN ? ELSE NULL END,
		 updated_at = ? WHERE id = ?`,
		now, newStop, now, runID,
	)
	return err
}

// SetKeepAlive sets or clears the user's keep-alive override on a run.
func (s *Store) SetKeepAlive(runID string, keepAlive bool) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(
		`UPDATE runs SET keep_alive = ?, updated_at = ? WHERE id = ?`,
		keepAlive, now, runID,
	)
	return err
}

// --- Container Settings ---

// GetContainerSettings returns the owner's cleanup policy, falling back to
// defaults when no row exists.
func (s *Store) GetContainerSettings(ownerID string) (models.ContainerSettings, error) {
	settings := models.ContainerSettings{OwnerID: ownerID}
	err := s.db.QueryRow(
		`SELECT max_running_containers, review_period_minutes, auto_cleanup_enabled, stop_immediately_on_completion, min_containers_to_keep
		 FROM container_settings WHERE owner_id = ?`,
		ownerID,
	).Scan(
		&settings.MaxRunningContainers, &settings.ReviewPeriodMinutes, &settings.AutoCleanupEnabled,
		&settings.StopImmediatelyOnCompletion, &settings.MinContainersToKeep,
	)

	if err == sql.ErrNoRows {
		return models.DefaultContainerSettings(ownerID), nil
	}
	if err != nil {
		return settings, fmt.Errorf("query container settings: %w", err)
	}
	return settings, nil
}

// UpsertContainerSettings stores the owner's cleanup policy.
func (s *Store) UpsertContainerSettings(settings models.ContainerSettings) error {
	_, err := s.db.Exec(
		`INSERT INTO container_settings (owner_id, max_running_containers, review_period_minutes, auto_cleanup_enabled, stop_immediately_on_completion, min_containers_to_keep)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner_id) DO UPDATE SET
			max_running_containers = excluded.max_running_containers,
			review_period_minutes = excluded.review_period_minutes,
			auto_cleanup_enabled = excluded.auto_cleanup_enabled,
			stop_immediately_on_completion = excluded.stop_immediately_on_completion,
			min_containers_to_keep = excluded.min_containers_to_keep`,
		settings.OwnerID, settings.MaxRunningContainers, settings.ReviewPeriodMinutes,
		settings.AutoCleanupEnabled, settings.StopImmediatelyOnCompletion, settings.MinContainersToKeep,
	)
	if err != nil {
		return fmt.Errorf("upsert container settings: %w", err)
	}
	return nil
}

// --- Decision Operations ---

// WriteDecision writes an audit decision record.
func (s *Store) WriteDecision(action, inputsHash, outcome, taskID, details string) (*models.Decision, error) {
	now := time.Now().UTC()
	decision := &models.Decision{
		ID:         uuid.New().String(),
		Action:     action,
		InputsHash: inputsHash,
		Outcome:    outcome,
		TaskID:     taskID,
		Details:    details,
		Timestamp:  now,
	}

	_, err := s.db.Exec(
		`INSERT INTO decisions (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		decision.ID, decision.Action, decision.InputsHash, decision.Outcome, decision.TaskID, decision.Details, decision.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert decision: %w", err)
	}
	return decision, nil
}

// ListDecisionsForTask returns the audit trail for a task, newest first.
func (s *Store) ListDecisionsForTask(taskID string) ([]models.Decision, error) {
	rows, err := s.db.Query(
		`SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM decisions WHERE task_id = ? ORDER BY timestamp DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []models.Decision
	for rows.Next() {
		var d models.Decision
		var taskID, details sql.NullString
		if err := rows.Scan(&d.ID, &d.Action, &d.InputsHash, &d.Outcome, &taskID, &details, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.TaskID = taskID.String
		d.Details = details.String
		decisions = append(decisions, d)
	}
	return decisions, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
