package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

const taskColumns = `uuid, key_hash, task_source, task_type, owner, repo, project_id, number,
	status, created_at, started_at, completed_at, process_id, hostname,
	llm_provider, model, context_length,
	llm_call_count, tool_call_count, total_tokens, compression_count,
	error_message, requester`

// TaskService persists task attempts in the index table. The index row is
// the source of truth for a task's status; the on-disk layout follows it.
type TaskService struct {
	client *database.Client
}

// NewTaskService creates a task service backed by the given client.
func NewTaskService(client *database.Client) *TaskService {
	return &TaskService{client: client}
}

// CreateTask inserts a new index row. The record's CreatedAt is set to now
// if zero. Returns ErrAlreadyExists when a row with the same uuid exists.
func (s *TaskService) CreateTask(ctx context.Context, rec *models.TaskRecord) error {
	if rec.UUID == "" {
		return fmt.Errorf("task record missing uuid")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = models.TaskStatusRunning
	}

	var exists int
	err := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind("SELECT count(*) FROM tasks WHERE uuid = ?"), rec.UUID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check for existing task %s: %w", rec.UUID, err)
	}
	if exists > 0 {
		return fmt.Errorf("task %s: %w", rec.UUID, ErrAlreadyExists)
	}

	query := s.client.Rebind(`INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.client.DB().ExecContext(ctx, query,
		rec.UUID, rec.KeyHash, string(rec.TaskSource), string(rec.TaskType),
		rec.Owner, rec.Repo, rec.ProjectID, rec.Number,
		string(rec.Status), rec.CreatedAt, nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
		rec.ProcessID, rec.Hostname,
		rec.LLMProvider, rec.Model, rec.ContextLength,
		rec.LLMCallCount, rec.ToolCallCount, rec.TotalTokens, rec.CompressionCount,
		rec.ErrorMessage, rec.Requester)
	if err != nil {
		return fmt.Errorf("failed to insert task %s: %w", rec.UUID, err)
	}
	return nil
}

// GetTask loads the index row for uuid.
func (s *TaskService) GetTask(ctx context.Context, uuid string) (*models.TaskRecord, error) {
	row := s.client.DB().QueryRowContext(ctx,
		s.client.Rebind("SELECT "+taskColumns+" FROM tasks WHERE uuid = ?"), uuid)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", uuid, ErrTaskNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task %s: %w", uuid, err)
	}
	return rec, nil
}

// MarkStarted records the worker identity and start time on the row.
func (s *TaskService) MarkStarted(ctx context.Context, uuid string, pid int, hostname string) error {
	query := s.client.Rebind(
		"UPDATE tasks SET started_at = ?, process_id = ?, hostname = ? WHERE uuid = ?")
	res, err := s.client.DB().ExecContext(ctx, query, time.Now().UTC(), pid, hostname, uuid)
	if err != nil {
		return fmt.Errorf("failed to mark task %s started: %w", uuid, err)
	}
	return requireAffected(res, uuid)
}

// UpdateStatus transitions the task to a new status, validating the move
// against the lifecycle state machine. Terminal statuses set completed_at.
// errMsg is recorded on the row; pass "" to leave it unchanged.
func (s *TaskService) UpdateStatus(ctx context.Context, uuid string, to models.TaskStatus, errMsg string) error {
	rec, err := s.GetTask(ctx, uuid)
	if err != nil {
		return err
	}
	if !models.ValidTransition(rec.Status, to) {
		return fmt.Errorf("task %s: %s -> %s: %w", uuid, rec.Status, to, ErrInvalidTransition)
	}

	query := "UPDATE tasks SET status = ?"
	args := []any{string(to)}
	if to.IsTerminal() {
		query += ", completed_at = ?"
		args = append(args, time.Now().UTC())
	}
	if errMsg != "" {
		query += ", error_message = ?"
		args = append(args, errMsg)
	}
	query += " WHERE uuid = ?"
	args = append(args, uuid)

	res, err := s.client.DB().ExecContext(ctx, s.client.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s status: %w", uuid, err)
	}
	return requireAffected(res, uuid)
}

// Counters is a delta applied to a task's running counters.
type Counters struct {
	LLMCalls     int
	ToolCalls    int
	Tokens       int
	Compressions int
}

// IncrementCounters adds the deltas to the row's running counters.
func (s *TaskService) IncrementCounters(ctx context.Context, uuid string, d Counters) error {
	query := s.client.Rebind(`UPDATE tasks SET
		llm_call_count    = llm_call_count + ?,
		tool_call_count   = tool_call_count + ?,
		total_tokens      = total_tokens + ?,
		compression_count = compression_count + ?
		WHERE uuid = ?`)
	res, err := s.client.DB().ExecContext(ctx, query,
		d.LLMCalls, d.ToolCalls, d.Tokens, d.Compressions, uuid)
	if err != nil {
		return fmt.Errorf("failed to increment counters for task %s: %w", uuid, err)
	}
	return requireAffected(res, uuid)
}

// DeleteTask removes the index row for uuid. The producer uses this to
// back out a freshly inserted row when the enqueue after it fails.
func (s *TaskService) DeleteTask(ctx context.Context, uuid string) error {
	res, err := s.client.DB().ExecContext(ctx,
		s.client.Rebind("DELETE FROM tasks WHERE uuid = ?"), uuid)
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", uuid, err)
	}
	return requireAffected(res, uuid)
}

// FindInheritable returns the most recent prior attempt for the same task
// key that finished as completed or stopped within the expiry window, or
// nil when none qualifies.
func (s *TaskService) FindInheritable(ctx context.Context, keyHash string, expiryDays int) (*models.TaskRecord, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -expiryDays)
	query := s.client.Rebind("SELECT " + taskColumns + ` FROM tasks
		WHERE key_hash = ? AND status IN ('completed', 'stopped') AND completed_at >= ?
		ORDER BY completed_at DESC LIMIT 1`)
	row := s.client.DB().QueryRowContext(ctx, query, keyHash, cutoff)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find inheritable attempt for %s: %w", keyHash, err)
	}
	return rec, nil
}

// FindByKeyAndStatus returns attempts for the task key in the given status,
// most recent first. Used to locate paused attempts on resumption.
func (s *TaskService) FindByKeyAndStatus(ctx context.Context, keyHash string, status models.TaskStatus) ([]*models.TaskRecord, error) {
	query := s.client.Rebind("SELECT " + taskColumns + ` FROM tasks
		WHERE key_hash = ? AND status = ? ORDER BY created_at DESC`)
	rows, err := s.client.DB().QueryContext(ctx, query, keyHash, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks for %s: %w", keyHash, err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasks returns index rows, most recent first, optionally filtered by
// status. limit <= 0 means no limit.
func (s *TaskService) ListTasks(ctx context.Context, status models.TaskStatus, limit int) ([]*models.TaskRecord, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	args := []any{}
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.client.DB().QueryContext(ctx, s.client.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// CountByStatus returns a status -> count map over all index rows.
func (s *TaskService) CountByStatus(ctx context.Context) (map[models.TaskStatus]int, error) {
	rows, err := s.client.DB().QueryContext(ctx,
		"SELECT status, count(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := map[models.TaskStatus]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[models.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

// ListPausedExpired returns paused attempts whose last activity is older
// than the expiry window. The cleanup service stops these.
func (s *TaskService) ListPausedExpired(ctx context.Context, expiryDays int) ([]*models.TaskRecord, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -expiryDays)
	query := s.client.Rebind("SELECT " + taskColumns + ` FROM tasks
		WHERE status = 'paused' AND created_at < ? ORDER BY created_at ASC`)
	rows, err := s.client.DB().QueryContext(ctx, query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired paused tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTerminalBefore returns terminal rows completed before the cutoff,
// oldest first. The cleanup service deletes their context directories and
// then prunes the rows.
func (s *TaskService) ListTerminalBefore(ctx context.Context, before time.Time) ([]*models.TaskRecord, error) {
	query := s.client.Rebind("SELECT " + taskColumns + ` FROM tasks
		WHERE status IN ('completed', 'failed', 'stopped') AND completed_at < ?
		ORDER BY completed_at ASC`)
	rows, err := s.client.DB().QueryContext(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("failed to list old terminal tasks: %w", err)
	}
	defer rows.Close()
	return scanTasks(rows)
}

// PruneOld deletes terminal rows completed before the cutoff and returns
// how many were removed.
func (s *TaskService) PruneOld(ctx context.Context, before time.Time) (int64, error) {
	query := s.client.Rebind(`DELETE FROM tasks
		WHERE status IN ('completed', 'failed', 'stopped') AND completed_at < ?`)
	res, err := s.client.DB().ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune old tasks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count pruned tasks: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.TaskRecord, error) {
	var (
		rec                models.TaskRecord
		source, taskType   string
		status             string
		started, completed sql.NullTime
	)
	err := row.Scan(
		&rec.UUID, &rec.KeyHash, &source, &taskType,
		&rec.Owner, &rec.Repo, &rec.ProjectID, &rec.Number,
		&status, &rec.CreatedAt, &started, &completed,
		&rec.ProcessID, &rec.Hostname,
		&rec.LLMProvider, &rec.Model, &rec.ContextLength,
		&rec.LLMCallCount, &rec.ToolCallCount, &rec.TotalTokens, &rec.CompressionCount,
		&rec.ErrorMessage, &rec.Requester)
	if err != nil {
		return nil, err
	}
	rec.TaskSource = models.TaskSource(source)
	rec.TaskType = models.TaskType(taskType)
	rec.Status = models.TaskStatus(status)
	if started.Valid {
		t := started.Time
		rec.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		rec.CompletedAt = &t
	}
	return &rec, nil
}

func scanTasks(rows *sql.Rows) ([]*models.TaskRecord, error) {
	var out []*models.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func requireAffected(res sql.Result, uuid string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for task %s: %w", uuid, err)
	}
	if n == 0 {
		return fmt.Errorf("task %s: %w", uuid, ErrTaskNotFound)
	}
	return nil
}
