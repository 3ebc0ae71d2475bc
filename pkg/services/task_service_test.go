package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

func newService(t *testing.T) *TaskService {
	t.Helper()
	client, err := database.New(context.Background(), config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "tasks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewTaskService(client)
}

func sampleRecord(uuid string) *models.TaskRecord {
	key := models.TaskKey{
		Source: models.TaskSourceGitHub,
		Type:   models.TaskTypeIssue,
		Owner:  "octo",
		Repo:   "demo",
		Number: 42,
	}
	return &models.TaskRecord{
		UUID:        uuid,
		KeyHash:     key.KeyHash(),
		TaskSource:  key.Source,
		TaskType:    key.Type,
		Owner:       key.Owner,
		Repo:        key.Repo,
		Number:      key.Number,
		Status:      models.TaskStatusRunning,
		LLMProvider: "openai",
		Model:       "gpt-4o",
		Requester:   "alice",
	}
}

func TestCreateAndGetTask(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rec := sampleRecord("u-1")
	require.NoError(t, svc.CreateTask(ctx, rec))
	assert.False(t, rec.CreatedAt.IsZero(), "CreateTask should stamp created_at")

	got, err := svc.GetTask(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, rec.KeyHash, got.KeyHash)
	assert.Equal(t, models.TaskStatusRunning, got.Status)
	assert.Equal(t, "alice", got.Requester)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, rec.Key(), got.Key())
}

func TestCreateTaskDuplicate(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))
	err := svc.CreateTask(ctx, sampleRecord("u-1"))
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestGetTaskNotFound(t *testing.T) {
	svc := newService(t)
	_, err := svc.GetTask(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestDeleteTask(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))
	require.NoError(t, svc.DeleteTask(ctx, "u-1"))

	_, err := svc.GetTask(ctx, "u-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	assert.ErrorIs(t, svc.DeleteTask(ctx, "u-1"), ErrTaskNotFound)
}

func TestMarkStarted(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))
	require.NoError(t, svc.MarkStarted(ctx, "u-1", 4321, "worker-a"))

	got, err := svc.GetTask(ctx, "u-1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)
	assert.Equal(t, 4321, got.ProcessID)
	assert.Equal(t, "worker-a", got.Hostname)

	assert.ErrorIs(t, svc.MarkStarted(ctx, "missing", 1, "h"), ErrTaskNotFound)
}

func TestUpdateStatus(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))

	require.NoError(t, svc.UpdateStatus(ctx, "u-1", models.TaskStatusPaused, ""))
	got, err := svc.GetTask(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, got.Status)
	assert.Nil(t, got.CompletedAt, "pause is not terminal")

	// paused -> running -> failed with error message
	require.NoError(t, svc.UpdateStatus(ctx, "u-1", models.TaskStatusRunning, ""))
	require.NoError(t, svc.UpdateStatus(ctx, "u-1", models.TaskStatusFailed, "llm budget exhausted"))

	got, err = svc.GetTask(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "llm budget exhausted", got.ErrorMessage)
}

func TestUpdateStatusInvalidTransition(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))
	require.NoError(t, svc.UpdateStatus(ctx, "u-1", models.TaskStatusCompleted, ""))

	err := svc.UpdateStatus(ctx, "u-1", models.TaskStatusRunning, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateStatusIdempotent(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))
	require.NoError(t, svc.UpdateStatus(ctx, "u-1", models.TaskStatusRunning, ""))
}

func TestIncrementCounters(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-1")))
	require.NoError(t, svc.IncrementCounters(ctx, "u-1", Counters{LLMCalls: 2, Tokens: 1500}))
	require.NoError(t, svc.IncrementCounters(ctx, "u-1", Counters{LLMCalls: 1, ToolCalls: 3, Compressions: 1}))

	got, err := svc.GetTask(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.LLMCallCount)
	assert.Equal(t, 3, got.ToolCallCount)
	assert.Equal(t, 1500, got.TotalTokens)
	assert.Equal(t, 1, got.CompressionCount)
}

func TestFindInheritable(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	keyHash := sampleRecord("").KeyHash

	// Old completed attempt outside the window.
	old := sampleRecord("u-old")
	require.NoError(t, svc.CreateTask(ctx, old))
	require.NoError(t, svc.UpdateStatus(ctx, "u-old", models.TaskStatusCompleted, ""))
	stale := time.Now().UTC().AddDate(0, 0, -120)
	_, err := svc.client.DB().ExecContext(ctx,
		svc.client.Rebind("UPDATE tasks SET completed_at = ? WHERE uuid = ?"), stale, "u-old")
	require.NoError(t, err)

	got, err := svc.FindInheritable(ctx, keyHash, 90)
	require.NoError(t, err)
	assert.Nil(t, got, "attempt past the expiry window must not be inherited")

	// Recent stopped attempt qualifies.
	recent := sampleRecord("u-recent")
	require.NoError(t, svc.CreateTask(ctx, recent))
	require.NoError(t, svc.UpdateStatus(ctx, "u-recent", models.TaskStatusStopped, ""))

	got, err = svc.FindInheritable(ctx, keyHash, 90)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-recent", got.UUID)

	// A failed attempt never qualifies, even when newer.
	failed := sampleRecord("u-failed")
	require.NoError(t, svc.CreateTask(ctx, failed))
	require.NoError(t, svc.UpdateStatus(ctx, "u-failed", models.TaskStatusFailed, "boom"))

	got, err = svc.FindInheritable(ctx, keyHash, 90)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "u-recent", got.UUID)
}

func TestFindByKeyAndStatus(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	rec := sampleRecord("u-1")
	require.NoError(t, svc.CreateTask(ctx, rec))
	require.NoError(t, svc.UpdateStatus(ctx, "u-1", models.TaskStatusPaused, ""))

	paused, err := svc.FindByKeyAndStatus(ctx, rec.KeyHash, models.TaskStatusPaused)
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "u-1", paused[0].UUID)

	running, err := svc.FindByKeyAndStatus(ctx, rec.KeyHash, models.TaskStatusRunning)
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestListTasksAndCounts(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for _, uuid := range []string{"u-1", "u-2", "u-3"} {
		require.NoError(t, svc.CreateTask(ctx, sampleRecord(uuid)))
	}
	require.NoError(t, svc.UpdateStatus(ctx, "u-3", models.TaskStatusCompleted, ""))

	all, err := svc.ListTasks(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	running, err := svc.ListTasks(ctx, models.TaskStatusRunning, 1)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	counts, err := svc.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.TaskStatusRunning])
	assert.Equal(t, 1, counts[models.TaskStatusCompleted])
}

func TestPruneOld(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-done")))
	require.NoError(t, svc.UpdateStatus(ctx, "u-done", models.TaskStatusCompleted, ""))
	require.NoError(t, svc.CreateTask(ctx, sampleRecord("u-live")))

	n, err := svc.PruneOld(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = svc.GetTask(ctx, "u-done")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = svc.GetTask(ctx, "u-live")
	assert.NoError(t, err, "running rows must survive pruning")
}
