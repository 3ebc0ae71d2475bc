package consumer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/broker"
	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/contextstore"
	"github.com/codeready-toolchain/codebot/pkg/database"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/planner"
	"github.com/codeready-toolchain/codebot/pkg/services"
	"github.com/codeready-toolchain/codebot/pkg/signals"
	"github.com/codeready-toolchain/codebot/pkg/tracker"
)

type fakeBroker struct {
	mu     sync.Mutex
	queue  []*broker.Delivery
	acked  int
	nacked int
}

func (b *fakeBroker) Enqueue(context.Context, models.Envelope) error { return nil }

func (b *fakeBroker) Get(_ context.Context, _ time.Duration, stop <-chan struct{}) (*broker.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, broker.ErrStopped
	}
	d := b.queue[0]
	b.queue = b.queue[1:]
	return d, nil
}

func (b *fakeBroker) Ack(context.Context, *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked++
	return nil
}

func (b *fakeBroker) Nack(context.Context, *broker.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nacked++
	return nil
}

func (b *fakeBroker) Close() error { return nil }

func (b *fakeBroker) counts() (acked, nacked int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked, b.nacked
}

type labelChange struct {
	op    string
	label string
}

type fakeAPI struct {
	item     *tracker.Item
	itemErr  error
	changes  []labelChange
	comments []string
}

func (f *fakeAPI) GetItem(context.Context, models.TaskKey) (*tracker.Item, error) {
	return f.item, f.itemErr
}
func (f *fakeAPI) ListTriggered(context.Context, string) ([]models.TaskKey, error) {
	return nil, nil
}
func (f *fakeAPI) AddLabel(_ context.Context, _ models.TaskKey, label string) error {
	f.changes = append(f.changes, labelChange{"add", label})
	return nil
}
func (f *fakeAPI) RemoveLabel(_ context.Context, _ models.TaskKey, label string) error {
	f.changes = append(f.changes, labelChange{"remove", label})
	return nil
}
func (f *fakeAPI) CreateComment(_ context.Context, _ models.TaskKey, body string) (int64, error) {
	f.comments = append(f.comments, body)
	return int64(len(f.comments)), nil
}
func (f *fakeAPI) UpdateComment(context.Context, models.TaskKey, int64, string) error { return nil }
func (f *fakeAPI) ListComments(context.Context, models.TaskKey) ([]tracker.Comment, error) {
	return nil, nil
}
func (f *fakeAPI) ListAssignees(context.Context, models.TaskKey) ([]string, error) {
	return []string{"codebot"}, nil
}

func (f *fakeAPI) added(label string) bool {
	for _, ch := range f.changes {
		if ch.op == "add" && ch.label == label {
			return true
		}
	}
	return false
}

func ghKey(number int) models.TaskKey {
	return models.TaskKey{
		Source: models.TaskSourceGitHub,
		Type:   models.TaskTypeIssue,
		Owner:  "octo",
		Repo:   "demo",
		Number: number,
	}
}

type fixture struct {
	consumer *Consumer
	broker   *fakeBroker
	api      *fakeAPI
	tasks    *services.TaskService
	layout   contextstore.Layout
	baseDir  string

	execCalls int
	execDirs  []string
	execOut   *planner.Outcome
	execErr   error
	counters  services.Counters
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	base := t.TempDir()

	client, err := database.New(context.Background(), config.DatabaseConfig{
		Driver: database.DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "tasks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	cfg := &config.Config{
		ContextStorage: config.ContextStorageConfig{BaseDir: base},
		ContextInheritance: config.InheritanceConfig{
			Enabled:            true,
			ContextExpiryDays:  30,
			MaxInheritedTokens: 2000,
		},
		Tracker: config.TrackerConfig{
			Labels: config.LabelsConfig{
				Trigger:    "coding agent",
				InProgress: "coding agent in progress",
				Done:       "coding agent done",
				Failed:     "coding agent failed",
				Paused:     "coding agent paused",
				Stopped:    "coding agent stopped",
			},
			GitHub: config.GitHubConfig{BotUser: "codebot"},
		},
	}

	f := &fixture{
		broker: &fakeBroker{},
		api: &fakeAPI{item: &tracker.Item{
			Title:  "Add README",
			Body:   "Please add a README.",
			Labels: []string{"coding agent in progress"},
		}},
		tasks:   services.NewTaskService(client),
		layout:  contextstore.Layout{Base: base},
		baseDir: base,
		execOut: &planner.Outcome{Status: models.TaskStatusCompleted},
	}
	f.consumer = New(cfg, f.broker, f.tasks)
	f.consumer.newTask = func(key models.TaskKey) (*tracker.Task, error) {
		return tracker.NewTask(key, f.api, cfg.Tracker.Labels, "codebot"), nil
	}
	f.consumer.execute = func(_ context.Context, _ models.Envelope, _ *tracker.Task, store *contextstore.Store) (*planner.Outcome, services.Counters, error) {
		f.execCalls++
		f.execDirs = append(f.execDirs, store.Dir())
		return f.execOut, f.counters, f.execErr
	}
	return f
}

// indexedRunning simulates the producer's insert for a fresh envelope.
func (f *fixture) indexedRunning(t *testing.T, uuid string, key models.TaskKey) {
	t.Helper()
	require.NoError(t, f.tasks.CreateTask(context.Background(), &models.TaskRecord{
		UUID:       uuid,
		KeyHash:    key.KeyHash(),
		TaskSource: key.Source,
		TaskType:   key.Type,
		Owner:      key.Owner,
		Repo:       key.Repo,
		Number:     key.Number,
		Status:     models.TaskStatusRunning,
	}))
}

func delivery(uuid string, key models.TaskKey, resumed bool) *broker.Delivery {
	return &broker.Delivery{
		Envelope: models.Envelope{TaskKey: key, UUID: uuid, IsResumed: resumed},
		Attempts: 1,
	}
}

func TestHandleDeliveryCompletes(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.counters = services.Counters{LLMCalls: 3, ToolCalls: 2, Tokens: 500}

	f.consumer.handleDelivery(context.Background(), delivery("u-1", key, false))

	assert.Equal(t, 1, f.execCalls)
	acked, nacked := f.broker.counts()
	assert.Equal(t, 1, acked)
	assert.Zero(t, nacked)

	rec, err := f.tasks.GetTask(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, rec.Status)
	require.NotNil(t, rec.CompletedAt)
	assert.NotNil(t, rec.StartedAt)
	assert.Equal(t, 3, rec.LLMCallCount)
	assert.Equal(t, 500, rec.TotalTokens)

	assert.DirExists(t, f.layout.Dir(models.TaskStatusCompleted, "u-1"))
	assert.NoDirExists(t, f.layout.Dir(models.TaskStatusRunning, "u-1"))
	assert.True(t, f.api.added("coding agent done"))

	// Metadata was written before execution.
	assert.FileExists(t, filepath.Join(f.layout.Dir(models.TaskStatusCompleted, "u-1"), "metadata.json"))
}

func TestHandleDeliverySkipsWhenLabelRemoved(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.api.item.Labels = []string{"bug"}

	f.consumer.handleDelivery(context.Background(), delivery("u-1", key, false))

	assert.Zero(t, f.execCalls)
	acked, _ := f.broker.counts()
	assert.Equal(t, 1, acked)
}

func TestHandleDeliveryFailureComment(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.execOut = &planner.Outcome{Status: models.TaskStatusFailed, Reason: "planning failed: no actions"}

	f.consumer.handleDelivery(context.Background(), delivery("u-1", key, false))

	rec, err := f.tasks.GetTask(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, rec.Status)
	assert.Equal(t, "planning failed: no actions", rec.ErrorMessage)

	// Failed attempts live under completed/; the index row says failed.
	assert.DirExists(t, f.layout.Dir(models.TaskStatusFailed, "u-1"))
	assert.True(t, f.api.added("coding agent failed"))
	require.Len(t, f.api.comments, 1)
	assert.Contains(t, f.api.comments[0], "Task failed: planning failed")
}

func TestHandleDeliveryPausedOutcome(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.execOut = &planner.Outcome{Status: models.TaskStatusPaused, Reason: "pause signal present"}

	f.consumer.handleDelivery(context.Background(), delivery("u-1", key, false))

	rec, err := f.tasks.GetTask(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, rec.Status)
	assert.Nil(t, rec.CompletedAt, "paused is not terminal")

	assert.DirExists(t, f.layout.Dir(models.TaskStatusPaused, "u-1"))
	assert.True(t, f.api.added("coding agent paused"))
	acked, _ := f.broker.counts()
	assert.Equal(t, 1, acked)
}

func TestHandleDeliveryResume(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	require.NoError(t, f.tasks.UpdateStatus(context.Background(), "u-1", models.TaskStatusPaused, ""))

	// The paused transcript survives exactly as persisted.
	store, err := contextstore.Open(f.layout.Dir(models.TaskStatusPaused, "u-1"))
	require.NoError(t, err)
	_, err = store.AppendMessage(models.RoleSystem, "system prompt", "")
	require.NoError(t, err)

	f.consumer.handleDelivery(context.Background(), delivery("u-1", key, true))

	assert.Equal(t, 1, f.execCalls)
	require.Len(t, f.execDirs, 1)
	assert.Contains(t, f.execDirs[0], filepath.Join("running", "u-1"),
		"resumed task moves back to running/ before execution")

	rec, err := f.tasks.GetTask(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, rec.Status)
}

func TestHandleDeliveryRedeliveryShortCircuits(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	require.NoError(t, os.MkdirAll(f.layout.Dir(models.TaskStatusCompleted, "u-1"), 0o755))

	d := delivery("u-1", key, false)
	d.Attempts = 2
	f.consumer.handleDelivery(context.Background(), d)

	assert.Zero(t, f.execCalls)
	acked, _ := f.broker.counts()
	assert.Equal(t, 1, acked)
}

func TestHandleDeliveryInfraErrorFails(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.execErr = errors.New("llm endpoint unreachable")

	f.consumer.handleDelivery(context.Background(), delivery("u-1", key, false))

	rec, err := f.tasks.GetTask(context.Background(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "llm endpoint unreachable")
	assert.True(t, f.api.added("coding agent failed"))
}

func TestHandleDeliveryMalformedEnvelopeAcked(t *testing.T) {
	f := newFixture(t)

	f.consumer.handleDelivery(context.Background(), &broker.Delivery{
		Envelope: models.Envelope{UUID: "u-1"},
		Attempts: 1,
	})

	assert.Zero(t, f.execCalls)
	acked, _ := f.broker.counts()
	assert.Equal(t, 1, acked)
}

func TestHandleDeliveryInheritanceSeed(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)

	// A prior completed attempt for the same item, with a final summary.
	prior := "prior-uuid-12345"
	f.indexedRunning(t, prior, key)
	require.NoError(t, f.tasks.UpdateStatus(context.Background(), prior, models.TaskStatusCompleted, ""))
	priorStore, err := contextstore.Open(f.layout.Dir(models.TaskStatusCompleted, prior))
	require.NoError(t, err)
	require.NoError(t, priorStore.WriteFinalSummary("Implemented the README skeleton."))

	f.indexedRunning(t, "u-2", key)
	f.consumer.handleDelivery(context.Background(), delivery("u-2", key, false))

	store, err := contextstore.Open(f.layout.Dir(models.TaskStatusCompleted, "u-2"))
	require.NoError(t, err)
	msgs, err := store.CurrentMessages()
	require.NoError(t, err)
	require.NotEmpty(t, msgs)
	assert.Equal(t, models.RoleAssistant, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "Previous session summary:")
	assert.Contains(t, msgs[0].Content, "README skeleton")

	var found bool
	for _, comment := range f.api.comments {
		if strings.Contains(comment, prior[:8]) {
			found = true
		}
	}
	assert.True(t, found, "inheritance notification names the prior attempt")
}

func TestRunLoopProcessesQueueAndStops(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.broker.queue = []*broker.Delivery{delivery("u-1", key, false)}

	f.consumer.Start(context.Background())
	require.Eventually(t, func() bool {
		acked, _ := f.broker.counts()
		return acked == 1
	}, 5*time.Second, 10*time.Millisecond)
	f.consumer.Stop()

	assert.Equal(t, 1, f.execCalls)
}

func TestRunLoopDefersWorkWhilePaused(t *testing.T) {
	f := newFixture(t)
	key := ghKey(1)
	f.indexedRunning(t, "u-1", key)
	f.broker.queue = []*broker.Delivery{delivery("u-1", key, false)}
	require.NoError(t, os.WriteFile(signals.PauseFile(f.baseDir), nil, 0o644))

	f.consumer.Start(context.Background())
	require.Eventually(t, func() bool {
		_, nacked := f.broker.counts()
		return nacked == 1
	}, 5*time.Second, 10*time.Millisecond)
	f.consumer.Stop()

	assert.Zero(t, f.execCalls, "no task starts while the pause signal is present")
}
