package tracker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

var testLabels = config.LabelsConfig{
	Trigger:    "coding agent",
	InProgress: "coding agent processing",
	Done:       "coding agent done",
	Failed:     "coding agent failed",
	Paused:     "coding agent paused",
	Stopped:    "coding agent stopped",
}

type fakeAPI struct {
	item     Item
	comments []Comment
	nextID   int64
	fail     error
}

func (f *fakeAPI) GetItem(context.Context, models.TaskKey) (*Item, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	item := f.item
	return &item, nil
}

func (f *fakeAPI) ListTriggered(context.Context, string) ([]models.TaskKey, error) {
	return nil, f.fail
}

func (f *fakeAPI) AddLabel(_ context.Context, _ models.TaskKey, label string) error {
	if f.fail != nil {
		return f.fail
	}
	f.item.Labels = append(f.item.Labels, label)
	return nil
}

func (f *fakeAPI) RemoveLabel(_ context.Context, _ models.TaskKey, label string) error {
	if f.fail != nil {
		return f.fail
	}
	out := f.item.Labels[:0]
	for _, l := range f.item.Labels {
		if l != label {
			out = append(out, l)
		}
	}
	f.item.Labels = out
	return nil
}

func (f *fakeAPI) CreateComment(_ context.Context, _ models.TaskKey, body string) (int64, error) {
	if f.fail != nil {
		return 0, f.fail
	}
	f.nextID++
	f.comments = append(f.comments, Comment{ID: f.nextID, Author: "codebot", Body: body})
	return f.nextID, nil
}

func (f *fakeAPI) UpdateComment(_ context.Context, _ models.TaskKey, id int64, body string) error {
	if f.fail != nil {
		return f.fail
	}
	for i := range f.comments {
		if f.comments[i].ID == id {
			f.comments[i].Body = body
			return nil
		}
	}
	return fmt.Errorf("comment %d not found", id)
}

func (f *fakeAPI) ListComments(context.Context, models.TaskKey) ([]Comment, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return append([]Comment(nil), f.comments...), nil
}

func (f *fakeAPI) ListAssignees(context.Context, models.TaskKey) ([]string, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	return f.item.Assignees, nil
}

func testKey() models.TaskKey {
	return models.TaskKey{
		Source: models.TaskSourceGitHub,
		Type:   models.TaskTypeIssue,
		Owner:  "octo",
		Repo:   "demo",
		Number: 42,
	}
}

func TestPrepareSwapsLabels(t *testing.T) {
	api := &fakeAPI{item: Item{Labels: []string{"coding agent", "bug"}}}
	task := NewTask(testKey(), api, testLabels, "codebot")

	require.NoError(t, task.Prepare(context.Background()))
	assert.ElementsMatch(t, []string{"bug", "coding agent processing"}, api.item.Labels)
}

func TestRestoreTriggerUndoesPrepare(t *testing.T) {
	api := &fakeAPI{item: Item{Labels: []string{"coding agent"}}}
	task := NewTask(testKey(), api, testLabels, "codebot")

	require.NoError(t, task.Prepare(context.Background()))
	require.NoError(t, task.RestoreTrigger(context.Background()))
	assert.ElementsMatch(t, []string{"coding agent"}, api.item.Labels)
}

func TestFinishVariants(t *testing.T) {
	cases := []struct {
		name  string
		call  func(*Task, context.Context) error
		label string
	}{
		{"done", (*Task).Finish, "coding agent done"},
		{"failed", (*Task).FinishFailed, "coding agent failed"},
		{"paused", (*Task).FinishPaused, "coding agent paused"},
		{"stopped", (*Task).FinishStopped, "coding agent stopped"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			api := &fakeAPI{item: Item{Labels: []string{"coding agent processing"}}}
			task := NewTask(testKey(), api, testLabels, "codebot")
			require.NoError(t, tc.call(task, context.Background()))
			assert.ElementsMatch(t, []string{tc.label}, api.item.Labels)
		})
	}
}

func TestHasLabel(t *testing.T) {
	api := &fakeAPI{item: Item{Labels: []string{"coding agent processing"}}}
	task := NewTask(testKey(), api, testLabels, "codebot")

	ok, err := task.HasLabel(context.Background(), "coding agent processing")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = task.HasLabel(context.Background(), "coding agent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetPromptSkipsProgressComment(t *testing.T) {
	api := &fakeAPI{
		item: Item{Title: "Fix login", Body: "Sessions expire too early."},
		comments: []Comment{
			{ID: 1, Author: "alice", Body: "Repro: log in, wait 5 min."},
			{ID: 2, Author: "codebot", Body: ProgressMarker + "\nstuff"},
		},
	}
	task := NewTask(testKey(), api, testLabels, "codebot")

	prompt, err := task.GetPrompt(context.Background())
	require.NoError(t, err)
	assert.Contains(t, prompt, "# Fix login")
	assert.Contains(t, prompt, "Sessions expire too early.")
	assert.Contains(t, prompt, "Repro: log in, wait 5 min.")
	assert.NotContains(t, prompt, ProgressMarker)
}

func TestUpsertProgressCreatesThenUpdates(t *testing.T) {
	api := &fakeAPI{comments: []Comment{{ID: 7, Author: "alice", Body: "hi"}}}
	task := NewTask(testKey(), api, testLabels, "codebot")
	ctx := context.Background()

	first := Progress{Phase: "PLANNING", Status: "running", StartedAt: time.Now(), UpdatedAt: time.Now()}
	id, err := task.UpsertProgress(ctx, first.Render())
	require.NoError(t, err)

	second := Progress{Phase: "EXECUTION", Status: "running", StartedAt: time.Now(), UpdatedAt: time.Now()}
	id2, err := task.UpsertProgress(ctx, second.Render())
	require.NoError(t, err)
	assert.Equal(t, id, id2, "progress comment must be edited in place")

	// Only one progress comment exists; the human comment is untouched.
	progressCount := 0
	for _, c := range api.comments {
		if c.Body != "hi" {
			progressCount++
			assert.Contains(t, c.Body, "Phase: EXECUTION")
		}
	}
	assert.Equal(t, 1, progressCount)
}

func TestUpsertProgressIgnoresForeignMarker(t *testing.T) {
	api := &fakeAPI{comments: []Comment{{ID: 3, Author: "mallory", Body: ProgressMarker + "\nspoof"}}}
	task := NewTask(testKey(), api, testLabels, "codebot")

	_, err := task.UpsertProgress(context.Background(), Progress{}.Render())
	require.NoError(t, err)
	assert.Len(t, api.comments, 2, "a marker comment by another author is not reused")
}

func TestFromTaskKeySelectsPlatform(t *testing.T) {
	cfg := config.TrackerConfig{Labels: testLabels}

	gh, err := FromTaskKey(testKey(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &GitHubAPI{}, gh.api)

	gl, err := FromTaskKey(models.TaskKey{
		Source:    models.TaskSourceGitLab,
		Type:      models.TaskTypeMergeRequest,
		ProjectID: 11,
		Number:    3,
	}, cfg)
	require.NoError(t, err)
	assert.IsType(t, &GitLabAPI{}, gl.api)

	_, err = FromTaskKey(models.TaskKey{Source: "bitbucket"}, cfg)
	assert.Error(t, err)
}

func TestProgressRender(t *testing.T) {
	p := Progress{
		Phase:    "EXECUTION",
		Status:   "running",
		LLMCalls: 12,
		Checklist: []ChecklistItem{
			{ID: "task_1", Title: "reproduce the bug", Done: true},
			{ID: "task_2", Title: "patch session refresh"},
			{ID: "extra_1", Title: "add regression test", Additional: true},
		},
		History: []HistoryEvent{
			{Time: time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC), Title: "Plan created", Body: "2 subtasks"},
		},
		StartedAt: time.Date(2026, 8, 25, 9, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
	}
	body := p.Render()

	assert.True(t, len(body) > 0)
	assert.Contains(t, body, ProgressMarker)
	assert.Contains(t, body, "- Progress: 1/3 actions")
	assert.Contains(t, body, "- Latest comment: none")
	assert.Contains(t, body, "- [x] **task_1**: reproduce the bug")
	assert.Contains(t, body, "- [ ] **task_2**: patch session refresh")
	assert.Contains(t, body, "## ➕ Additional Work")
	assert.Contains(t, body, "### [09:30:00] Plan created")
	assert.Contains(t, body, "<details><summary>Details</summary>")
}
