// Package tracker talks to the issue-tracking platforms. Each platform
// exposes the same low-level API surface; Task binds that surface to one
// work item and carries the label lifecycle.
package tracker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// Comment is one tracker comment.
type Comment struct {
	ID        int64     `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// Item is the tracker-side view of an issue, PR, or MR.
type Item struct {
	Title        string
	Body         string
	State        string
	Labels       []string
	Assignees    []string
	SourceBranch string // PRs and MRs only
	CloneURL     string
}

// API is the per-platform REST surface. GitHub and GitLab both implement
// it; everything above works against this interface.
type API interface {
	GetItem(ctx context.Context, key models.TaskKey) (*Item, error)
	ListTriggered(ctx context.Context, label string) ([]models.TaskKey, error)
	AddLabel(ctx context.Context, key models.TaskKey, label string) error
	RemoveLabel(ctx context.Context, key models.TaskKey, label string) error
	CreateComment(ctx context.Context, key models.TaskKey, body string) (int64, error)
	UpdateComment(ctx context.Context, key models.TaskKey, id int64, body string) error
	ListComments(ctx context.Context, key models.TaskKey) ([]Comment, error)
	ListAssignees(ctx context.Context, key models.TaskKey) ([]string, error)
}

// Task binds one work item to its platform API and the label lifecycle.
type Task struct {
	key    models.TaskKey
	api    API
	labels config.LabelsConfig
	bot    string
}

// FromTaskKey constructs the Task for a key using the platform selected by
// the key's source.
func FromTaskKey(key models.TaskKey, cfg config.TrackerConfig) (*Task, error) {
	var api API
	var bot string
	switch key.Source {
	case models.TaskSourceGitHub:
		api = NewGitHubAPI(cfg.GitHub, cfg.Timeout())
		bot = cfg.GitHub.BotUser
	case models.TaskSourceGitLab:
		api = NewGitLabAPI(cfg.GitLab, cfg.Timeout())
		bot = cfg.GitLab.BotUser
	default:
		return nil, fmt.Errorf("unsupported task source %q", key.Source)
	}
	return NewTask(key, api, cfg.Labels, bot), nil
}

// NewTask builds a Task over an explicit API, for tests and callers that
// already hold a client.
func NewTask(key models.TaskKey, api API, labels config.LabelsConfig, botUser string) *Task {
	return &Task{key: key, api: api, labels: labels, bot: botUser}
}

// Key returns the task key.
func (t *Task) Key() models.TaskKey { return t.key }

// Comment appends a new comment and returns its id.
func (t *Task) Comment(ctx context.Context, text string) (int64, error) {
	return t.api.CreateComment(ctx, t.key, text)
}

// UpdateComment replaces an existing comment's body.
func (t *Task) UpdateComment(ctx context.Context, id int64, text string) error {
	return t.api.UpdateComment(ctx, t.key, id, text)
}

// GetComments fetches all comments on the item.
func (t *Task) GetComments(ctx context.Context) ([]Comment, error) {
	return t.api.ListComments(ctx, t.key)
}

// GetAssignees returns the current assignee usernames.
func (t *Task) GetAssignees(ctx context.Context) ([]string, error) {
	return t.api.ListAssignees(ctx, t.key)
}

// GetItem fetches the item itself.
func (t *Task) GetItem(ctx context.Context) (*Item, error) {
	return t.api.GetItem(ctx, t.key)
}

// Prepare swaps the trigger label for the in-progress label. Called by
// the producer strictly before enqueueing.
func (t *Task) Prepare(ctx context.Context) error {
	if err := t.api.RemoveLabel(ctx, t.key, t.labels.Trigger); err != nil {
		return fmt.Errorf("failed to remove trigger label: %w", err)
	}
	if err := t.api.AddLabel(ctx, t.key, t.labels.InProgress); err != nil {
		return fmt.Errorf("failed to add in-progress label: %w", err)
	}
	return nil
}

// RestoreTrigger undoes Prepare. Used when the enqueue after Prepare
// fails, so the item is picked up again on the next producer pass.
func (t *Task) RestoreTrigger(ctx context.Context) error {
	if err := t.api.RemoveLabel(ctx, t.key, t.labels.InProgress); err != nil {
		return fmt.Errorf("failed to remove in-progress label: %w", err)
	}
	if err := t.api.AddLabel(ctx, t.key, t.labels.Trigger); err != nil {
		return fmt.Errorf("failed to restore trigger label: %w", err)
	}
	return nil
}

// Finish sets the done label.
func (t *Task) Finish(ctx context.Context) error { return t.finishWith(ctx, t.labels.Done) }

// FinishFailed sets the failed label.
func (t *Task) FinishFailed(ctx context.Context) error { return t.finishWith(ctx, t.labels.Failed) }

// FinishStopped sets the stopped label.
func (t *Task) FinishStopped(ctx context.Context) error { return t.finishWith(ctx, t.labels.Stopped) }

// FinishPaused sets the paused label.
func (t *Task) FinishPaused(ctx context.Context) error { return t.finishWith(ctx, t.labels.Paused) }

func (t *Task) finishWith(ctx context.Context, label string) error {
	if err := t.api.RemoveLabel(ctx, t.key, t.labels.InProgress); err != nil {
		return fmt.Errorf("failed to remove in-progress label: %w", err)
	}
	if err := t.api.AddLabel(ctx, t.key, label); err != nil {
		return fmt.Errorf("failed to add %q label: %w", label, err)
	}
	return nil
}

// HasLabel reports whether the item still carries the label. The consumer
// re-checks the in-progress label before starting work.
func (t *Task) HasLabel(ctx context.Context, label string) (bool, error) {
	item, err := t.api.GetItem(ctx, t.key)
	if err != nil {
		return false, err
	}
	for _, l := range item.Labels {
		if l == label {
			return true, nil
		}
	}
	return false, nil
}

// GetPrompt renders the item body and comments as the initial user turn.
func (t *Task) GetPrompt(ctx context.Context) (string, error) {
	item, err := t.api.GetItem(ctx, t.key)
	if err != nil {
		return "", fmt.Errorf("failed to fetch item: %w", err)
	}
	comments, err := t.api.ListComments(ctx, t.key)
	if err != nil {
		return "", fmt.Errorf("failed to fetch comments: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", item.Title, item.Body)
	for _, c := range comments {
		if strings.HasPrefix(c.Body, ProgressMarker) {
			continue
		}
		fmt.Fprintf(&b, "\n---\nComment by %s (%s):\n%s\n",
			c.Author, c.CreatedAt.Format(time.RFC3339), c.Body)
	}
	return b.String(), nil
}

// UpsertProgress updates the bot's single progress comment, creating it on
// first use. The marker header identifies the comment; when bot is set the
// author must match too.
func (t *Task) UpsertProgress(ctx context.Context, body string) (int64, error) {
	comments, err := t.api.ListComments(ctx, t.key)
	if err != nil {
		return 0, fmt.Errorf("failed to list comments: %w", err)
	}
	for _, c := range comments {
		if !strings.HasPrefix(c.Body, ProgressMarker) {
			continue
		}
		if t.bot != "" && c.Author != t.bot {
			continue
		}
		if err := t.api.UpdateComment(ctx, t.key, c.ID, body); err != nil {
			return 0, fmt.Errorf("failed to update progress comment: %w", err)
		}
		return c.ID, nil
	}
	id, err := t.api.CreateComment(ctx, t.key, body)
	if err != nil {
		return 0, fmt.Errorf("failed to create progress comment: %w", err)
	}
	return id, nil
}
