package models

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task attempt.
type TaskStatus string

// Task lifecycle states. completed, failed and stopped are terminal and all
// live under the completed/ directory on disk; the index row is the source
// of truth for which one applies.
const (
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusStopped   TaskStatus = "stopped"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusStopped:
		return true
	}
	return false
}

// StatusDir returns the directory bucket a task with this status lives in.
func (s TaskStatus) StatusDir() string {
	switch s {
	case TaskStatusRunning:
		return "running"
	case TaskStatusPaused:
		return "paused"
	default:
		return "completed"
	}
}

// ValidTransition reports whether from → to is a legal status transition.
// Transitions to the current status are treated as idempotent no-ops.
func ValidTransition(from, to TaskStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case TaskStatusRunning:
		return to == TaskStatusCompleted || to == TaskStatusFailed ||
			to == TaskStatusPaused || to == TaskStatusStopped
	case TaskStatusPaused:
		// stopped covers expiry of a paused task that was never resumed.
		return to == TaskStatusRunning || to == TaskStatusStopped
	default:
		return false
	}
}

// TaskRecord is one row of the task index table, keyed by UUID.
type TaskRecord struct {
	UUID       string     `json:"uuid"`
	KeyHash    string     `json:"key_hash"`
	TaskSource TaskSource `json:"task_source"`
	TaskType   TaskType   `json:"task_type"`
	Owner      string     `json:"owner,omitempty"`
	Repo       string     `json:"repo,omitempty"`
	ProjectID  int64      `json:"project_id,omitempty"`
	Number     int        `json:"number"`
	Status     TaskStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProcessID int    `json:"process_id,omitempty"`
	Hostname  string `json:"hostname,omitempty"`

	// LLM snapshot at task creation time.
	LLMProvider   string `json:"llm_provider,omitempty"`
	Model         string `json:"model,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`

	// Running counters.
	LLMCallCount     int `json:"llm_call_count"`
	ToolCallCount    int `json:"tool_call_count"`
	TotalTokens      int `json:"total_tokens"`
	CompressionCount int `json:"compression_count"`

	ErrorMessage string `json:"error_message,omitempty"`
	Requester    string `json:"requester,omitempty"`
}

// Key reconstructs the TaskKey from the record's identity columns.
func (r *TaskRecord) Key() TaskKey {
	return TaskKey{
		Source:    r.TaskSource,
		Type:      r.TaskType,
		Owner:     r.Owner,
		Repo:      r.Repo,
		ProjectID: r.ProjectID,
		Number:    r.Number,
	}
}

// Envelope is the broker message that carries a task from producer to
// consumer. The task key travels in canonical string form so that the
// consumer can rebuild the full Task via the tracker client.
type Envelope struct {
	TaskKey   TaskKey `json:"task_key"`
	UUID      string  `json:"uuid"`
	Requester string  `json:"requester,omitempty"`
	IsResumed bool    `json:"is_resumed,omitempty"`
}

// Validate checks the envelope carries a usable identity.
func (e Envelope) Validate() error {
	if e.UUID == "" {
		return fmt.Errorf("envelope missing uuid")
	}
	return e.TaskKey.Validate()
}
