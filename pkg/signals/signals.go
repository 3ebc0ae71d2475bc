// Package signals implements the two advisory task-control signals:
// a filesystem pause marker and tracker-side assignee removal (stop).
// Both checks are idempotent; the terminal transitions they trigger are
// no-ops when the task is already terminal.
package signals

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
)

// PauseFileName is the marker file under the context base directory.
// Its presence requests a graceful pause of all active tasks. It is
// never auto-deleted; the operator removes it to let resumed tasks run.
const PauseFileName = "pause_signal"

// PauseFile returns the pause marker path for a context base directory.
func PauseFile(baseDir string) string {
	return filepath.Join(baseDir, PauseFileName)
}

// PauseChecker reports whether the pause marker exists.
type PauseChecker struct {
	path string
}

// NewPauseChecker creates a checker over {baseDir}/pause_signal.
func NewPauseChecker(baseDir string) *PauseChecker {
	return &PauseChecker{path: PauseFile(baseDir)}
}

// Requested reports whether a pause is requested. Stat errors other than
// absence are treated as no pause and logged, so a flaky filesystem does
// not freeze every task.
func (c *PauseChecker) Requested() bool {
	_, err := os.Stat(c.path)
	if err == nil {
		return true
	}
	if !os.IsNotExist(err) {
		slog.Warn("Pause signal check failed", "path", c.path, "error", err)
	}
	return false
}

// AssigneeLister is the tracker capability the stop check needs.
type AssigneeLister interface {
	GetAssignees(ctx context.Context) ([]string, error)
}

// StopChecker detects removal of the bot assignee from the tracker item.
type StopChecker struct {
	lister AssigneeLister
	bot    string
}

// NewStopChecker creates a stop checker for the given bot username.
func NewStopChecker(lister AssigneeLister, bot string) *StopChecker {
	return &StopChecker{lister: lister, bot: bot}
}

// Requested reports whether the bot has been unassigned. Transient API
// errors skip the check rather than stopping the task.
func (c *StopChecker) Requested(ctx context.Context) bool {
	if c.bot == "" {
		return false
	}
	assignees, err := c.lister.GetAssignees(ctx)
	if err != nil {
		slog.Warn("Assignee check failed, skipping stop check", "error", err)
		return false
	}
	return !slices.Contains(assignees, c.bot)
}
