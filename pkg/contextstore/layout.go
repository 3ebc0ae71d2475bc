package contextstore

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/codeready-toolchain/codebot/pkg/models"
)

// Layout maps task statuses to context directories under the base dir:
// running/, paused/, and completed/ (which also holds failed and stopped
// tasks; the index row says which).
type Layout struct {
	Base string
}

// Dir returns the context directory for a task in the given status.
func (l Layout) Dir(status models.TaskStatus, uuid string) string {
	return filepath.Join(l.Base, status.StatusDir(), uuid)
}

// Find locates the task's context directory in any of the three homes.
// Returns the directory and the home it sits in, or os.ErrNotExist.
func (l Layout) Find(uuid string) (dir string, home string, err error) {
	for _, h := range []string{"running", "paused", "completed"} {
		d := filepath.Join(l.Base, h, uuid)
		if _, statErr := os.Stat(d); statErr == nil {
			return d, h, nil
		}
	}
	return "", "", fmt.Errorf("context for task %s: %w", uuid, os.ErrNotExist)
}

// Move renames the task directory between status homes. The rename is
// atomic because all homes live on the same filesystem. Idempotent: if the
// directory already sits in the target home, Move is a no-op.
func (l Layout) Move(uuid string, from, to models.TaskStatus) error {
	src := l.Dir(from, uuid)
	dst := l.Dir(to, uuid)
	if src == dst {
		return nil
	}
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Dir(dst), err)
	}
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("failed to move context for task %s: %w", uuid, err)
	}
	return nil
}
