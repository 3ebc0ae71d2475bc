package signals

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLister struct {
	assignees []string
	err       error
}

func (f *fakeLister) GetAssignees(context.Context) ([]string, error) {
	return f.assignees, f.err
}

func TestPauseCheckerDetectsMarker(t *testing.T) {
	base := t.TempDir()
	checker := NewPauseChecker(base)

	assert.False(t, checker.Requested())

	require.NoError(t, os.WriteFile(filepath.Join(base, PauseFileName), nil, 0o644))
	assert.True(t, checker.Requested())

	// The marker is not consumed by checking.
	assert.True(t, checker.Requested())

	require.NoError(t, os.Remove(filepath.Join(base, PauseFileName)))
	assert.False(t, checker.Requested())
}

func TestStopCheckerDetectsUnassignment(t *testing.T) {
	lister := &fakeLister{assignees: []string{"alice", "codebot"}}
	checker := NewStopChecker(lister, "codebot")
	ctx := context.Background()

	assert.False(t, checker.Requested(ctx))

	lister.assignees = []string{"alice"}
	assert.True(t, checker.Requested(ctx))
}

func TestStopCheckerSkipsOnAPIError(t *testing.T) {
	lister := &fakeLister{err: errors.New("502 bad gateway")}
	checker := NewStopChecker(lister, "codebot")

	assert.False(t, checker.Requested(context.Background()))
}

func TestStopCheckerNoBotConfigured(t *testing.T) {
	checker := NewStopChecker(&fakeLister{}, "")
	assert.False(t, checker.Requested(context.Background()))
}
