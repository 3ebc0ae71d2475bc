package healthcheck

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/config"
)

func TestWriterLifecycle(t *testing.T) {
	dir := t.TempDir()
	w := NewWriter(config.HealthcheckConfig{Dir: dir, UpdateIntervalSeconds: 1}, "consumer", "host-1")
	require.NotNil(t, w)

	w.Start(context.Background())
	path := filepath.Join(dir, "consumer-host-1")
	assert.FileExists(t, path)

	w.Stop()
	assert.NoFileExists(t, path)
}

func TestWriterRefreshesMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "producer-host-1")
	stale := time.Now().Add(-time.Hour)
	require.NoError(t, os.WriteFile(path, []byte("old\n"), 0o644))
	require.NoError(t, os.Chtimes(path, stale, stale))

	w := NewWriter(config.HealthcheckConfig{Dir: dir}, "producer", "host-1")
	w.touch()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), info.ModTime(), time.Minute)
}

func TestWriterDisabledWithoutDir(t *testing.T) {
	w := NewWriter(config.HealthcheckConfig{}, "consumer", "host-1")
	assert.Nil(t, w)

	// nil receivers are safe, mirroring optional wiring in main.
	w.Start(context.Background())
	w.Stop()
}
