package database

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/config"
)

func newSQLiteClient(t *testing.T) *Client {
	t.Helper()
	client, err := New(context.Background(), config.DatabaseConfig{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "tasks.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewSQLiteAppliesMigrations(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	for _, table := range []string{"tasks", "queue_messages"} {
		var name string
		err := client.DB().QueryRowContext(ctx,
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
		assert.Equal(t, table, name)
	}
}

func TestNewSQLiteIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	cfg := config.DatabaseConfig{Driver: DriverSQLite, Path: path}

	first, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	// Reopening against the same file must not re-run applied migrations.
	second, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestQueueUniqueLiveUUID(t *testing.T) {
	client := newSQLiteClient(t)
	ctx := context.Background()

	_, err := client.DB().ExecContext(ctx,
		"INSERT INTO queue_messages (uuid, payload, status, enqueued_at) VALUES (?, ?, 'pending', CURRENT_TIMESTAMP)",
		"u-1", "{}")
	require.NoError(t, err)

	_, err = client.DB().ExecContext(ctx,
		"INSERT INTO queue_messages (uuid, payload, status, enqueued_at) VALUES (?, ?, 'pending', CURRENT_TIMESTAMP)",
		"u-1", "{}")
	assert.Error(t, err, "second live message for the same uuid must violate the partial unique index")
}

func TestRebind(t *testing.T) {
	sqlite := &Client{driver: DriverSQLite}
	pg := &Client{driver: DriverPostgres}

	q := "SELECT * FROM tasks WHERE status = ? AND requester = ?"
	assert.Equal(t, q, sqlite.Rebind(q))
	assert.Equal(t, "SELECT * FROM tasks WHERE status = $1 AND requester = $2", pg.Rebind(q))
}

func TestCheckHealth(t *testing.T) {
	client := newSQLiteClient(t)
	h := client.CheckHealth(context.Background())
	assert.True(t, h.Reachable)
	assert.Equal(t, DriverSQLite, h.Driver)
	assert.Empty(t, h.Error)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(context.Background(), config.DatabaseConfig{Driver: "oracle"})
	assert.Error(t, err)
}
