// Package healthcheck maintains a liveness heartbeat file for external
// monitors. A file named {mode}-{hostname} under the configured directory
// is touched on an interval; a stale mtime means the process is wedged.
package healthcheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
)

const defaultInterval = 60 * time.Second

// Writer periodically touches the heartbeat file.
type Writer struct {
	path     string
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWriter builds a heartbeat writer for the given process mode
// ("producer" or "consumer"). Returns nil when no directory is configured,
// so callers can unconditionally Start/Stop it.
func NewWriter(cfg config.HealthcheckConfig, mode, hostname string) *Writer {
	if cfg.Dir == "" {
		return nil
	}
	interval := defaultInterval
	if cfg.UpdateIntervalSeconds > 0 {
		interval = time.Duration(cfg.UpdateIntervalSeconds) * time.Second
	}
	return &Writer{
		path:     filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s", mode, hostname)),
		interval: interval,
	}
}

// Start writes the first heartbeat and launches the refresh loop.
func (w *Writer) Start(ctx context.Context) {
	if w == nil || w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	w.touch()
	go w.run(ctx)

	slog.Info("Heartbeat started", "path", w.path, "interval", w.interval)
}

// Stop halts the refresh loop and removes the heartbeat file so the
// monitor sees a clean shutdown rather than a stale heartbeat.
func (w *Writer) Stop() {
	if w == nil || w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove heartbeat file", "path", w.path, "error", err)
	}
}

func (w *Writer) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.touch()
		}
	}
}

func (w *Writer) touch() {
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		slog.Warn("Failed to create heartbeat directory", "error", err)
		return
	}
	now := time.Now()
	if err := os.Chtimes(w.path, now, now); err == nil {
		return
	}
	if err := os.WriteFile(w.path, []byte(now.UTC().Format(time.RFC3339)+"\n"), 0o644); err != nil {
		slog.Warn("Failed to write heartbeat file", "path", w.path, "error", err)
	}
}
