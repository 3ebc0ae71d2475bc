// Package cleanup enforces retention policies: context directories of old
// terminal tasks are deleted with their index rows, and paused tasks that
// were never resumed are stopped after their expiry window.
package cleanup

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/contextstore"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
)

const sweepInterval = time.Hour

// Service is the background retention sweeper. All operations are
// idempotent and safe to run from multiple consumer processes.
type Service struct {
	cfg    *config.Config
	tasks  *services.TaskService
	layout contextstore.Layout

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService creates a retention sweeper over the shared index and
// context base directory.
func NewService(cfg *config.Config, tasks *services.TaskService) *Service {
	return &Service{
		cfg:    cfg,
		tasks:  tasks,
		layout: contextstore.Layout{Base: cfg.ContextStorage.BaseDir},
	}
}

// Start launches the background sweep loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	slog.Info("Cleanup service started",
		"cleanup_days", s.cfg.ContextStorage.CleanupDays,
		"paused_expiry_days", s.cfg.PauseResume.PausedTaskExpiryDays)
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("Cleanup service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.pruneOldContexts(ctx)
	s.stopExpiredPaused(ctx)
}

// pruneOldContexts deletes context directories of terminal tasks older
// than cleanup_days, then prunes their index rows.
func (s *Service) pruneOldContexts(ctx context.Context) {
	days := s.cfg.ContextStorage.CleanupDays
	if days <= 0 {
		return
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	records, err := s.tasks.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: listing old tasks failed", "error", err)
		return
	}
	removed := 0
	for _, rec := range records {
		// All terminal statuses live under completed/.
		dir := s.layout.Dir(models.TaskStatusCompleted, rec.UUID)
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("Retention: failed to remove context directory",
				"uuid", rec.UUID, "error", err)
			continue
		}
		removed++
	}

	pruned, err := s.tasks.PruneOld(ctx, cutoff)
	if err != nil {
		slog.Error("Retention: index pruning failed", "error", err)
		return
	}
	if removed > 0 || pruned > 0 {
		slog.Info("Retention: old contexts removed", "directories", removed, "rows", pruned)
	}
}

// stopExpiredPaused stops paused tasks whose expiry window has elapsed.
// Their directories move to completed/ and their rows become stopped, so
// the resumption sweep no longer re-enqueues them.
func (s *Service) stopExpiredPaused(ctx context.Context) {
	days := s.cfg.PauseResume.PausedTaskExpiryDays
	if days <= 0 {
		return
	}
	records, err := s.tasks.ListPausedExpired(ctx, days)
	if err != nil {
		slog.Error("Retention: listing expired paused tasks failed", "error", err)
		return
	}
	for _, rec := range records {
		if err := s.tasks.UpdateStatus(ctx, rec.UUID, models.TaskStatusStopped, "paused task expired"); err != nil {
			slog.Warn("Retention: failed to stop expired paused task",
				"uuid", rec.UUID, "error", err)
			continue
		}
		if err := s.layout.Move(rec.UUID, models.TaskStatusPaused, models.TaskStatusStopped); err != nil {
			slog.Warn("Retention: failed to move expired paused context",
				"uuid", rec.UUID, "error", err)
		}
		slog.Info("Retention: expired paused task stopped", "uuid", rec.UUID)
	}
}
