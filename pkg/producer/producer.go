// Package producer polls the trackers for labeled work items and publishes
// them to the broker. Any number of producer processes may be started; a
// filesystem advisory lock on the shared base directory ensures only one of
// them performs a given pass.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/codebot/pkg/broker"
	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
	"github.com/codeready-toolchain/codebot/pkg/tracker"
)

// LockFileName is the advisory lock file under the context base directory.
const LockFileName = "producer.lock"

const defaultInterval = 5 * time.Minute

// trackerTask is the slice of *tracker.Task the producer drives.
type trackerTask interface {
	GetItem(ctx context.Context) (*tracker.Item, error)
	Prepare(ctx context.Context) error
	RestoreTrigger(ctx context.Context) error
}

// containerSweeper runs the stale-container sweep. *environment.Manager
// implements it.
type containerSweeper interface {
	CleanupStale(ctx context.Context) (int, error)
}

// Producer is the poll/enqueue loop.
type Producer struct {
	cfg     *config.Config
	broker  broker.Broker
	tasks   *services.TaskService
	sweeper containerSweeper
	baseDir string

	listers []tracker.API
	newTask func(models.TaskKey) (trackerTask, error)
	newUUID func() string
	sleep   func(time.Duration) <-chan time.Time

	lastSweep time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a producer over the configured tracker platforms. sweeper may
// be nil when the command executor is disabled.
func New(cfg *config.Config, brk broker.Broker, tasks *services.TaskService, sweeper containerSweeper) *Producer {
	p := &Producer{
		cfg:     cfg,
		broker:  brk,
		tasks:   tasks,
		sweeper: sweeper,
		baseDir: cfg.ContextStorage.BaseDir,
		newUUID: uuid.NewString,
		sleep:   time.After,
		stopCh:  make(chan struct{}),
	}
	if cfg.Tracker.GitHub.Token != "" {
		p.listers = append(p.listers, tracker.NewGitHubAPI(cfg.Tracker.GitHub, cfg.Tracker.Timeout()))
	}
	if cfg.Tracker.GitLab.Token != "" {
		p.listers = append(p.listers, tracker.NewGitLabAPI(cfg.Tracker.GitLab, cfg.Tracker.Timeout()))
	}
	p.newTask = func(key models.TaskKey) (trackerTask, error) {
		return tracker.FromTaskKey(key, cfg.Tracker)
	}
	return p
}

// Start begins the continuous loop in a goroutine.
func (p *Producer) Start(ctx context.Context) {
	p.wg.Add(1)
	go p.run(ctx)
}

// Stop signals the loop to stop and waits for the current pass to finish.
// Safe to call multiple times.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Producer) run(ctx context.Context) {
	defer p.wg.Done()

	slog.Info("Producer started", "interval", p.interval())
	if err := p.ResumptionSweep(ctx); err != nil {
		slog.Warn("Resumption sweep failed", "error", err)
	}

	if p.cfg.Continuous.Producer.DelayFirstRun {
		if !p.sleepOrStop(ctx, p.interval()) {
			return
		}
	}
	for {
		if err := p.RunOnce(ctx); err != nil {
			slog.Error("Producer pass failed", "error", err)
		}
		if !p.sleepOrStop(ctx, p.interval()) {
			slog.Info("Producer shutting down")
			return
		}
	}
}

func (p *Producer) interval() time.Duration {
	if m := p.cfg.Continuous.Producer.IntervalMinutes; m > 0 {
		return time.Duration(m) * time.Minute
	}
	return defaultInterval
}

// sleepOrStop waits for d, returning false when the loop should exit.
func (p *Producer) sleepOrStop(ctx context.Context, d time.Duration) bool {
	select {
	case <-p.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-p.sleep(d):
		return true
	}
}

// RunOnce performs one producer pass under the advisory lock. When the lock
// is held elsewhere the pass is a no-op: another producer owns this cycle.
func (p *Producer) RunOnce(ctx context.Context) error {
	release, ok, err := p.acquireLock()
	if err != nil {
		return err
	}
	if !ok {
		slog.Info("Producer lock held by another process, skipping pass")
		return nil
	}
	defer release()

	p.maybeSweepContainers(ctx)

	var firstErr error
	for _, api := range p.listers {
		keys, err := api.ListTriggered(ctx, p.cfg.Tracker.Labels.Trigger)
		if err != nil {
			// The whole platform pass is abandoned; the next pass retries.
			slog.Warn("Tracker listing failed", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		for _, key := range keys {
			if err := p.publish(ctx, key); err != nil {
				slog.Warn("Failed to publish task",
					"task_key", key.Canonical(), "error", err)
			}
		}
	}
	return firstErr
}

// publish flips the labels and enqueues one item. Prepare runs strictly
// before the enqueue; an enqueue failure rolls the labels back so the item
// reappears on the next pass.
func (p *Producer) publish(ctx context.Context, key models.TaskKey) error {
	task, err := p.newTask(key)
	if err != nil {
		return err
	}

	item, err := task.GetItem(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch item: %w", err)
	}
	if hasLabel(item.Labels, p.cfg.Tracker.Labels.InProgress) {
		slog.Debug("Item already in progress, skipping", "task_key", key.Canonical())
		return nil
	}
	if !hasLabel(item.Labels, p.cfg.Tracker.Labels.Trigger) {
		// Label removed between the listing and this fetch.
		return nil
	}

	requester := requesterFor(item)
	id := p.newUUID()

	if err := task.Prepare(ctx); err != nil {
		return fmt.Errorf("failed to prepare item: %w", err)
	}

	rec := &models.TaskRecord{
		UUID:       id,
		KeyHash:    key.KeyHash(),
		TaskSource: key.Source,
		TaskType:   key.Type,
		Owner:      key.Owner,
		Repo:       key.Repo,
		ProjectID:  key.ProjectID,
		Number:     key.Number,
		Status:     models.TaskStatusRunning,
		Requester:  requester,
	}
	if name, provider, ok := p.cfg.LLM.Active(requester); ok {
		rec.LLMProvider = name
		rec.Model = provider.Model
		rec.ContextLength = provider.Window()
	}
	if err := p.tasks.CreateTask(ctx, rec); err != nil {
		p.rollback(ctx, task, key)
		return fmt.Errorf("failed to index task: %w", err)
	}

	envelope := models.Envelope{TaskKey: key, UUID: id, Requester: requester}
	if err := p.broker.Enqueue(ctx, envelope); err != nil {
		p.deleteRow(ctx, id)
		if errors.Is(err, broker.ErrDuplicate) {
			// A live delivery already exists; the labels stay in progress
			// and the existing delivery finishes the item.
			slog.Info("Task already enqueued", "task_key", key.Canonical())
			return nil
		}
		p.rollback(ctx, task, key)
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	slog.Info("Task enqueued",
		"task_key", key.Canonical(), "uuid", id, "requester", requester)
	return nil
}

func (p *Producer) rollback(ctx context.Context, task trackerTask, key models.TaskKey) {
	if err := task.RestoreTrigger(ctx); err != nil {
		slog.Warn("Failed to restore trigger label",
			"task_key", key.Canonical(), "error", err)
	}
}

func (p *Producer) deleteRow(ctx context.Context, id string) {
	if err := p.tasks.DeleteTask(ctx, id); err != nil {
		slog.Warn("Failed to delete unenqueued task row", "uuid", id, "error", err)
	}
}

// ResumptionSweep re-enqueues every paused task found on disk. It runs once
// at startup; duplicates are absorbed by the broker.
func (p *Producer) ResumptionSweep(ctx context.Context) error {
	pattern := filepath.Join(p.baseDir, models.TaskStatusPaused.StatusDir(), "*", "metadata.json")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return fmt.Errorf("failed to scan paused tasks: %w", err)
	}

	for _, path := range matches {
		md, err := readMetadata(path)
		if err != nil {
			slog.Warn("Skipping unreadable paused task", "path", path, "error", err)
			continue
		}
		key, err := models.ParseTaskKey(md.TaskKey)
		if err != nil {
			slog.Warn("Skipping paused task with bad key",
				"uuid", md.UUID, "error", err)
			continue
		}
		envelope := models.Envelope{
			TaskKey:   key,
			UUID:      md.UUID,
			Requester: md.Requester,
			IsResumed: true,
		}
		if err := p.broker.Enqueue(ctx, envelope); err != nil {
			if errors.Is(err, broker.ErrDuplicate) {
				continue
			}
			slog.Warn("Failed to re-enqueue paused task", "uuid", md.UUID, "error", err)
			continue
		}
		slog.Info("Paused task re-enqueued", "uuid", md.UUID, "task_key", md.TaskKey)
	}
	return nil
}

func readMetadata(path string) (*models.Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var md models.Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, fmt.Errorf("malformed metadata: %w", err)
	}
	if md.UUID == "" {
		return nil, fmt.Errorf("metadata missing uuid")
	}
	return &md, nil
}

// maybeSweepContainers runs the stale-container sweep when the configured
// interval has elapsed since the last one.
func (p *Producer) maybeSweepContainers(ctx context.Context) {
	if p.sweeper == nil {
		return
	}
	interval := time.Duration(p.cfg.CommandExecutor.Cleanup.IntervalHours) * time.Hour
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if !p.lastSweep.IsZero() && time.Since(p.lastSweep) < interval {
		return
	}
	p.lastSweep = time.Now()

	removed, err := p.sweeper.CleanupStale(ctx)
	if err != nil {
		slog.Warn("Stale container sweep failed", "error", err)
		return
	}
	if removed > 0 {
		slog.Info("Stale containers removed", "count", removed)
	}
}

// acquireLock takes the advisory producer lock. ok reports whether this
// process now owns the pass; false means another producer holds the lock.
func (p *Producer) acquireLock() (release func(), ok bool, err error) {
	path := filepath.Join(p.baseDir, LockFileName)
	if err := os.MkdirAll(p.baseDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create base dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, false, fmt.Errorf("failed to open producer lock: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to lock %s: %w", path, err)
	}
	return func() {
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
			slog.Warn("Failed to release producer lock", "error", err)
		}
		_ = f.Close()
	}, true, nil
}

// requesterFor picks the requester recorded on the envelope. The platforms
// do not report who applied the trigger label, so the first assignee stands
// in for per-user configuration.
func requesterFor(item *tracker.Item) string {
	if len(item.Assignees) > 0 {
		return item.Assignees[0]
	}
	return ""
}

func hasLabel(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}
