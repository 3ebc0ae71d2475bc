// Package consumer drains the broker, rebuilds each task from its
// envelope, and drives it through the planning coordinator to a terminal
// state. The broker message is acknowledged only after the terminal
// directory rename is durable, so a crash anywhere earlier redelivers.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/broker"
	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/contextstore"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/planner"
	"github.com/codeready-toolchain/codebot/pkg/services"
	"github.com/codeready-toolchain/codebot/pkg/signals"
	"github.com/codeready-toolchain/codebot/pkg/tracker"
)

const defaultQueueTimeout = 10 * time.Second

// executeFunc runs one task to its outcome. Swapped in tests.
type executeFunc func(ctx context.Context, env models.Envelope, task *tracker.Task, store *contextstore.Store) (*planner.Outcome, services.Counters, error)

// Consumer is the dequeue/run loop.
type Consumer struct {
	cfg      *config.Config
	broker   broker.Broker
	tasks    *services.TaskService
	resolver *contextstore.Resolver
	layout   contextstore.Layout
	pause    *signals.PauseChecker
	hostname string

	newTask func(models.TaskKey) (*tracker.Task, error)
	execute executeFunc
	sleep   func(time.Duration) <-chan time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds a consumer over the shared broker and index.
func New(cfg *config.Config, brk broker.Broker, tasks *services.TaskService) *Consumer {
	layout := contextstore.Layout{Base: cfg.ContextStorage.BaseDir}
	hostname, _ := os.Hostname()
	c := &Consumer{
		cfg:      cfg,
		broker:   brk,
		tasks:    tasks,
		resolver: contextstore.NewResolver(tasks, layout, cfg.ContextInheritance),
		layout:   layout,
		pause:    signals.NewPauseChecker(cfg.ContextStorage.BaseDir),
		hostname: hostname,
		sleep:    time.After,
		stopCh:   make(chan struct{}),
	}
	c.newTask = func(key models.TaskKey) (*tracker.Task, error) {
		return tracker.FromTaskKey(key, cfg.Tracker)
	}
	c.execute = c.runTask
	return c
}

// Start begins the consume loop in a goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.run(ctx)
}

// Stop signals the loop to stop and waits for the in-flight task to reach
// its terminal state. Safe to call multiple times.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// RunOnce drains at most one delivery. Used by the one-shot CLI mode.
func (c *Consumer) RunOnce(ctx context.Context) error {
	d, err := c.broker.Get(ctx, c.queueTimeout(), c.stopCh)
	if errors.Is(err, broker.ErrNoMessage) || errors.Is(err, broker.ErrStopped) {
		return nil
	}
	if err != nil {
		return err
	}
	c.handleDelivery(ctx, d)
	return nil
}

func (c *Consumer) run(ctx context.Context) {
	defer c.wg.Done()

	log := slog.With("hostname", c.hostname)
	log.Info("Consumer started")
	for {
		select {
		case <-c.stopCh:
			log.Info("Consumer shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, consumer shutting down")
			return
		default:
		}

		d, err := c.broker.Get(ctx, c.queueTimeout(), c.stopCh)
		if errors.Is(err, broker.ErrNoMessage) {
			continue
		}
		if errors.Is(err, broker.ErrStopped) {
			log.Info("Consumer shutting down")
			return
		}
		if err != nil {
			log.Error("Broker receive failed", "error", err)
			c.sleepOrStop(ctx, time.Second)
			continue
		}

		// A pause requested while waiting blocks new work; the delivery
		// goes back until the operator removes the signal file.
		if c.pause.Requested() {
			log.Info("Pause signal present, returning delivery", "uuid", d.Envelope.UUID)
			c.nack(ctx, d)
			c.sleepOrStop(ctx, c.queueTimeout())
			continue
		}

		c.handleDelivery(ctx, d)

		if min := c.minInterval(); min > 0 {
			c.sleepOrStop(ctx, min)
		}
	}
}

func (c *Consumer) queueTimeout() time.Duration {
	if s := c.cfg.Continuous.Consumer.QueueTimeoutSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultQueueTimeout
}

func (c *Consumer) minInterval() time.Duration {
	return time.Duration(c.cfg.Continuous.Consumer.MinIntervalSeconds) * time.Second
}

func (c *Consumer) sleepOrStop(ctx context.Context, d time.Duration) {
	select {
	case <-c.stopCh:
	case <-ctx.Done():
	case <-c.sleep(d):
	}
}

// handleDelivery drives one broker message end to end. Every exit path
// either acks (work settled or message unusable) or nacks (transient
// failure, retry later).
func (c *Consumer) handleDelivery(ctx context.Context, d *broker.Delivery) {
	env := d.Envelope
	log := slog.With("uuid", env.UUID, "task_key", env.TaskKey.Canonical())

	if err := env.Validate(); err != nil {
		log.Error("Dropping malformed envelope", "error", err)
		c.ack(ctx, d)
		return
	}

	// Crash redelivery: a directory already at rest means the previous
	// attempt reached a durable state before its ack was lost.
	if _, home, err := c.layout.Find(env.UUID); err == nil {
		if home == "completed" || (home == "paused" && !env.IsResumed) {
			log.Info("Task already settled, acking redelivery", "home", home)
			c.ack(ctx, d)
			return
		}
	}

	task, err := c.newTask(env.TaskKey)
	if err != nil {
		log.Error("Dropping task with unsupported key", "error", err)
		c.ack(ctx, d)
		return
	}

	// Fresh tasks re-check the in-progress label: the user may have pulled
	// the item back between enqueue and delivery.
	if !env.IsResumed {
		ok, err := task.HasLabel(ctx, c.cfg.Tracker.Labels.InProgress)
		if err != nil {
			log.Warn("Label re-check failed, proceeding", "error", err)
		} else if !ok {
			log.Info("In-progress label removed, skipping task")
			c.ack(ctx, d)
			return
		}
	}

	store, err := c.openContext(ctx, env, task)
	if err != nil {
		log.Error("Failed to open task context", "error", err)
		c.nack(ctx, d)
		return
	}

	if err := c.tasks.MarkStarted(ctx, env.UUID, os.Getpid(), c.hostname); err != nil {
		log.Warn("Failed to mark task started", "error", err)
	}

	out, counters, err := c.execute(ctx, env, task, store)
	if err != nil {
		out = &planner.Outcome{
			Status: models.TaskStatusFailed,
			Reason: fmt.Sprintf("execution infrastructure error: %v", err),
		}
	}

	if err := c.finalize(ctx, env, task, out, counters); err != nil {
		log.Error("Failed to finalize task", "status", out.Status, "error", err)
		c.nack(ctx, d)
		return
	}
	c.ack(ctx, d)
	log.Info("Task finished", "status", out.Status)
}

// openContext prepares the task's context directory. Resumed tasks move
// paused/ back to running/; fresh tasks get a new store, metadata, and a
// best-effort inheritance seed.
func (c *Consumer) openContext(ctx context.Context, env models.Envelope, task *tracker.Task) (*contextstore.Store, error) {
	if env.IsResumed {
		if err := c.layout.Move(env.UUID, models.TaskStatusPaused, models.TaskStatusRunning); err != nil {
			return nil, err
		}
		if err := c.tasks.UpdateStatus(ctx, env.UUID, models.TaskStatusRunning, ""); err != nil {
			return nil, err
		}
		return contextstore.Open(c.layout.Dir(models.TaskStatusRunning, env.UUID))
	}

	store, err := contextstore.Open(c.layout.Dir(models.TaskStatusRunning, env.UUID))
	if err != nil {
		return nil, err
	}
	if store.Seq() > 0 {
		// Redelivery after a crash mid-run; the transcript picks up from
		// the last persisted line.
		return store, nil
	}

	md := models.Metadata{
		UUID:      env.UUID,
		TaskKey:   env.TaskKey.Canonical(),
		KeyHash:   env.TaskKey.KeyHash(),
		Requester: env.Requester,
		CreatedAt: time.Now().UTC(),
	}
	if name, provider, ok := c.cfg.LLM.Active(env.Requester); ok {
		md.LLMProvider = name
		md.Model = provider.Model
		md.ContextLength = provider.Window()
	}
	if err := store.WriteMetadata(md); err != nil {
		return nil, err
	}

	inherited, err := c.resolver.Resolve(ctx, env.TaskKey.KeyHash())
	if err != nil {
		slog.Warn("Inheritance lookup failed", "uuid", env.UUID, "error", err)
		return store, nil
	}
	if inherited == nil {
		return store, nil
	}

	prompt, err := task.GetPrompt(ctx)
	if err != nil {
		return nil, err
	}
	if err := contextstore.Seed(store, inherited, prompt); err != nil {
		return nil, err
	}
	short := inherited.SourceUUID
	if len(short) > 8 {
		short = short[:8]
	}
	if _, err := task.Comment(ctx,
		fmt.Sprintf("Continuing with context inherited from previous attempt `%s`.", short)); err != nil {
		slog.Warn("Failed to post inheritance comment", "uuid", env.UUID, "error", err)
	}
	return store, nil
}

// finalize makes the outcome durable: counters, index status, directory
// rename, label flip. The caller acks only when finalize succeeds.
func (c *Consumer) finalize(ctx context.Context, env models.Envelope, task *tracker.Task, out *planner.Outcome, counters services.Counters) error {
	if err := c.tasks.IncrementCounters(ctx, env.UUID, counters); err != nil {
		slog.Warn("Failed to flush counters", "uuid", env.UUID, "error", err)
	}
	if err := c.tasks.UpdateStatus(ctx, env.UUID, out.Status, out.Reason); err != nil {
		return fmt.Errorf("failed to record %s status: %w", out.Status, err)
	}
	if err := c.layout.Move(env.UUID, models.TaskStatusRunning, out.Status); err != nil {
		return err
	}

	// Tracker updates come after the rename; they are user-visible polish,
	// not correctness, so failures are logged and absorbed.
	var labelErr error
	switch out.Status {
	case models.TaskStatusCompleted:
		labelErr = task.Finish(ctx)
	case models.TaskStatusFailed:
		labelErr = task.FinishFailed(ctx)
		if _, err := task.Comment(ctx, "Task failed: "+out.Reason); err != nil {
			slog.Warn("Failed to post failure comment", "uuid", env.UUID, "error", err)
		}
	case models.TaskStatusStopped:
		labelErr = task.FinishStopped(ctx)
	case models.TaskStatusPaused:
		labelErr = task.FinishPaused(ctx)
	default:
		return fmt.Errorf("coordinator returned unexpected status %q", out.Status)
	}
	if labelErr != nil {
		slog.Warn("Failed to flip labels", "uuid", env.UUID, "status", out.Status, "error", labelErr)
	}
	return nil
}

func (c *Consumer) ack(ctx context.Context, d *broker.Delivery) {
	if err := c.broker.Ack(ctx, d); err != nil {
		slog.Warn("Failed to ack delivery", "uuid", d.Envelope.UUID, "error", err)
	}
}

func (c *Consumer) nack(ctx context.Context, d *broker.Delivery) {
	if err := c.broker.Nack(ctx, d); err != nil {
		slog.Warn("Failed to nack delivery", "uuid", d.Envelope.UUID, "error", err)
	}
}
