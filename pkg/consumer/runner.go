package consumer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/codebot/pkg/contextstore"
	"github.com/codeready-toolchain/codebot/pkg/environment"
	"github.com/codeready-toolchain/codebot/pkg/llm"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/planner"
	"github.com/codeready-toolchain/codebot/pkg/services"
	"github.com/codeready-toolchain/codebot/pkg/signals"
	"github.com/codeready-toolchain/codebot/pkg/tracker"
)

// runTask wires the coordinator's collaborators for one task and runs it.
func (c *Consumer) runTask(ctx context.Context, env models.Envelope, task *tracker.Task, store *contextstore.Store) (*planner.Outcome, services.Counters, error) {
	name, provider, ok := c.cfg.LLM.Active(env.Requester)
	if !ok {
		return nil, services.Counters{}, fmt.Errorf("llm provider %q is not configured", name)
	}
	client, err := llm.NewClient(provider)
	if err != nil {
		return nil, services.Counters{}, fmt.Errorf("failed to build llm client: %w", err)
	}
	compressor := contextstore.NewCompressor(store, client, c.cfg.ContextStorage)

	var sandbox planner.Sandbox
	if c.cfg.CommandExecutor.Enabled {
		item, err := task.GetItem(ctx)
		if err != nil {
			return nil, services.Counters{}, fmt.Errorf("failed to fetch item for clone: %w", err)
		}
		sb := environment.NewSandbox(
			environment.NewManager(c.cfg.CommandExecutor),
			env.UUID,
			environment.CloneSpec{
				URL:    item.CloneURL,
				Branch: item.SourceBranch,
				Token:  c.cloneToken(env.TaskKey.Source),
			},
			planner.NewSetupRepairer(client),
		)
		defer func() {
			// The container outlives ctx cancellation just long enough to
			// be removed.
			if err := sb.Close(context.Background()); err != nil {
				slog.Warn("Sandbox cleanup failed", "uuid", env.UUID, "error", err)
			}
		}()
		sandbox = sb
	}

	coord := planner.New(c.cfg.Planning, env.UUID, planner.Deps{
		LLM:        client,
		Store:      store,
		Compressor: compressor,
		Tracker:    task,
		Sandbox:    sandbox,
		Pause:      c.pause,
		Stop:       signals.NewStopChecker(task, c.botUser(env.TaskKey.Source)),
		Flush: func(ctx context.Context, delta services.Counters) error {
			return c.tasks.IncrementCounters(ctx, env.UUID, delta)
		},
		ContextLength: provider.Window(),
	})
	out, err := coord.Run(ctx)
	if err != nil {
		return nil, coord.Unflushed(), err
	}

	// Terminal attempts leave a final summary behind for future
	// inheritance; FinalSummary writes final_summary.txt itself. On a
	// failed attempt this is best-effort documentation of how far the
	// task got.
	if out.Status.IsTerminal() {
		if _, err := compressor.FinalSummary(ctx); err != nil {
			slog.Warn("Final summary generation failed", "uuid", env.UUID, "error", err)
		}
	}
	return out, coord.Unflushed(), nil
}

func (c *Consumer) cloneToken(source models.TaskSource) string {
	switch source {
	case models.TaskSourceGitHub:
		return c.cfg.Tracker.GitHub.Token
	case models.TaskSourceGitLab:
		return c.cfg.Tracker.GitLab.Token
	}
	return ""
}

func (c *Consumer) botUser(source models.TaskSource) string {
	switch source {
	case models.TaskSourceGitHub:
		return c.cfg.Tracker.GitHub.BotUser
	case models.TaskSourceGitLab:
		return c.cfg.Tracker.GitLab.BotUser
	}
	return ""
}
