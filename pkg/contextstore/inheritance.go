package contextstore

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
)

// InheritedContext is a prior attempt's final summary, ready to seed a
// new task's first turn.
type InheritedContext struct {
	SourceUUID string
	Summary    string
}

// Resolver looks up reusable context from earlier runs of the same
// tracker item.
type Resolver struct {
	tasks  *services.TaskService
	layout Layout
	cfg    config.InheritanceConfig
}

// NewResolver creates an inheritance resolver.
func NewResolver(tasks *services.TaskService, layout Layout, cfg config.InheritanceConfig) *Resolver {
	return &Resolver{tasks: tasks, layout: layout, cfg: cfg}
}

// Resolve returns the most recent completed-or-stopped attempt's final
// summary for the key hash, truncated to max_inherited_tokens, or nil
// when nothing usable exists. A prior attempt without a readable final
// summary is skipped silently: inheritance is always best-effort.
func (r *Resolver) Resolve(ctx context.Context, keyHash string) (*InheritedContext, error) {
	if !r.cfg.Enabled {
		return nil, nil
	}
	prior, err := r.tasks.FindInheritable(ctx, keyHash, r.cfg.ContextExpiryDays)
	if err != nil {
		return nil, fmt.Errorf("inheritance lookup failed: %w", err)
	}
	if prior == nil {
		return nil, nil
	}

	summary, err := ReadFinalSummary(r.layout.Dir(models.TaskStatusCompleted, prior.UUID))
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Failed to read inheritable final summary",
				"source_uuid", prior.UUID, "error", err)
		}
		return nil, nil
	}
	if summary == "" {
		return nil, nil
	}

	return &InheritedContext{
		SourceUUID: prior.UUID,
		Summary:    TruncateToTokens(summary, r.cfg.MaxInheritedTokens),
	}, nil
}

// Seed writes the two synthetic first-turn messages into the new task's
// store: the prior session summary, then the current item body.
func Seed(store *Store, inherited *InheritedContext, itemBody string) error {
	if _, err := store.AppendMessage(models.RoleAssistant,
		"Previous session summary:\n"+inherited.Summary, ""); err != nil {
		return fmt.Errorf("failed to seed inherited summary: %w", err)
	}
	if _, err := store.AppendMessage(models.RoleUser, itemBody, ""); err != nil {
		return fmt.Errorf("failed to seed item body: %w", err)
	}
	return nil
}
