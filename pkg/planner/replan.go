package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/models"
)

// Replan confidence gates.
const (
	replanApplyConfidence   = 0.5
	replanClarifyConfidence = 0.3
)

// replanVerdict is the gated outcome of a replan decision.
type replanVerdict int

const (
	replanNone replanVerdict = iota
	replanApply
	replanClarify
)

// replanLedger enforces the per-type and global replan budgets.
type replanLedger struct {
	cfg     config.ReplanBudgets
	perType map[models.ReplanType]int
	global  int
}

func newReplanLedger(cfg config.ReplanBudgets) *replanLedger {
	if cfg.Clarification == 0 {
		cfg.Clarification = 2
	}
	if cfg.Redecomposition == 0 {
		cfg.Redecomposition = 3
	}
	if cfg.Regeneration == 0 {
		cfg.Regeneration = 3
	}
	if cfg.Partial == 0 {
		cfg.Partial = 2
	}
	if cfg.Revision == 0 {
		cfg.Revision = 2
	}
	if cfg.Global == 0 {
		cfg.Global = 10
	}
	return &replanLedger{cfg: cfg, perType: map[models.ReplanType]int{}}
}

// budgetFor returns the per-type budget; 0 means bounded only globally.
func (l *replanLedger) budgetFor(t models.ReplanType) int {
	switch t {
	case models.ReplanClarificationRequest:
		return l.cfg.Clarification
	case models.ReplanTaskRedecomposition:
		return l.cfg.Redecomposition
	case models.ReplanActionRegeneration:
		return l.cfg.Regeneration
	case models.ReplanPartial:
		return l.cfg.Partial
	case models.ReplanPlanRevision:
		return l.cfg.Revision
	}
	return 0
}

// allow reports whether one more replan of this type fits the budgets.
func (l *replanLedger) allow(t models.ReplanType) bool {
	if l.global >= l.cfg.Global {
		return false
	}
	if budget := l.budgetFor(t); budget > 0 && l.perType[t] >= budget {
		return false
	}
	return true
}

func (l *replanLedger) consume(t models.ReplanType) {
	l.global++
	l.perType[t]++
}

// decideReplan solicits a replan decision and gates it through the
// confidence thresholds and budgets. Every decision is persisted with
// its Applied flag, applied or not.
func (c *Coordinator) decideReplan(ctx context.Context) (*models.ReplanDecision, replanVerdict, error) {
	decision, err := askStructured[models.ReplanDecision](ctx, c, replanPrompt)
	if err != nil {
		return nil, replanNone, err
	}

	verdict := replanNone
	if decision.ReplanNeeded {
		switch {
		case decision.Confidence >= replanApplyConfidence && c.budget.allow(decision.ReplanType):
			c.budget.consume(decision.ReplanType)
			decision.Applied = true
			verdict = replanApply
		case decision.Confidence >= replanApplyConfidence:
			slog.Info("Replan denied by budget",
				"task", c.uuid, "type", decision.ReplanType, "global_used", c.budget.global)
		case decision.Confidence >= replanClarifyConfidence:
			verdict = replanClarify
		default:
			slog.Info("Replan recommendation dropped",
				"task", c.uuid, "confidence", decision.Confidence)
		}
	}

	if err := c.deps.Store.AppendPlanning(c.uuid, models.PlanningRecord{
		Type:      models.PlanningEventReplanDecision,
		Timestamp: time.Now().UTC(),
		Replan:    decision,
	}); err != nil {
		return nil, replanNone, err
	}
	return decision, verdict, nil
}

// postClarification asks the humans on the tracker item for input. The
// task then pauses until it is re-triggered.
func (c *Coordinator) postClarification(ctx context.Context, decision *models.ReplanDecision) {
	var b strings.Builder
	b.WriteString("I need clarification before continuing:\n")
	for _, q := range decision.ClarificationQuestions {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	if len(decision.ClarificationQuestions) == 0 {
		b.WriteString("- " + decision.Reasoning + "\n")
	}
	b.WriteString("\nRe-apply the trigger label once answered.")
	if _, err := c.deps.Tracker.Comment(ctx, b.String()); err != nil {
		slog.Warn("Failed to post clarification comment", "task", c.uuid, "error", err)
	}
}
