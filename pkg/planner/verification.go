package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/models"
)

// verification inspects the finished work. Additional work loops back to
// execution, bounded by max_rounds; after the bound the task completes
// with the shortfall recorded in the progress history.
func (c *Coordinator) verification(ctx context.Context) (*Outcome, string, error) {
	if !c.cfg.Verification.Enabled {
		return nil, PhaseComplete, nil
	}
	c.progress.setPhase(PhaseVerification, "running")
	c.updateProgress(ctx)

	maxRounds := c.cfg.Verification.MaxRounds
	if maxRounds <= 0 {
		maxRounds = 2
	}
	c.verifyRounds++

	result, err := askStructured[models.VerificationResult](ctx, c, verificationPrompt)
	if err != nil {
		return nil, "", err
	}
	if err := c.deps.Store.AppendPlanning(c.uuid, models.PlanningRecord{
		Type:         models.PlanningEventVerification,
		Timestamp:    time.Now().UTC(),
		Verification: result,
	}); err != nil {
		return nil, "", err
	}

	if result.VerificationPassed {
		c.progress.addHistory("Verification passed",
			fmt.Sprintf("round %d, confidence %.2f", c.verifyRounds, result.CompletionConfidence))
		return nil, PhaseComplete, nil
	}

	if result.AdditionalWorkNeeded && len(result.AdditionalActions) > 0 && c.verifyRounds < maxRounds {
		c.plan.ActionPlan.Actions = append(c.plan.ActionPlan.Actions, result.AdditionalActions...)
		for _, a := range result.AdditionalActions {
			c.plan.ActionPlan.ExecutionOrder = append(c.plan.ActionPlan.ExecutionOrder, a.TaskID)
		}
		c.progress.appendAdditional(result.AdditionalActions)
		c.progress.addHistory("Additional work queued",
			fmt.Sprintf("round %d added %d actions", c.verifyRounds, len(result.AdditionalActions)))
		c.updateProgress(ctx)
		return nil, PhaseExecution, nil
	}

	c.progress.addHistory("Verification incomplete",
		fmt.Sprintf("round %d/%d, issues: %d, placeholders: %d",
			c.verifyRounds, maxRounds, len(result.IssuesFound), result.PlaceholderDetected.Count))
	return nil, PhaseComplete, nil
}
