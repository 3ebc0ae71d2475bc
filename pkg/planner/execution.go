package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/llm"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
)

// reflectResult tells the execution loop what a reflection changed.
type reflectResult int

const (
	reflectContinue reflectResult = iota
	reflectPlanChanged
	reflectJumpPlanning
)

// execution runs the planned actions in order. It returns a terminal
// Outcome, or the next phase when the machine should move on.
func (c *Coordinator) execution(ctx context.Context) (*Outcome, string, error) {
	c.progress.setPhase(PhaseExecution, "running")
	c.updateProgress(ctx)

	sinceReflection := 0
	order := c.plan.ActionPlan.ExecutionOrder

	for i := 0; i < len(order); i++ {
		id := order[i]
		if c.completed[id] {
			continue
		}

		if out := c.checkSignals(ctx); out != nil {
			return out, "", nil
		}

		action := c.plan.ActionByID(id)
		if action == nil {
			slog.Warn("Plan names unknown action, skipping", "task", c.uuid, "action", id)
			c.completed[id] = true
			continue
		}

		signal, actionErr, err := c.runAction(ctx, action)
		if err != nil {
			return nil, "", err
		}
		c.completed[id] = true
		sinceReflection++

		if signal != nil {
			c.progress.setComment(signal.Comment)
			if signal.SubtaskComplete {
				c.progress.markDone(id)
			}
		}
		c.updateProgress(ctx)

		if signal != nil && signal.Done {
			return nil, PhaseVerification, nil
		}

		if !c.shouldReflect(actionErr, sinceReflection) {
			continue
		}
		sinceReflection = 0

		out, result, err := c.reflect(ctx, actionErr)
		if err != nil {
			return nil, "", err
		}
		if out != nil {
			return out, "", nil
		}
		switch result {
		case reflectPlanChanged:
			// Restart over the revised order; completed actions are
			// skipped by the done set.
			order = c.plan.ActionPlan.ExecutionOrder
			i = -1
			c.progress.setPhase(PhaseExecution, "running")
		case reflectJumpPlanning:
			return nil, PhasePlanning, nil
		}
	}

	return nil, PhaseVerification, nil
}

func (c *Coordinator) shouldReflect(actionErr string, sinceReflection int) bool {
	if actionErr != "" && c.cfg.Reflection.TriggerOnError {
		return true
	}
	if !c.cfg.Reflection.Enabled {
		return false
	}
	interval := c.cfg.Reflection.TriggerInterval
	if interval <= 0 {
		interval = 5
	}
	return sinceReflection >= interval
}

// runAction loops LLM turns for one action: tool calls are dispatched
// and their results appended; a parsed actionSignal ends the action.
// Exhausting the turn limit reports an action error for reflection.
func (c *Coordinator) runAction(ctx context.Context, action *models.Action) (*actionSignal, string, error) {
	if _, err := c.deps.Store.AppendMessage(models.RoleUser, actionPrompt(action, c.envReady), ""); err != nil {
		return nil, "", err
	}

	var tools []llm.Tool
	if c.deps.Sandbox != nil {
		tools = c.deps.Sandbox.Tools()
	}
	var lastErr string
	for turn := 0; turn < maxActionTurns; turn++ {
		resp, err := c.chat(ctx, tools)
		if err != nil {
			return nil, "", err
		}

		if len(resp.ToolCalls) > 0 {
			for _, tc := range resp.ToolCalls {
				if errStr := c.dispatchTool(ctx, tc); errStr != "" {
					lastErr = errStr
				}
			}
			continue
		}

		signal, err := llm.ParseStructured[actionSignal](resp.Content)
		if err != nil {
			c.appendNote("Reply with a tool call, or with the action_complete JSON object described above.")
			continue
		}
		if signal.Error != "" {
			lastErr = signal.Error
		}
		if signal.ActionComplete || signal.Done {
			return signal, lastErr, nil
		}
	}

	if lastErr == "" {
		lastErr = fmt.Sprintf("action %s did not complete within %d turns", action.TaskID, maxActionTurns)
	}
	return nil, lastErr, nil
}

// dispatchTool runs one tool call, records it in tools.jsonl, and feeds
// the result (or the error text) back into the transcript. The returned
// string is non-empty on error.
func (c *Coordinator) dispatchTool(ctx context.Context, tc llm.ToolCall) string {
	var args map[string]any
	if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
		args = nil
	}

	start := time.Now()
	var result string
	var err error
	if c.deps.Sandbox == nil {
		err = fmt.Errorf("no execution environment available")
	} else {
		result, err = c.deps.Sandbox.Dispatch(ctx, tc.Name, args)
	}
	duration := time.Since(start)
	c.account(ctx, services.Counters{ToolCalls: 1})

	rec := models.ToolRecord{
		Tool:       tc.Name,
		Args:       args,
		Status:     models.ToolStatusSuccess,
		DurationMS: duration.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	feedback := result
	errStr := ""
	if err != nil {
		errStr = err.Error()
		rec.Status = models.ToolStatusError
		rec.Error = errStr
		feedback = "tool error: " + errStr
	} else {
		rec.Result = result
	}
	if recErr := c.deps.Store.AppendTool(rec); recErr != nil {
		slog.Error("Failed to record tool call", "task", c.uuid, "tool", tc.Name, "error", recErr)
	}

	reply := models.ChatMessage{
		Role:       models.RoleTool,
		Content:    feedback,
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
	}
	if _, appendErr := c.deps.Store.AppendChat(reply); appendErr != nil {
		slog.Error("Failed to append tool result", "task", c.uuid, "error", appendErr)
	}
	return errStr
}

// reflect evaluates progress after an error or a reflection interval.
// Revisions are bounded; exceeding the bound escalates to a
// human-intervention comment and fails the task.
func (c *Coordinator) reflect(ctx context.Context, lastError string) (*Outcome, reflectResult, error) {
	c.progress.setPhase(PhaseReflection, "running")

	reflection, err := askStructured[models.ReflectionResult](ctx, c, reflectionPrompt(lastError))
	if err != nil {
		return nil, reflectContinue, err
	}
	if err := c.deps.Store.AppendPlanning(c.uuid, models.PlanningRecord{
		Type:       models.PlanningEventReflection,
		Timestamp:  time.Now().UTC(),
		Reflection: reflection,
	}); err != nil {
		return nil, reflectContinue, err
	}

	if reflection.PlanRevisionNeeded && reflection.PlanRevision != nil {
		c.revisions++
		maxRevisions := c.cfg.Revision.MaxRevisions
		if maxRevisions <= 0 {
			maxRevisions = 2
		}
		if c.revisions > maxRevisions {
			c.escalate(ctx, reflection)
			return &Outcome{
				Status: models.TaskStatusFailed,
				Reason: fmt.Sprintf("plan revision limit (%d) exceeded", maxRevisions),
			}, reflectContinue, nil
		}

		c.plan = reflection.PlanRevision
		if err := c.deps.Store.AppendPlanning(c.uuid, models.PlanningRecord{
			Type:      models.PlanningEventRevision,
			Timestamp: time.Now().UTC(),
			Plan:      reflection.PlanRevision,
		}); err != nil {
			return nil, reflectContinue, err
		}
		c.progress.setChecklist(c.plan)
		// The execution pointer resets to the revised order; only
		// actions whose subtask is already checked off stay done, so a
		// revision can retry an action under its original id.
		refreshed := map[string]bool{}
		for _, item := range c.progress.checklist {
			if item.Done {
				refreshed[item.ID] = true
			}
		}
		c.completed = refreshed
		c.progress.addHistory("Plan revised",
			fmt.Sprintf("revision %d/%d: %s", c.revisions, maxRevisions, reflection.Evaluation))
		c.updateProgress(ctx)
		return nil, reflectPlanChanged, nil
	}

	if reflection.Status == "failed" {
		decision, verdict, err := c.decideReplan(ctx)
		if err != nil {
			return nil, reflectContinue, err
		}
		switch verdict {
		case replanApply:
			if decision.TargetPhase == PhasePlanning {
				c.progress.addHistory("Replan", decision.Reasoning)
				return nil, reflectJumpPlanning, nil
			}
			// Regeneration targets stay in execution with the existing
			// plan; the reflection transcript steers the retry.
			return nil, reflectContinue, nil
		case replanClarify:
			c.postClarification(ctx, decision)
			return &Outcome{
				Status: models.TaskStatusPaused,
				Reason: "waiting for clarification",
			}, reflectContinue, nil
		}
	}
	return nil, reflectContinue, nil
}

// escalate posts the human-intervention comment after the revision
// budget is blown.
func (c *Coordinator) escalate(ctx context.Context, reflection *models.ReflectionResult) {
	body := "Automatic execution stopped: the plan kept failing after repeated revisions.\n"
	for _, issue := range reflection.IssuesIdentified {
		body += "- " + issue + "\n"
	}
	body += "\nHuman intervention is needed."
	if _, err := c.deps.Tracker.Comment(ctx, body); err != nil {
		slog.Warn("Failed to post escalation comment", "task", c.uuid, "error", err)
	}
}
