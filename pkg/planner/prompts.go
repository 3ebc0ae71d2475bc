package planner

import (
	"fmt"
	"strings"

	"github.com/codeready-toolchain/codebot/pkg/models"
)

// preUnderstanding is the pre-planning phase schema.
type preUnderstanding struct {
	Understanding string   `json:"understanding"`
	FilesToRead   []string `json:"files_to_read,omitempty"`
}

// actionSignal is the non-tool-call reply schema during execution. The
// model emits it when it considers the current action (or the whole
// task) finished.
type actionSignal struct {
	ActionComplete  bool   `json:"action_complete"`
	SubtaskComplete bool   `json:"subtask_complete,omitempty"`
	Done            bool   `json:"done,omitempty"`
	Comment         string `json:"comment,omitempty"`
	Error           string `json:"error,omitempty"`
}

const systemPrompt = `You are an autonomous coding agent working on one issue or pull request.
You operate inside a disposable container holding a clone of the repository.
Use the provided tools to inspect and modify the project. Work in small,
verifiable steps and never fabricate command output.`

const prePlanningPrompt = `Before planning, state your understanding of the task.
Respond with JSON: {"understanding": "<one paragraph>", "files_to_read": ["<paths worth inspecting first>"]}`

func planningPrompt(maxSubtasks int) string {
	limit := ""
	if maxSubtasks > 0 {
		limit = fmt.Sprintf(" Use at most %d subtasks.", maxSubtasks)
	}
	return `Produce the full plan for this task as a single JSON object with this shape:
{
  "goal_understanding": {"main_objective": "...", "success_criteria": ["..."], "constraints": ["..."]},
  "task_decomposition": {"reasoning": "...", "subtasks": [{"id": "task_1", "description": "...", "dependencies": [], "required_tools": []}]},
  "action_plan": {"execution_order": ["task_1"], "actions": [{"task_id": "task_1", "action_type": "...", "tool": "execute_command|text_editor", "purpose": "...", "expected_outcome": "..."}]},
  "selected_environment": {"name": "<language environment>", "reason": "...", "setup_commands": ["..."], "verification": [{"command": "...", "expected_output": "..."}]}
}` + limit
}

func actionPrompt(action *models.Action, envReady bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Current action %s: %s.", action.TaskID, action.Purpose)
	if action.ExpectedOutcome != "" {
		fmt.Fprintf(&b, " Expected outcome: %s.", action.ExpectedOutcome)
	}
	if !envReady {
		b.WriteString(" Note: environment setup did not fully complete; verify tool availability before relying on it.")
	}
	b.WriteString(`
Either call a tool to make progress, or reply with JSON
{"action_complete": true, "subtask_complete": <bool>, "done": <bool>, "comment": "<optional one-line status>", "error": "<set when the action cannot succeed>"}
when this action needs no further tool calls.`)
	return b.String()
}

func reflectionPrompt(lastError string) string {
	trigger := "Periodic reflection checkpoint."
	if lastError != "" {
		trigger = "The last action reported an error:\n" + lastError
	}
	return trigger + `
Evaluate progress against the plan. Respond with JSON:
{"status": "on_track|degraded|failed", "evaluation": "...", "issues_identified": ["..."], "plan_revision_needed": <bool>, "plan_revision": <full plan object when a revision is needed, else omit>}`
}

const verificationPrompt = `All planned actions are finished. Inspect the repository state with read-only tools if needed, then respond with JSON:
{"verification_passed": <bool>, "issues_found": ["..."], "placeholder_detected": {"count": <int>, "locations": ["..."]}, "additional_work_needed": <bool>, "additional_actions": [<action objects>], "completion_confidence": <0..1>}`

const replanPrompt = `Progress has stalled. Decide whether to jump back to an earlier phase. Respond with JSON:
{"replan_needed": <bool>, "confidence": <0..1>, "reasoning": "...", "replan_type": "clarification_request|goal_revision|task_redecomposition|action_regeneration|partial_replan|full_replan|plan_revision", "target_phase": "PLANNING|EXECUTION", "replan_level": <1..5>, "issues_found": ["..."], "recommended_actions": ["..."], "clarification_needed": <bool>, "clarification_questions": ["..."]}`

func repairPrompt(failed string, exitCode int, stderr string, remaining []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Environment setup command failed.\nCommand: %s\nExit code: %d\nOutput:\n%s\n", failed, exitCode, stderr)
	if len(remaining) > 0 {
		fmt.Fprintf(&b, "Commands still pending: %s\n", strings.Join(remaining, "; "))
	}
	b.WriteString(`Respond with JSON {"commands": ["<corrected command list to run instead, starting with a fixed version of the failed command>"]}`)
	return b.String()
}
