package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/contextstore"
	"github.com/codeready-toolchain/codebot/pkg/environment"
	"github.com/codeready-toolchain/codebot/pkg/llm"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
)

// fakeLLM replays a scripted sequence of responses.
type fakeLLM struct {
	responses []llm.Response
	calls     int
}

func (f *fakeLLM) Chat(_ context.Context, _ []models.ChatMessage, _ []llm.Tool) (*llm.Response, error) {
	if f.calls >= len(f.responses) {
		return nil, fmt.Errorf("unscripted llm call %d", f.calls+1)
	}
	resp := f.responses[f.calls]
	f.calls++
	return &resp, nil
}

func (f *fakeLLM) Summarize(ctx context.Context, request string) (string, error) {
	resp, err := f.Chat(ctx, nil, nil)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

type dispatchCall struct {
	name string
	args map[string]any
}

// fakeSandbox answers dispatches from a per-command script; unknown
// commands succeed with a canned result.
type fakeSandbox struct {
	setup        *environment.SetupResult
	provisionErr error
	provisioned  []models.SelectedEnvironment
	dispatches   []dispatchCall
	failCommands map[string]string // command → error text
	closed       bool
}

func (f *fakeSandbox) Provision(_ context.Context, env models.SelectedEnvironment) (*environment.SetupResult, error) {
	f.provisioned = append(f.provisioned, env)
	if f.provisionErr != nil {
		return nil, f.provisionErr
	}
	if f.setup != nil {
		return f.setup, nil
	}
	return &environment.SetupResult{Ready: true}, nil
}

func (f *fakeSandbox) Tools() []llm.Tool { return environment.Tools() }

func (f *fakeSandbox) Dispatch(_ context.Context, name string, args map[string]any) (string, error) {
	f.dispatches = append(f.dispatches, dispatchCall{name: name, args: args})
	if cmd, ok := args["command"].(string); ok {
		if msg, fail := f.failCommands[cmd]; fail {
			return "", fmt.Errorf("%s", msg)
		}
	}
	return `{"exit_code":0,"stdout":"ok","stderr":""}`, nil
}

func (f *fakeSandbox) Close(context.Context) error {
	f.closed = true
	return nil
}

type fakeTracker struct {
	prompt   string
	comments []string
	progress []string
}

func (f *fakeTracker) GetPrompt(context.Context) (string, error) { return f.prompt, nil }

func (f *fakeTracker) Comment(_ context.Context, text string) (int64, error) {
	f.comments = append(f.comments, text)
	return int64(len(f.comments)), nil
}

func (f *fakeTracker) UpsertProgress(_ context.Context, body string) (int64, error) {
	f.progress = append(f.progress, body)
	return 1, nil
}

type stubPause struct{ on bool }

func (s *stubPause) Requested() bool { return s.on }

// countStop trips after n checks.
type countStop struct {
	after int
	seen  int
}

func (s *countStop) Requested(context.Context) bool {
	s.seen++
	return s.after > 0 && s.seen > s.after
}

// Scripted response helpers.

func text(s string) llm.Response {
	return llm.Response{Content: s, Usage: llm.Usage{TotalTokens: 10}}
}

func toolCall(name, args string) llm.Response {
	return llm.Response{
		ToolCalls: []llm.ToolCall{{ID: "call_1", Name: name, Arguments: args}},
		Usage:     llm.Usage{TotalTokens: 10},
	}
}

func understandingJSON() llm.Response {
	return text(`{"understanding": "add a readme", "files_to_read": []}`)
}

func planJSON(ids ...string) llm.Response {
	if len(ids) == 0 {
		ids = []string{"task_1"}
	}
	plan := models.Plan{
		GoalUnderstanding: models.GoalUnderstanding{MainObjective: "add a readme"},
		SelectedEnvironment: models.SelectedEnvironment{
			Name:          "python",
			SetupCommands: []string{"pip install -r requirements.txt"},
		},
	}
	for _, id := range ids {
		plan.TaskDecomposition.Subtasks = append(plan.TaskDecomposition.Subtasks,
			models.Subtask{ID: id, Description: "do " + id})
		plan.ActionPlan.Actions = append(plan.ActionPlan.Actions,
			models.Action{TaskID: id, ActionType: "command", Tool: "execute_command", Purpose: "run " + id})
		plan.ActionPlan.ExecutionOrder = append(plan.ActionPlan.ExecutionOrder, id)
	}
	raw, _ := json.Marshal(plan)
	return text(string(raw))
}

func doneSignal(comment string) llm.Response {
	return text(fmt.Sprintf(
		`{"action_complete": true, "subtask_complete": true, "done": true, "comment": %q}`, comment))
}

func actionComplete() llm.Response {
	return text(`{"action_complete": true, "subtask_complete": true}`)
}

func verificationPassedJSON() llm.Response {
	return text(`{"verification_passed": true, "additional_work_needed": false, "completion_confidence": 0.9, "placeholder_detected": {"count": 0}}`)
}

type fixture struct {
	coord   *Coordinator
	llm     *fakeLLM
	sandbox *fakeSandbox
	tracker *fakeTracker
	store   *contextstore.Store
	pause   *stubPause
	stop    *countStop
}

func newFixture(t *testing.T, responses []llm.Response) *fixture {
	t.Helper()
	store, err := contextstore.Open(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		llm:     &fakeLLM{responses: responses},
		sandbox: &fakeSandbox{},
		tracker: &fakeTracker{prompt: "# Add README\nPlease add a README."},
		store:   store,
		pause:   &stubPause{},
		stop:    &countStop{},
	}
	cfg := config.PlanningConfig{
		Enabled:         true,
		MaxLLMProcesses: 100,
		Reflection:      config.ReflectionConfig{Enabled: true, TriggerOnError: true, TriggerInterval: 5},
		Revision:        config.RevisionConfig{MaxRevisions: 2},
		Verification:    config.VerificationConfig{Enabled: true, MaxRounds: 2},
	}
	f.coord = New(cfg, "uuid-1", Deps{
		LLM:           f.llm,
		Store:         store,
		Tracker:       f.tracker,
		Sandbox:       f.sandbox,
		Pause:         f.pause,
		Stop:          f.stop,
		ContextLength: 1 << 20,
	})
	return f
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		doneSignal("readme added"),
		verificationPassedJSON(),
	})

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, out.Status)

	// Environment came from the plan.
	require.Len(t, f.sandbox.provisioned, 1)
	assert.Equal(t, "python", f.sandbox.provisioned[0].Name)

	// The tool call was dispatched and recorded.
	require.Len(t, f.sandbox.dispatches, 1)
	assert.Equal(t, "execute_command", f.sandbox.dispatches[0].name)
	assert.Equal(t, "ls", f.sandbox.dispatches[0].args["command"])

	counters := f.coord.Counters()
	assert.Equal(t, 5, counters.LLMCalls)
	assert.Equal(t, 1, counters.ToolCalls)
	assert.Equal(t, 50, counters.Tokens)

	// The final progress body shows a finished checklist.
	require.NotEmpty(t, f.tracker.progress)
	last := f.tracker.progress[len(f.tracker.progress)-1]
	assert.Contains(t, last, "Phase: COMPLETE")
	assert.Contains(t, last, "- [x] **task_1**")
	assert.Contains(t, last, "Latest comment: readme added")
}

func TestRunPlanningParseRetries(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		text("no json here"),
		text("still not json"),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		doneSignal(""),
		verificationPassedJSON(),
	})

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, out.Status)
	assert.Equal(t, 7, f.llm.calls)
}

func TestRunFailsAfterFiveParseFailures(t *testing.T) {
	responses := []llm.Response{understandingJSON()}
	for i := 0; i < 5; i++ {
		responses = append(responses, text("not json"))
	}
	f := newFixture(t, responses)

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, out.Status)
	assert.Contains(t, out.Reason, "planning failed")
}

func TestRunBudgetExhausted(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
	})
	f.coord.cfg.MaxLLMProcesses = 1

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, out.Status)
	assert.Contains(t, out.Reason, "llm call budget (1) exhausted")
	assert.Equal(t, 1, f.llm.calls)
}

func TestRunPauseSignal(t *testing.T) {
	f := newFixture(t, nil)
	f.pause.on = true

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, out.Status)
	assert.Zero(t, f.llm.calls, "no llm call after the pause signal")
}

func TestRunStopSignalMidExecution(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1", "task_2"),
		toolCall("execute_command", `{"command": "ls"}`),
		actionComplete(),
	})
	// First check (before pre-planning) passes; the next one trips.
	f.stop.after = 1

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusStopped, out.Status)
}

func TestRunReflectionAppliesRevision(t *testing.T) {
	revision := models.Plan{
		TaskDecomposition: models.TaskDecomposition{Subtasks: []models.Subtask{
			{ID: "task_1", Description: "do task_1"},
			{ID: "task_2", Description: "install then test"},
		}},
		ActionPlan: models.ActionPlan{
			ExecutionOrder: []string{"task_1", "task_2"},
			Actions: []models.Action{
				{TaskID: "task_1", Tool: "execute_command", Purpose: "run task_1"},
				{TaskID: "task_2", Tool: "execute_command", Purpose: "npm install && npm test"},
			},
		},
		SelectedEnvironment: models.SelectedEnvironment{Name: "node"},
	}
	revRaw, _ := json.Marshal(revision)
	reflectionResp := text(fmt.Sprintf(
		`{"status": "degraded", "evaluation": "tests need deps", "plan_revision_needed": true, "plan_revision": %s}`, revRaw))

	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "npm test"}`),
		actionComplete(),
		reflectionResp,
		toolCall("execute_command", `{"command": "npm install && npm test"}`),
		doneSignal("fixed"),
		verificationPassedJSON(),
	})
	f.sandbox.failCommands = map[string]string{"npm test": "exit status 1"}

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, out.Status)

	// task_1 is not re-run after the revision; only task_2 executes.
	var commands []string
	for _, d := range f.sandbox.dispatches {
		commands = append(commands, d.args["command"].(string))
	}
	assert.Equal(t, []string{"npm test", "npm install && npm test"}, commands)
}

func TestRunRevisionLimitEscalates(t *testing.T) {
	revRaw, _ := json.Marshal(models.Plan{
		ActionPlan: models.ActionPlan{
			ExecutionOrder: []string{"task_x"},
			Actions:        []models.Action{{TaskID: "task_x", Purpose: "retry"}},
		},
	})
	reflection := text(fmt.Sprintf(
		`{"status": "failed", "evaluation": "stuck", "issues_identified": ["build broken"], "plan_revision_needed": true, "plan_revision": %s}`, revRaw))

	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		// task_1 errors, reflection revises to task_x. task_x errors,
		// another revision; the third breach escalates.
		toolCall("execute_command", `{"command": "boom"}`),
		actionComplete(),
		reflection,
		toolCall("execute_command", `{"command": "boom"}`),
		actionComplete(),
		reflection,
		toolCall("execute_command", `{"command": "boom"}`),
		actionComplete(),
		reflection,
	})
	f.sandbox.failCommands = map[string]string{"boom": "exit status 1"}
	f.coord.cfg.Revision.MaxRevisions = 2

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, out.Status)
	assert.Contains(t, out.Reason, "plan revision limit (2) exceeded")

	require.NotEmpty(t, f.tracker.comments)
	assert.Contains(t, f.tracker.comments[len(f.tracker.comments)-1], "Human intervention is needed")
	assert.Contains(t, f.tracker.comments[len(f.tracker.comments)-1], "build broken")
}

func TestRunVerificationAdditionalWork(t *testing.T) {
	verifyFail := text(`{"verification_passed": false, "additional_work_needed": true,
		"additional_actions": [{"task_id": "extra_1", "tool": "execute_command", "purpose": "add regression test"}],
		"placeholder_detected": {"count": 0}, "completion_confidence": 0.4}`)

	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		actionComplete(),
		verifyFail,
		toolCall("execute_command", `{"command": "go test ./..."}`),
		doneSignal("regression test added"),
		verificationPassedJSON(),
	})

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, out.Status)

	last := f.tracker.progress[len(f.tracker.progress)-1]
	assert.Contains(t, last, "## ➕ Additional Work")
	assert.Contains(t, last, "**extra_1**")
}

func TestRunClarificationPauses(t *testing.T) {
	reflection := text(`{"status": "failed", "evaluation": "ambiguous requirements", "plan_revision_needed": false}`)
	replan := text(`{"replan_needed": true, "confidence": 0.4, "reasoning": "unclear target",
		"replan_type": "clarification_request", "clarification_needed": true,
		"clarification_questions": ["Which database should the migration target?"]}`)

	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "boom"}`),
		actionComplete(),
		reflection,
		replan,
	})
	f.sandbox.failCommands = map[string]string{"boom": "exit status 1"}

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, out.Status)
	assert.Equal(t, "waiting for clarification", out.Reason)

	require.NotEmpty(t, f.tracker.comments)
	assert.Contains(t, f.tracker.comments[0], "Which database should the migration target?")
}

func TestRunDegradedEnvironmentContinues(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		doneSignal(""),
		verificationPassedJSON(),
	})
	f.sandbox.setup = &environment.SetupResult{
		Ready:      false,
		FailedStep: "pip install -r requirements.txt",
		Reason:     "exit 1: resolver error",
	}

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, out.Status)

	// The degradation note reached the transcript.
	msgs, err := f.store.CurrentMessages()
	require.NoError(t, err)
	found := false
	for _, m := range msgs {
		if m.Role == models.RoleUser && strings.Contains(m.Content, "Environment setup did not complete") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunPersistsToolCallLinkage(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		doneSignal("readme added"),
		verificationPassedJSON(),
	})

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, out.Status)

	msgs, err := f.store.CurrentMessages()
	require.NoError(t, err)

	// The assistant turn that requested the tool is in the transcript
	// with its call id, and the tool reply answers that id.
	var request *models.ChatMessage
	var reply *models.ChatMessage
	for i := range msgs {
		switch {
		case msgs[i].Role == models.RoleAssistant && len(msgs[i].ToolCalls) > 0:
			request = &msgs[i]
		case msgs[i].Role == models.RoleTool:
			reply = &msgs[i]
		}
	}
	require.NotNil(t, request)
	require.NotNil(t, reply)
	assert.Equal(t, "call_1", request.ToolCalls[0].ID)
	assert.Equal(t, "execute_command", request.ToolCalls[0].Name)
	assert.Equal(t, "call_1", reply.ToolCallID)
	assert.Equal(t, "execute_command", reply.ToolName)
}

func TestRunFlushesCountersIncrementally(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		doneSignal(""),
		verificationPassedJSON(),
	})
	var flushes []services.Counters
	f.coord.deps.Flush = func(_ context.Context, delta services.Counters) error {
		flushes = append(flushes, delta)
		return nil
	}

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, out.Status)

	// Every LLM call and tool call flushed its own delta; nothing waits
	// for finalize.
	require.Len(t, flushes, 6)
	total := services.Counters{}
	for _, d := range flushes {
		total.LLMCalls += d.LLMCalls
		total.ToolCalls += d.ToolCalls
		total.Tokens += d.Tokens
		total.Compressions += d.Compressions
	}
	assert.Equal(t, f.coord.Counters(), total)
	assert.Equal(t, services.Counters{}, f.coord.Unflushed())
}

func TestRunFlushFailureKeepsRemainder(t *testing.T) {
	f := newFixture(t, []llm.Response{
		understandingJSON(),
		planJSON("task_1"),
		toolCall("execute_command", `{"command": "ls"}`),
		doneSignal(""),
		verificationPassedJSON(),
	})
	fail := true
	flushed := services.Counters{}
	f.coord.deps.Flush = func(_ context.Context, delta services.Counters) error {
		if fail {
			fail = false // only the first flush fails
			return fmt.Errorf("index unavailable")
		}
		flushed.LLMCalls += delta.LLMCalls
		flushed.ToolCalls += delta.ToolCalls
		flushed.Tokens += delta.Tokens
		flushed.Compressions += delta.Compressions
		return nil
	}

	out, err := f.coord.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, out.Status)

	// The failed delta was carried into the next flush, so totals add up
	// and nothing is left over.
	assert.Equal(t, f.coord.Counters(), flushed)
	assert.Equal(t, services.Counters{}, f.coord.Unflushed())
}
