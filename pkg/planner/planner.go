// Package planner drives one task through the phase machine:
// pre-planning, planning, environment setup, execution with reflection,
// verification, completion. Replan decisions can jump the machine back
// to an earlier phase within per-phase and global budgets.
package planner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/codeready-toolchain/codebot/pkg/config"
	"github.com/codeready-toolchain/codebot/pkg/contextstore"
	"github.com/codeready-toolchain/codebot/pkg/environment"
	"github.com/codeready-toolchain/codebot/pkg/llm"
	"github.com/codeready-toolchain/codebot/pkg/models"
	"github.com/codeready-toolchain/codebot/pkg/services"
)

// Phase names, as they appear in the progress comment.
const (
	PhasePrePlanning  = "PRE_PLANNING"
	PhasePlanning     = "PLANNING"
	PhaseEnvSetup     = "ENV_SETUP"
	PhaseExecution    = "EXECUTION"
	PhaseReflection   = "REFLECTION"
	PhaseVerification = "VERIFICATION"
	PhaseComplete     = "COMPLETE"
)

// maxParseRetries bounds structured-output re-asks per interaction.
const maxParseRetries = 5

// maxActionTurns bounds LLM turns spent on a single planned action.
const maxActionTurns = 8

// errBudgetExhausted aborts the run when max_llm_process_num is spent.
var errBudgetExhausted = errors.New("llm call budget exhausted")

// Sandbox is the execution environment surface the coordinator drives.
// *environment.Sandbox implements it.
type Sandbox interface {
	Provision(ctx context.Context, env models.SelectedEnvironment) (*environment.SetupResult, error)
	Tools() []llm.Tool
	Dispatch(ctx context.Context, name string, args map[string]any) (string, error)
	Close(ctx context.Context) error
}

// TrackerTask is the tracker capability the coordinator needs.
// *tracker.Task implements it.
type TrackerTask interface {
	GetPrompt(ctx context.Context) (string, error)
	Comment(ctx context.Context, text string) (int64, error)
	UpsertProgress(ctx context.Context, body string) (int64, error)
}

// PauseSignal reports an operator pause request.
type PauseSignal interface {
	Requested() bool
}

// StopSignal reports removal of the bot assignee.
type StopSignal interface {
	Requested(ctx context.Context) bool
}

// Deps wires the coordinator's collaborators.
type Deps struct {
	LLM        llm.Client
	Store      *contextstore.Store
	Compressor *contextstore.Compressor
	Tracker    TrackerTask
	Sandbox    Sandbox
	Pause      PauseSignal
	Stop       StopSignal

	// Flush receives counter deltas as they occur, so the index row
	// tracks a running task instead of jumping at the end. Optional;
	// failed flushes stay in the unflushed remainder.
	Flush func(ctx context.Context, delta services.Counters) error

	// ContextLength is the model window used for compression checks.
	ContextLength int
}

// Outcome is the coordinator's verdict; the caller owns the terminal
// directory rename and index update.
type Outcome struct {
	Status models.TaskStatus
	Reason string
}

// Coordinator runs the phase machine for one task.
type Coordinator struct {
	cfg  config.PlanningConfig
	uuid string
	deps Deps

	plan     *models.Plan
	envReady bool
	budget   *replanLedger
	progress *progressState

	completed    map[string]bool
	revisions    int
	verifyRounds int

	counters services.Counters
	flushed  services.Counters
}

// New creates a coordinator for one task attempt.
func New(cfg config.PlanningConfig, uuid string, deps Deps) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		uuid:      uuid,
		deps:      deps,
		budget:    newReplanLedger(cfg.Replan),
		progress:  newProgressState(),
		completed: map[string]bool{},
	}
}

// Counters returns the LLM/tool/token/compression tallies accumulated so
// far, including deltas already flushed through Deps.Flush.
func (c *Coordinator) Counters() services.Counters { return c.counters }

// Unflushed returns the counter deltas not yet applied to the index; the
// caller applies them in finalize. Zero when every incremental flush
// succeeded.
func (c *Coordinator) Unflushed() services.Counters {
	return services.Counters{
		LLMCalls:     c.counters.LLMCalls - c.flushed.LLMCalls,
		ToolCalls:    c.counters.ToolCalls - c.flushed.ToolCalls,
		Tokens:       c.counters.Tokens - c.flushed.Tokens,
		Compressions: c.counters.Compressions - c.flushed.Compressions,
	}
}

// account tallies a counter delta and flushes the unflushed remainder to
// the index. A failed flush is retried implicitly on the next delta.
func (c *Coordinator) account(ctx context.Context, delta services.Counters) {
	c.counters.LLMCalls += delta.LLMCalls
	c.counters.ToolCalls += delta.ToolCalls
	c.counters.Tokens += delta.Tokens
	c.counters.Compressions += delta.Compressions

	if c.deps.Flush == nil {
		return
	}
	pending := c.Unflushed()
	if pending == (services.Counters{}) {
		return
	}
	if err := c.deps.Flush(ctx, pending); err != nil {
		slog.Warn("Counter flush failed", "task", c.uuid, "error", err)
		return
	}
	c.flushed = c.counters
}

// Run drives the task to an outcome. The returned error is reserved for
// infrastructure faults the caller cannot attribute to the task itself;
// task-level failures come back as Outcome{Status: failed}.
func (c *Coordinator) Run(ctx context.Context) (*Outcome, error) {
	if err := c.seedConversation(ctx); err != nil {
		return c.fail(ctx, fmt.Sprintf("failed to build initial prompt: %v", err)), nil
	}

	if out := c.checkSignals(ctx); out != nil {
		return out, nil
	}

	if err := c.prePlanning(ctx); err != nil {
		return c.failFrom(ctx, "pre-planning", err), nil
	}

	phase := PhasePlanning
	for {
		switch phase {
		case PhasePlanning:
			if err := c.planning(ctx); err != nil {
				return c.failFrom(ctx, "planning", err), nil
			}
			phase = PhaseEnvSetup

		case PhaseEnvSetup:
			c.envSetup(ctx)
			phase = PhaseExecution

		case PhaseExecution:
			out, next, err := c.execution(ctx)
			if err != nil {
				return c.failFrom(ctx, "execution", err), nil
			}
			if out != nil {
				return out, nil
			}
			phase = next

		case PhaseVerification:
			out, next, err := c.verification(ctx)
			if err != nil {
				return c.failFrom(ctx, "verification", err), nil
			}
			if out != nil {
				return out, nil
			}
			phase = next

		case PhaseComplete:
			c.progress.setPhase(PhaseComplete, "completed")
			c.updateProgress(ctx)
			return &Outcome{Status: models.TaskStatusCompleted}, nil

		default:
			return c.fail(ctx, fmt.Sprintf("coordinator reached unknown phase %q", phase)), nil
		}
	}
}

// seedConversation writes the system prompt and the tracker item body as
// the first turns. A store that already has content (inheritance seeding,
// resumption, crash redelivery) is left untouched, so a resumed task
// replays exactly the transcript it paused with.
func (c *Coordinator) seedConversation(ctx context.Context) error {
	if c.deps.Store.Seq() > 0 {
		return nil
	}
	if _, err := c.deps.Store.AppendMessage(models.RoleSystem, systemPrompt, ""); err != nil {
		return err
	}
	prompt, err := c.deps.Tracker.GetPrompt(ctx)
	if err != nil {
		return err
	}
	_, err = c.deps.Store.AppendMessage(models.RoleUser, prompt, "")
	return err
}

// prePlanning records the model's understanding of the task. Read-only
// file grounding happens during execution; the sandbox does not exist
// before the plan selects its environment.
func (c *Coordinator) prePlanning(ctx context.Context) error {
	c.progress.setPhase(PhasePrePlanning, "running")

	understanding, err := askStructured[preUnderstanding](ctx, c, prePlanningPrompt)
	if err != nil {
		return err
	}
	slog.Info("Pre-planning complete",
		"task", c.uuid, "objective", understanding.Understanding)
	return nil
}

// planning obtains the Plan, persists it, and posts the checklist
// comment that all later updates edit in place.
func (c *Coordinator) planning(ctx context.Context) error {
	c.progress.setPhase(PhasePlanning, "running")

	plan, err := askStructured[models.Plan](ctx, c, planningPrompt(c.cfg.MaxSubtasks))
	if err != nil {
		return err
	}
	if len(plan.ActionPlan.ExecutionOrder) == 0 {
		return fmt.Errorf("plan has no actions")
	}
	c.plan = plan

	if err := c.deps.Store.AppendPlanning(c.uuid, models.PlanningRecord{
		Type:      models.PlanningEventPlan,
		Timestamp: time.Now().UTC(),
		Plan:      plan,
	}); err != nil {
		return err
	}

	c.progress.setChecklist(plan)
	c.progress.addHistory("Plan created",
		fmt.Sprintf("%d subtasks, environment %s", len(plan.TaskDecomposition.Subtasks), plan.SelectedEnvironment.Name))
	c.updateProgress(ctx)
	return nil
}

// envSetup provisions the sandbox. A degraded environment does not abort
// the task; execution proceeds with environment_ready=false and the
// model is told so.
func (c *Coordinator) envSetup(ctx context.Context) {
	c.progress.setPhase(PhaseEnvSetup, "running")
	c.updateProgress(ctx)

	if c.deps.Sandbox == nil {
		c.appendNote("No execution environment is configured; work from reasoning alone.")
		c.progress.addHistory("Environment skipped", "command executor disabled")
		return
	}

	result, err := c.deps.Sandbox.Provision(ctx, c.plan.SelectedEnvironment)
	if err != nil {
		slog.Error("Environment provisioning failed", "task", c.uuid, "error", err)
		c.appendNote(fmt.Sprintf("Environment setup failed: %v. Tools may be unavailable.", err))
		c.progress.addHistory("Environment setup failed", err.Error())
		return
	}
	c.account(ctx, services.Counters{LLMCalls: result.RepairRounds})
	c.envReady = result.Ready

	if !result.Ready {
		c.appendNote(fmt.Sprintf(
			"Environment setup did not complete (failed at %q: %s). Proceed carefully; some tooling may be missing.",
			result.FailedStep, result.Reason))
		c.progress.addHistory("Environment degraded", result.Reason)
		return
	}
	c.progress.addHistory("Environment ready",
		fmt.Sprintf("%d setup commands, %d repair rounds", len(result.Commands), result.RepairRounds))
}

// checkSignals enforces the pause/stop checks done at every action
// boundary. nil means carry on.
func (c *Coordinator) checkSignals(ctx context.Context) *Outcome {
	if c.deps.Pause != nil && c.deps.Pause.Requested() {
		c.progress.setPhase(c.progress.phase, "paused")
		c.updateProgress(ctx)
		return &Outcome{Status: models.TaskStatusPaused, Reason: "pause signal present"}
	}
	if c.deps.Stop != nil && c.deps.Stop.Requested(ctx) {
		c.progress.setPhase(c.progress.phase, "stopped")
		c.updateProgress(ctx)
		return &Outcome{Status: models.TaskStatusStopped, Reason: "bot assignee removed"}
	}
	return nil
}

// appendNote records a user-role steering note in the transcript.
func (c *Coordinator) appendNote(text string) {
	if _, err := c.deps.Store.AppendMessage(models.RoleUser, text, ""); err != nil {
		slog.Error("Failed to append note", "task", c.uuid, "error", err)
	}
}

// updateProgress edits the progress comment in place; failures are
// logged, never fatal.
func (c *Coordinator) updateProgress(ctx context.Context) {
	c.progress.llmCalls = c.counters.LLMCalls
	if _, err := c.deps.Tracker.UpsertProgress(ctx, c.progress.render()); err != nil {
		slog.Warn("Failed to update progress comment", "task", c.uuid, "error", err)
	}
}

func (c *Coordinator) fail(ctx context.Context, reason string) *Outcome {
	c.progress.setPhase(c.progress.phase, "failed")
	c.updateProgress(ctx)
	return &Outcome{Status: models.TaskStatusFailed, Reason: reason}
}

// failFrom maps a phase error to a failed outcome, keeping the budget
// exhaustion reason distinct for the tracker comment.
func (c *Coordinator) failFrom(ctx context.Context, phase string, err error) *Outcome {
	reason := fmt.Sprintf("%s failed: %v", phase, err)
	if errors.Is(err, errBudgetExhausted) {
		reason = fmt.Sprintf("llm call budget (%d) exhausted during %s", c.cfg.MaxLLMProcesses, phase)
	}
	return c.fail(ctx, reason)
}
