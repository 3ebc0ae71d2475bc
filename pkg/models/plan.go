package models

// Plan is the structured output of the planning phase. The JSON tags are
// the wire contract with the LLM; parsing is strict apart from jsonrepair
// preprocessing in the llm package.
type Plan struct {
	GoalUnderstanding   GoalUnderstanding   `json:"goal_understanding"`
	TaskDecomposition   TaskDecomposition   `json:"task_decomposition"`
	ActionPlan          ActionPlan          `json:"action_plan"`
	SelectedEnvironment SelectedEnvironment `json:"selected_environment"`
}

// GoalUnderstanding captures what the LLM believes the task is about.
type GoalUnderstanding struct {
	MainObjective   string   `json:"main_objective"`
	SuccessCriteria []string `json:"success_criteria"`
	Constraints     []string `json:"constraints,omitempty"`
}

// TaskDecomposition is the subtask breakdown with its reasoning.
type TaskDecomposition struct {
	Reasoning string    `json:"reasoning,omitempty"`
	Subtasks  []Subtask `json:"subtasks"`
}

// Subtask is one unit of the decomposition.
type Subtask struct {
	ID                  string   `json:"id"`
	Description         string   `json:"description"`
	Dependencies        []string `json:"dependencies,omitempty"`
	EstimatedComplexity string   `json:"estimated_complexity,omitempty"`
	RequiredTools       []string `json:"required_tools,omitempty"`
}

// ActionPlan orders the concrete actions derived from the subtasks.
type ActionPlan struct {
	ExecutionOrder []string `json:"execution_order"`
	Actions        []Action `json:"actions"`
}

// Action is one executable step of the plan.
type Action struct {
	TaskID           string `json:"task_id"`
	ActionType       string `json:"action_type"`
	Tool             string `json:"tool"`
	Purpose          string `json:"purpose"`
	ExpectedOutcome  string `json:"expected_outcome,omitempty"`
	FallbackStrategy string `json:"fallback_strategy,omitempty"`
}

// SelectedEnvironment names the sandbox environment and how to set it up.
type SelectedEnvironment struct {
	Name          string              `json:"name"`
	Reason        string              `json:"reason,omitempty"`
	SetupCommands []string            `json:"setup_commands,omitempty"`
	Verification  []VerificationCheck `json:"verification,omitempty"`
}

// VerificationCheck pairs a command with its expected stdout. The comparison
// is exact equality after trimming the trailing newline on both sides.
type VerificationCheck struct {
	Command        string `json:"command"`
	ExpectedOutput string `json:"expected_output"`
}

// ActionByID returns the action for a given task id, or nil.
func (p *Plan) ActionByID(taskID string) *Action {
	for i := range p.ActionPlan.Actions {
		if p.ActionPlan.Actions[i].TaskID == taskID {
			return &p.ActionPlan.Actions[i]
		}
	}
	return nil
}

// ReflectionResult is the LLM's answer to a reflection prompt.
type ReflectionResult struct {
	Status             string   `json:"status"`
	Evaluation         string   `json:"evaluation"`
	IssuesIdentified   []string `json:"issues_identified,omitempty"`
	PlanRevisionNeeded bool     `json:"plan_revision_needed"`
	PlanRevision       *Plan    `json:"plan_revision,omitempty"`
}

// PlaceholderReport flags placeholder code the verifier found.
type PlaceholderReport struct {
	Count     int      `json:"count"`
	Locations []string `json:"locations,omitempty"`
}

// VerificationResult is the LLM's answer to the post-execution verification
// prompt.
type VerificationResult struct {
	VerificationPassed   bool              `json:"verification_passed"`
	IssuesFound          []string          `json:"issues_found,omitempty"`
	PlaceholderDetected  PlaceholderReport `json:"placeholder_detected"`
	AdditionalWorkNeeded bool              `json:"additional_work_needed"`
	AdditionalActions    []Action          `json:"additional_actions,omitempty"`
	CompletionConfidence float64           `json:"completion_confidence"`
}

// ReplanType classifies a replan decision.
type ReplanType string

// Replan decision types, roughly ordered by scope.
const (
	ReplanClarificationRequest ReplanType = "clarification_request"
	ReplanGoalRevision         ReplanType = "goal_revision"
	ReplanTaskRedecomposition  ReplanType = "task_redecomposition"
	ReplanActionRegeneration   ReplanType = "action_regeneration"
	ReplanPartial              ReplanType = "partial_replan"
	ReplanFull                 ReplanType = "full_replan"
	ReplanPlanRevision         ReplanType = "plan_revision"
)

// ReplanDecision is an LLM-emitted request to jump back to an earlier phase.
// Every decision is persisted to the planning log regardless of whether it
// was applied; Applied records the outcome.
type ReplanDecision struct {
	ReplanNeeded           bool       `json:"replan_needed"`
	Confidence             float64    `json:"confidence"`
	Reasoning              string     `json:"reasoning,omitempty"`
	ReplanType             ReplanType `json:"replan_type,omitempty"`
	TargetPhase            string     `json:"target_phase,omitempty"`
	ReplanLevel            int        `json:"replan_level,omitempty"`
	IssuesFound            []string   `json:"issues_found,omitempty"`
	RecommendedActions     []string   `json:"recommended_actions,omitempty"`
	ClarificationNeeded    bool       `json:"clarification_needed,omitempty"`
	ClarificationQuestions []string   `json:"clarification_questions,omitempty"`

	// Applied is set by the coordinator, not the LLM.
	Applied bool `json:"applied"`
}
