package models

import "time"

// Message roles, OpenAI-compatible.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCallRef is one function call requested by an assistant turn,
// preserved in the transcript so replays keep the provider's
// tool_call_id linkage intact.
type ToolCallRef struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// ChatMessage is one line of current.jsonl: the platform-neutral projection
// fed to the LLM. It deliberately omits seq/timestamp/token bookkeeping.
// ToolCalls is set on assistant turns that requested tools; ToolCallID on
// the tool turns answering them.
type ChatMessage struct {
	Role       string        `json:"role"`
	Content    string        `json:"content"`
	ToolName   string        `json:"tool_name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
}

// MessageRecord is one line of messages.jsonl: the full audit form of a
// message. Seq is dense and contiguous per task.
type MessageRecord struct {
	Seq       int       `json:"seq"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`

	ToolName   string        `json:"tool_name,omitempty"`
	ToolCallID string        `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCallRef `json:"tool_calls,omitempty"`
}

// Chat returns the current.jsonl projection of the record.
func (m MessageRecord) Chat() ChatMessage {
	return ChatMessage{
		Role:       m.Role,
		Content:    m.Content,
		ToolName:   m.ToolName,
		ToolCallID: m.ToolCallID,
		ToolCalls:  m.ToolCalls,
	}
}

// SummaryRecord is one line of summaries.jsonl, describing a compression of
// messages [StartSeq, EndSeq] into Summary.
type SummaryRecord struct {
	ID             string    `json:"id"`
	StartSeq       int       `json:"start_seq"`
	EndSeq         int       `json:"end_seq"`
	Summary        string    `json:"summary"`
	OriginalTokens int       `json:"original_tokens"`
	SummaryTokens  int       `json:"summary_tokens"`
	Ratio          float64   `json:"ratio"`
	Timestamp      time.Time `json:"timestamp"`
}

// Tool call statuses recorded in tools.jsonl.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// ToolRecord is one line of tools.jsonl.
type ToolRecord struct {
	Seq        int            `json:"seq"`
	Tool       string         `json:"tool"`
	Args       map[string]any `json:"args,omitempty"`
	Result     string         `json:"result,omitempty"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	DurationMS int64          `json:"duration_ms"`
	Timestamp  time.Time      `json:"timestamp"`
}

// Planning event types recorded in planning/{uuid}.jsonl.
const (
	PlanningEventPlan           = "plan"
	PlanningEventRevision       = "revision"
	PlanningEventReflection     = "reflection"
	PlanningEventVerification   = "verification"
	PlanningEventReplanDecision = "replan_decision"
)

// PlanningRecord is one line of the planning log. Exactly one payload field
// is populated, matching Type.
type PlanningRecord struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Plan         *Plan               `json:"plan,omitempty"`
	Reflection   *ReflectionResult   `json:"reflection,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Replan       *ReplanDecision     `json:"replan,omitempty"`
}

// Metadata is the metadata.json document written once at context creation.
type Metadata struct {
	UUID      string    `json:"uuid"`
	TaskKey   string    `json:"task_key"`
	KeyHash   string    `json:"key_hash"`
	Requester string    `json:"requester,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	LLMProvider   string `json:"llm_provider,omitempty"`
	Model         string `json:"model,omitempty"`
	ContextLength int    `json:"context_length,omitempty"`
}
