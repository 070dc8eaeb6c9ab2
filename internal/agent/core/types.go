package core

import (
	"context"
	"encoding/json"
	"time"
)

// AgentType identifies one of the specialized coaching agents.
type AgentType string

const (
	AgentFitnessAssessment AgentType = "fitness_assessment"
	AgentGoalSetting       AgentType = "goal_setting"
	AgentWorkoutPlanning   AgentType = "workout_planning"
	AgentDietPlanning      AgentType = "diet_planning"
	AgentScheduling        AgentType = "scheduling"
	AgentSupplementGuide   AgentType = "supplement_guide"
	AgentTracker           AgentType = "tracker"
	AgentGeneralAssistant  AgentType = "general_assistant"
)

// Stable error codes surfaced by tools, the orchestrator and the HTTP layer.
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeNotApproved     = "NOT_APPROVED"
	CodeNoProposal      = "NO_PROPOSAL"
	CodeSaveFailed      = "SAVE_FAILED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeProfileLocked   = "PROFILE_LOCKED"
	CodeTurnTimeout     = "TURN_TIMEOUT"
	CodeLLMError        = "LLM_ERROR"
	CodeInternal        = "INTERNAL_ERROR"
)

// ConversationMessage is one entry of a user's rolling conversation log.
type ConversationMessage struct {
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	AgentType AgentType `json:"agent_type,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// Context is the immutable per-turn bundle handed to an agent. It merges the
// user profile with the outputs upstream agents persisted in earlier steps.
type Context struct {
	UserID             string
	DisplayName        string
	FitnessLevel       string
	PrimaryGoal        string
	EnergyLevel        string
	Limitations        []string
	DietaryPreferences []string
	Allergies          []string

	// Upstream holds agent_context outputs keyed by the agent that produced
	// them, durable across turns.
	Upstream map[AgentType]json.RawMessage

	// History is a bounded window of the most recent conversation messages.
	History []ConversationMessage
}

// Response is the transient result of one agent turn.
type Response struct {
	Content      string          `json:"content"`
	AgentType    AgentType       `json:"agent_type"`
	StepComplete bool            `json:"step_complete"`
	NextAgent    AgentType       `json:"next_agent,omitempty"`
	Artifact     json.RawMessage `json:"artifact,omitempty"`
}

// Tool is a named, schema-typed operation the LLM may invoke mid-turn.
type Tool struct {
	Name        string
	Description string
	// Parameters is a JSON-schema object describing the arguments.
	Parameters map[string]interface{}
	Run        func(ctx context.Context, args map[string]interface{}) ToolResult
}

// ToolResult is the structured outcome of a tool execution. Failures are
// returned to the LLM in-band so it can recover within the same turn.
type ToolResult struct {
	Success   bool                   `json:"success"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Error     string                 `json:"error,omitempty"`
	ErrorCode string                 `json:"error_code,omitempty"`
}

// ToolError builds a failed ToolResult with a stable code.
func ToolError(code, msg string) ToolResult {
	return ToolResult{Success: false, Error: msg, ErrorCode: code}
}

// ToolOK builds a successful ToolResult.
func ToolOK(data map[string]interface{}) ToolResult {
	return ToolResult{Success: true, Data: data}
}

// ChatMessage is a provider-neutral chat transcript entry.
type ChatMessage struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is a tool invocation requested by the LLM.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// CompletionRequest is one LLM round trip.
type CompletionRequest struct {
	Messages    []ChatMessage
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// Completion is the provider response with token accounting.
type Completion struct {
	Message      ChatMessage
	InputTokens  int64
	OutputTokens int64
}

// StreamEvent is one event of a streamed completion. Token events carry
// incremental text; the final Message event carries the assembled assistant
// message including any tool calls.
type StreamEvent struct {
	Token   string
	Message *Completion
	Err     error
}

// LLMProvider is the contract the agent layer uses against the model vendor.
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	Complete(ctx context.Context, req CompletionRequest) (*Completion, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error)
}

// Sink collects the structured artifacts an agent's tools emit during a
// turn. The orchestrator merges the collected data into the onboarding
// state's agent_context; agents never write durable state directly.
type Sink struct {
	data map[string]interface{}
}

// NewSink returns an empty per-turn artifact sink.
func NewSink() *Sink {
	return &Sink{data: make(map[string]interface{})}
}

// Put records an artifact value under key, replacing any prior value.
func (s *Sink) Put(key string, v interface{}) {
	s.data[key] = v
}

// Delete removes a previously recorded artifact.
func (s *Sink) Delete(key string) {
	delete(s.data, key)
}

// Data returns the collected artifacts, or nil if none were emitted.
func (s *Sink) Data() map[string]interface{} {
	if len(s.data) == 0 {
		return nil
	}
	return s.data
}

// Marshal returns the collected artifacts as JSON, or nil if none.
func (s *Sink) Marshal() json.RawMessage {
	d := s.Data()
	if d == nil {
		return nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return b
}
