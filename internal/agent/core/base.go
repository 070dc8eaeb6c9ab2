package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/fitforge/coach/internal/agent/telemetry"
)

// maxToolIterations bounds the tool-calling loop within one turn.
const maxToolIterations = 6

// ErrToolLoopLimit is returned when an agent exhausts its tool budget
// without producing a terminal text message.
var ErrToolLoopLimit = errors.New("agent could not complete within its tool budget")

// StateReader exposes the persisted onboarding state to completion
// predicates without letting agents mutate it.
type StateReader interface {
	AgentOutput(a AgentType) json.RawMessage
	StepDone(step int) bool
}

// Agent runs the tool-calling conversation loop for one specialized agent.
// Instances are built per turn with the turn's Context and artifact Sink
// bound into their tools.
type Agent struct {
	Type      AgentType
	Preamble  string
	Context   *Context
	Sink      *Sink
	Provider  LLMProvider
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger

	tools        []Tool
	isCompleteFn func(ctx context.Context, state StateReader) bool
}

// Tools returns the agent's fixed tool set.
func (a *Agent) Tools() []Tool {
	return a.tools
}

// IsComplete reports whether this agent's onboarding step is satisfied by
// the persisted state. Pure with respect to the turn.
func (a *Agent) IsComplete(ctx context.Context, state StateReader) bool {
	if a.isCompleteFn == nil {
		return false
	}
	return a.isCompleteFn(ctx, state)
}

// SystemPrompt concatenates the role preamble, a context summary and
// mode-specific constraints.
func (a *Agent) SystemPrompt(voiceMode bool) string {
	var b strings.Builder
	b.WriteString(a.Preamble)
	b.WriteString("\n\n")
	b.WriteString(a.Context.Summary())
	if voiceMode {
		b.WriteString("\n\nVOICE MODE: you are speaking in a live voice conversation. " +
			"Keep every reply under 75 words. Use plain spoken sentences only: " +
			"no markdown, no bullet points, no numbered lists, no headings, no code.")
	} else {
		b.WriteString("\n\nRespond in clear, friendly text. Markdown is allowed where it helps.")
	}
	return b.String()
}

// Summary renders the context fields agents embed in their system prompts.
func (c *Context) Summary() string {
	var b strings.Builder
	b.WriteString("USER CONTEXT:\n")
	if c.DisplayName != "" {
		fmt.Fprintf(&b, "- Name: %s\n", c.DisplayName)
	}
	if c.FitnessLevel != "" {
		fmt.Fprintf(&b, "- Fitness level: %s\n", c.FitnessLevel)
	}
	if c.PrimaryGoal != "" {
		fmt.Fprintf(&b, "- Primary goal: %s\n", c.PrimaryGoal)
	}
	if c.EnergyLevel != "" {
		fmt.Fprintf(&b, "- Energy level: %s\n", c.EnergyLevel)
	}
	if len(c.Limitations) > 0 {
		fmt.Fprintf(&b, "- Limitations: %s\n", strings.Join(c.Limitations, ", "))
	}
	if len(c.DietaryPreferences) > 0 {
		fmt.Fprintf(&b, "- Dietary preferences: %s\n", strings.Join(c.DietaryPreferences, ", "))
	}
	if len(c.Allergies) > 0 {
		fmt.Fprintf(&b, "- Allergies: %s\n", strings.Join(c.Allergies, ", "))
	}
	for agent, raw := range c.Upstream {
		if len(raw) > 0 {
			fmt.Fprintf(&b, "- Output from %s: %s\n", agent, string(raw))
		}
	}
	return b.String()
}

// ProcessText runs the bounded tool-calling loop in text mode.
func (a *Agent) ProcessText(ctx context.Context, message string) (*Response, error) {
	return a.process(ctx, message, false)
}

// ProcessVoice runs the same loop with the voice-mode prompt.
func (a *Agent) ProcessVoice(ctx context.Context, message string) (*Response, error) {
	return a.process(ctx, message, true)
}

func (a *Agent) process(ctx context.Context, message string, voice bool) (*Response, error) {
	messages := a.transcript(message, voice)
	for i := 0; i < maxToolIterations; i++ {
		comp, err := a.Provider.Complete(ctx, CompletionRequest{Messages: messages, Tools: a.tools})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", CodeLLMError, err)
		}
		a.recordTokens(comp)
		if len(comp.Message.ToolCalls) == 0 {
			return a.finish(comp.Message.Content), nil
		}
		messages = append(messages, comp.Message)
		messages = append(messages, a.executeToolCalls(ctx, comp.Message.ToolCalls)...)
	}
	return nil, ErrToolLoopLimit
}

// Chunk is one streamed response fragment, serialized as NDJSON by the
// chat endpoint.
type Chunk struct {
	Type    string `json:"type"` // token, tool, error, end
	Content string `json:"content,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StreamResponse incrementally yields response chunks. Tool calls are
// resolved internally; the stream carries tool notifications but never tool
// transcripts. Errors surface as a final error chunk.
func (a *Agent) StreamResponse(ctx context.Context, message string) (<-chan Chunk, error) {
	messages := a.transcript(message, false)
	out := make(chan Chunk)
	go func() {
		defer close(out)
		var content strings.Builder
		for i := 0; i < maxToolIterations; i++ {
			events, err := a.Provider.Stream(ctx, CompletionRequest{Messages: messages, Tools: a.tools})
			if err != nil {
				out <- Chunk{Type: "error", Error: CodeLLMError + ": " + err.Error()}
				return
			}
			var final *Completion
			for ev := range events {
				switch {
				case ev.Err != nil:
					out <- Chunk{Type: "error", Error: CodeLLMError + ": " + ev.Err.Error()}
					return
				case ev.Message != nil:
					final = ev.Message
				case ev.Token != "":
					content.WriteString(ev.Token)
					select {
					case out <- Chunk{Type: "token", Content: ev.Token}:
					case <-ctx.Done():
						return
					}
				}
			}
			if final == nil {
				out <- Chunk{Type: "error", Error: CodeLLMError + ": stream ended without a message"}
				return
			}
			a.recordTokens(final)
			if len(final.Message.ToolCalls) == 0 {
				a.finish(content.String())
				out <- Chunk{Type: "end"}
				return
			}
			for _, tc := range final.Message.ToolCalls {
				select {
				case out <- Chunk{Type: "tool", Tool: tc.Name}:
				case <-ctx.Done():
					return
				}
			}
			messages = append(messages, final.Message)
			messages = append(messages, a.executeToolCalls(ctx, final.Message.ToolCalls)...)
		}
		out <- Chunk{Type: "error", Error: CodeInternal + ": " + ErrToolLoopLimit.Error()}
	}()
	return out, nil
}

func (a *Agent) transcript(message string, voice bool) []ChatMessage {
	messages := make([]ChatMessage, 0, len(a.Context.History)+2)
	messages = append(messages, ChatMessage{Role: "system", Content: a.SystemPrompt(voice)})
	for _, m := range a.Context.History {
		messages = append(messages, ChatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: message})
	return messages
}

// Finalize builds the Response for an externally accumulated streamed
// reply, applying post-processing and draining the artifact sink.
func (a *Agent) Finalize(content string) *Response {
	return a.finish(content)
}

func (a *Agent) finish(content string) *Response {
	return &Response{
		Content:   a.postProcess(content),
		AgentType: a.Type,
		Artifact:  a.Sink.Marshal(),
	}
}

// postProcess lets agents enforce response contracts (e.g. the supplement
// disclaimer). The default is identity; agents override via wrapping.
func (a *Agent) postProcess(content string) string {
	if a.Type == AgentSupplementGuide && !strings.Contains(content, SupplementDisclaimer) {
		return strings.TrimRight(content, "\n ") + "\n\n" + SupplementDisclaimer
	}
	return content
}

// executeToolCalls validates and runs the requested tools, converting every
// failure into an in-band tool result the LLM can recover from.
func (a *Agent) executeToolCalls(ctx context.Context, calls []ToolCall) []ChatMessage {
	results := make([]ChatMessage, 0, len(calls))
	for _, tc := range calls {
		res := a.executeTool(ctx, tc)
		body, err := json.Marshal(res)
		if err != nil {
			body = []byte(`{"success":false,"error":"result serialization failed","error_code":"` + CodeInternal + `"}`)
		}
		results = append(results, ChatMessage{Role: "tool", Content: string(body), ToolCallID: tc.ID})
	}
	return results
}

func (a *Agent) executeTool(ctx context.Context, tc ToolCall) (res ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			a.Logger.Printf("tool %s panicked: %v", tc.Name, r)
			res = ToolError(CodeInternal, fmt.Sprintf("tool %s failed", tc.Name))
		}
	}()
	tool, ok := a.lookupTool(tc.Name)
	if !ok {
		return ToolError(CodeValidationError, fmt.Sprintf("unknown tool: %s", tc.Name))
	}
	if err := validateArgs(tool, tc.Args); err != nil {
		return ToolError(CodeValidationError, err.Error())
	}
	if a.Telemetry != nil {
		a.Telemetry.RecordToolExecution(string(a.Type), tc.Name)
	}
	return tool.Run(ctx, tc.Args)
}

func (a *Agent) lookupTool(name string) (Tool, bool) {
	for _, t := range a.tools {
		if t.Name == name {
			return t, true
		}
	}
	return Tool{}, false
}

func (a *Agent) recordTokens(c *Completion) {
	if a.Telemetry != nil {
		a.Telemetry.RecordTokens(string(a.Type), c.InputTokens, c.OutputTokens)
	}
}

// validateArgs checks required fields and loose types against the tool's
// declared JSON-schema parameters.
func validateArgs(tool Tool, args map[string]interface{}) error {
	required, _ := tool.Parameters["required"].([]string)
	if required == nil {
		if raw, ok := tool.Parameters["required"].([]interface{}); ok {
			for _, r := range raw {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}
	for _, field := range required {
		if _, ok := args[field]; !ok {
			return fmt.Errorf("missing required argument: %s", field)
		}
	}
	props, _ := tool.Parameters["properties"].(map[string]interface{})
	for name, val := range args {
		schema, ok := props[name].(map[string]interface{})
		if !ok {
			continue
		}
		want, _ := schema["type"].(string)
		if want == "" || val == nil {
			continue
		}
		if !typeMatches(want, val) {
			return fmt.Errorf("argument %s: expected %s", name, want)
		}
	}
	return nil
}

func typeMatches(want string, val interface{}) bool {
	switch want {
	case "string":
		_, ok := val.(string)
		return ok
	case "number", "integer":
		switch val.(type) {
		case float64, float32, int, int64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := val.(bool)
		return ok
	case "array":
		_, ok := val.([]interface{})
		if !ok {
			_, ok = val.([]string)
		}
		return ok
	case "object":
		_, ok := val.(map[string]interface{})
		return ok
	}
	return true
}
