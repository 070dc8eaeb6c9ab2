package onboarding

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/agent/telemetry"
)

// Mode selects the turn's interaction channel.
type Mode string

const (
	ModeText  Mode = "text"
	ModeVoice Mode = "voice"
)

// Store is the persistence surface the orchestrator needs. *store.Store
// satisfies it.
type Store interface {
	core.AgentStore

	LoadOnboardingState(ctx context.Context, userID string) (*State, error)
	SaveOnboardingState(ctx context.Context, state *State) error
	UserProfile(ctx context.Context, userID string) (*Profile, error)
	LogChatMessage(ctx context.Context, userID, role, content string, agent core.AgentType, ts time.Time) error
}

// Options tune turn handling; zero values fall back to defaults.
type Options struct {
	HistoryWindow    int
	TextTurnTimeout  time.Duration
	VoiceTurnTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.HistoryWindow <= 0 {
		o.HistoryWindow = 20
	}
	if o.TextTurnTimeout <= 0 {
		o.TextTurnTimeout = 30 * time.Second
	}
	if o.VoiceTurnTimeout <= 0 {
		o.VoiceTurnTimeout = 8 * time.Second
	}
	return o
}

// Orchestrator serializes, routes and persists user turns across the
// onboarding state machine.
type Orchestrator struct {
	store     Store
	provider  core.LLMProvider
	telemetry *telemetry.Telemetry
	locker    TurnLocker
	opts      Options
	logger    *log.Logger
	now       func() time.Time
}

func NewOrchestrator(store Store, provider core.LLMProvider, tel *telemetry.Telemetry, locker TurnLocker, opts Options) *Orchestrator {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &Orchestrator{
		store:     store,
		provider:  provider,
		telemetry: tel,
		locker:    locker,
		opts:      opts.withDefaults(),
		logger:    log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		now:       time.Now,
	}
}

// HandleTurn routes one user message to the step's agent and persists the
// outcome. Turns for the same user are serialized by the locker.
func (o *Orchestrator) HandleTurn(ctx context.Context, userID, message string, mode Mode) (*core.Response, error) {
	release, err := o.locker.Acquire(ctx, userID)
	if err != nil {
		return nil, &core.CodedError{Code: core.CodeInternal, Msg: "could not serialize turn: " + err.Error()}
	}
	defer release()

	timeout := o.opts.TextTurnTimeout
	if mode == ModeVoice {
		timeout = o.opts.VoiceTurnTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := o.now()
	resp, err := o.runTurn(ctx, userID, message, mode)
	if o.telemetry != nil {
		agent := ""
		if resp != nil {
			agent = string(resp.AgentType)
		}
		o.telemetry.RecordTurn(agent, string(mode), o.now().Sub(start), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return nil, &core.CodedError{Code: core.CodeTurnTimeout, Msg: "turn exceeded its deadline"}
	}
	return resp, err
}

func (o *Orchestrator) runTurn(ctx context.Context, userID, message string, mode Mode) (*core.Response, error) {
	state, profile, err := o.load(ctx, userID)
	if err != nil {
		return nil, err
	}

	agent, err := o.buildAgent(state, profile)
	if err != nil {
		return nil, err
	}

	ctx = core.WithApproval(ctx, core.ContainsApprovalToken(message))

	var resp *core.Response
	if mode == ModeVoice {
		resp, err = agent.ProcessVoice(ctx, message)
	} else {
		resp, err = agent.ProcessText(ctx, message)
	}
	if err != nil {
		return nil, err
	}

	if err := o.persistTurn(ctx, state, agent, message, resp, mode); err != nil {
		return nil, err
	}
	return resp, nil
}

// WithStore returns a copy of the orchestrator persisting through st. The
// locker and telemetry stay shared, so turn serialization still spans every
// channel. The voice bridge uses this to route tool writes through its
// per-session background dispatcher.
func (o *Orchestrator) WithStore(st Store) *Orchestrator {
	clone := *o
	clone.store = st
	return &clone
}

// load fetches state and profile, creating the initial state on first
// contact.
func (o *Orchestrator) load(ctx context.Context, userID string) (*State, *Profile, error) {
	state, err := o.store.LoadOnboardingState(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading onboarding state: %w", err)
	}
	if state == nil {
		state = NewState(userID, o.now())
		if err := o.store.SaveOnboardingState(ctx, state); err != nil {
			return nil, nil, fmt.Errorf("creating onboarding state: %w", err)
		}
		o.logger.Printf("created onboarding state for user %s", userID)
	}
	profile, err := o.store.UserProfile(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading profile: %w", err)
	}
	return state, profile, nil
}

func (o *Orchestrator) buildAgent(state *State, profile *Profile) (*core.Agent, error) {
	agentType := AgentForStep(state.CurrentStep, state.IsComplete)
	if agentType != state.CurrentAgent {
		// Routing is the single source of truth; repair drifted rows.
		o.logger.Printf("current_agent %s disagreed with routing for step %d, using %s",
			state.CurrentAgent, state.CurrentStep, agentType)
		state.CurrentAgent = agentType
	}
	actx := state.ContextFor(profile, o.opts.HistoryWindow)
	return core.New(agentType, core.Deps{
		Provider:  o.provider,
		Store:     o.store,
		Telemetry: o.telemetry,
	}, actx, core.NewSink())
}

// persistTurn applies the turn's effects to the state row and decides
// advancement. The state row is written once, so the whole mutation is
// atomic.
func (o *Orchestrator) persistTurn(ctx context.Context, state *State, agent *core.Agent, userMessage string, resp *core.Response, mode Mode) error {
	now := o.now()
	state.Append("user", userMessage, resp.AgentType, now)
	state.Append("assistant", resp.Content, resp.AgentType, now)

	if err := state.MergeArtifact(resp.AgentType, resp.Artifact); err != nil {
		o.logger.Printf("dropping unmergeable artifact from %s: %v", resp.AgentType, err)
	}

	o.maybeAdvance(ctx, state, agent, resp)

	state.UpdatedAt = now
	if err := o.store.SaveOnboardingState(ctx, state); err != nil {
		return fmt.Errorf("saving onboarding state: %w", err)
	}
	// Voice turns are logged by the bridge's async queue so the audio path
	// never waits on the chat log.
	if mode != ModeVoice {
		o.logChat(ctx, state.UserID, userMessage, resp)
	}
	return nil
}

// maybeAdvance checks the agent's completion predicate against the freshly
// merged state and moves the machine forward, appending the next agent's
// greeting to the response.
func (o *Orchestrator) maybeAdvance(ctx context.Context, state *State, agent *core.Agent, resp *core.Response) {
	if state.IsComplete || state.Steps[state.CurrentStep] {
		return
	}
	if !agent.IsComplete(ctx, state) {
		return
	}
	if !state.upstreamComplete(state.CurrentStep) {
		o.logger.Printf("step %d marked complete with incomplete upstream steps for user %s, not advancing",
			state.CurrentStep, state.UserID)
		return
	}
	t := state.advance(o.now(), "step complete")
	if t == nil {
		return
	}
	resp.StepComplete = true
	resp.NextAgent = t.ToAgent
	if greeting := o.greet(ctx, state, t.ToAgent); greeting != "" {
		resp.Content += "\n\n" + greeting
		state.Append("assistant", greeting, t.ToAgent, o.now())
	}
}

// greet asks the incoming agent for a short handover message. Failures are
// swallowed; the handover itself already happened.
func (o *Orchestrator) greet(ctx context.Context, state *State, next core.AgentType) string {
	prompt := fmt.Sprintf(
		"You are the %s coach taking over a fitness onboarding conversation. "+
			"Greet the user in one or two sentences and say what you will work on together. No markdown.",
		next)
	comp, err := o.provider.Complete(ctx, core.CompletionRequest{
		Messages:    []core.ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.7,
	})
	if err != nil {
		o.logger.Printf("handover greeting failed: %v", err)
		return ""
	}
	return comp.Message.Content
}

func (o *Orchestrator) logChat(ctx context.Context, userID, userMessage string, resp *core.Response) {
	now := o.now()
	if err := o.store.LogChatMessage(ctx, userID, "user", userMessage, resp.AgentType, now); err != nil {
		o.logger.Printf("logging chat message: %v", err)
	}
	if err := o.store.LogChatMessage(ctx, userID, "assistant", resp.Content, resp.AgentType, now); err != nil {
		o.logger.Printf("logging chat message: %v", err)
	}
}

// StreamTurn is HandleTurn's streaming variant for text chat. Tokens are
// forwarded as they arrive; state is persisted once the stream ends.
func (o *Orchestrator) StreamTurn(ctx context.Context, userID, message string) (<-chan core.Chunk, error) {
	release, err := o.locker.Acquire(ctx, userID)
	if err != nil {
		return nil, &core.CodedError{Code: core.CodeInternal, Msg: "could not serialize turn: " + err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, o.opts.TextTurnTimeout)

	state, profile, err := o.load(ctx, userID)
	if err != nil {
		cancel()
		release()
		return nil, err
	}
	agent, err := o.buildAgent(state, profile)
	if err != nil {
		cancel()
		release()
		return nil, err
	}

	ctx = core.WithApproval(ctx, core.ContainsApprovalToken(message))
	inner, err := agent.StreamResponse(ctx, message)
	if err != nil {
		cancel()
		release()
		return nil, err
	}

	out := make(chan core.Chunk)
	go func() {
		defer close(out)
		defer release()
		defer cancel()
		// The consumer may stop reading at any point, so every send races
		// ctx; an abandoned stream must never wedge the user's turn lock.
		send := func(chunk core.Chunk) {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
		var content []byte
		failed := false
		for chunk := range inner {
			switch chunk.Type {
			case "token":
				content = append(content, chunk.Content...)
				send(chunk)
			case "error":
				failed = true
				send(chunk)
			case "end":
				// Persist before signalling the end so the client sees a
				// durable turn. Persistence is detached from ctx so a
				// disconnected client still gets its turn saved.
				resp := agent.Finalize(string(content))
				if err := o.persistTurn(context.WithoutCancel(ctx), state, agent, message, resp, ModeText); err != nil {
					send(core.Chunk{Type: "error", Error: core.CodeInternal + ": " + err.Error()})
					return
				}
				send(chunk)
			default:
				send(chunk)
			}
		}
		if failed {
			// Retain the user message even when the reply was lost.
			state.Append("user", message, agent.Type, o.now())
			state.UpdatedAt = o.now()
			if err := o.store.SaveOnboardingState(context.WithoutCancel(ctx), state); err != nil {
				o.logger.Printf("saving state after stream failure: %v", err)
			}
		}
	}()
	return out, nil
}

// Status summarizes onboarding progress for the status endpoint.
type Status struct {
	CurrentStep  int            `json:"current_step"`
	TotalSteps   int            `json:"total_steps"`
	CurrentAgent core.AgentType `json:"current_agent"`
	IsComplete   bool           `json:"is_complete"`
	Steps        map[int]bool   `json:"steps"`
	Transitions  []Transition   `json:"agent_history"`
}

func (o *Orchestrator) Status(ctx context.Context, userID string) (*Status, error) {
	state, err := o.store.LoadOnboardingState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, &core.CodedError{Code: core.CodeNotFound, Msg: "onboarding has not started"}
	}
	return &Status{
		CurrentStep:  state.CurrentStep,
		TotalSteps:   TotalSteps,
		CurrentAgent: state.CurrentAgent,
		IsComplete:   state.IsComplete,
		Steps:        state.Steps,
		Transitions:  state.AgentHistory,
	}, nil
}
