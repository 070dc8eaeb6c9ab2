package onboarding

import (
	"encoding/json"
	"time"

	"github.com/fitforge/coach/internal/agent/core"
)

// TotalSteps is the number of onboarding steps.
const TotalSteps = 6

// routing maps each onboarding step to the agent that owns it. It is
// configuration, not logic; the orchestrator never routes any other way
// while onboarding is in progress.
var routing = map[int]core.AgentType{
	1: core.AgentFitnessAssessment,
	2: core.AgentGoalSetting,
	3: core.AgentWorkoutPlanning,
	4: core.AgentDietPlanning,
	5: core.AgentScheduling,
	6: core.AgentSupplementGuide,
}

// AgentForStep is the pure routing function. Completed onboarding always
// routes to the general assistant.
func AgentForStep(step int, complete bool) core.AgentType {
	if complete {
		return core.AgentGeneralAssistant
	}
	if a, ok := routing[step]; ok {
		return a
	}
	return core.AgentGeneralAssistant
}

// Transition is one audit entry of a routing handover.
type Transition struct {
	FromAgent core.AgentType `json:"from_agent"`
	ToAgent   core.AgentType `json:"to_agent"`
	Step      int            `json:"step"`
	TS        time.Time      `json:"ts"`
	Reason    string         `json:"reason,omitempty"`
}

// Profile is the durable user profile slice the orchestrator folds into each
// turn's agent context.
type Profile struct {
	DisplayName        string   `json:"display_name"`
	FitnessLevel       string   `json:"fitness_level"`
	PrimaryGoal        string   `json:"primary_goal"`
	EnergyLevel        string   `json:"energy_level"`
	Limitations        []string `json:"limitations"`
	DietaryPreferences []string `json:"dietary_preferences"`
	Allergies          []string `json:"allergies"`
	Locked             bool     `json:"locked"`
}

// State is the persisted onboarding state machine for one user. The whole
// struct round-trips through a single JSONB column plus a few indexed
// scalars, so every mutation in a turn lands in one row write.
type State struct {
	UserID       string                             `json:"user_id"`
	CurrentStep  int                                `json:"current_step"`
	IsComplete   bool                               `json:"is_complete"`
	Steps        map[int]bool                       `json:"steps"`
	CurrentAgent core.AgentType                     `json:"current_agent"`
	AgentContext map[core.AgentType]json.RawMessage `json:"agent_context"`
	History      []core.ConversationMessage         `json:"conversation_history"`
	AgentHistory []Transition                       `json:"agent_history"`
	CreatedAt    time.Time                          `json:"created_at"`
	UpdatedAt    time.Time                          `json:"updated_at"`
}

// NewState returns the initial state for a user entering onboarding.
func NewState(userID string, now time.Time) *State {
	return &State{
		UserID:       userID,
		CurrentStep:  1,
		Steps:        make(map[int]bool),
		CurrentAgent: AgentForStep(1, false),
		AgentContext: make(map[core.AgentType]json.RawMessage),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// AgentOutput implements core.StateReader.
func (s *State) AgentOutput(a core.AgentType) json.RawMessage {
	return s.AgentContext[a]
}

// StepDone implements core.StateReader.
func (s *State) StepDone(step int) bool {
	return s.Steps[step]
}

// MergeArtifact folds a turn's artifact into the owning agent's durable
// output, key by key, so earlier keys survive later turns.
func (s *State) MergeArtifact(agent core.AgentType, artifact json.RawMessage) error {
	if len(artifact) == 0 || string(artifact) == "null" || string(artifact) == "{}" {
		return nil
	}
	merged := map[string]json.RawMessage{}
	if prior, ok := s.AgentContext[agent]; ok && len(prior) > 0 {
		if err := json.Unmarshal(prior, &merged); err != nil {
			return err
		}
	}
	var incoming map[string]json.RawMessage
	if err := json.Unmarshal(artifact, &incoming); err != nil {
		return err
	}
	for k, v := range incoming {
		merged[k] = v
	}
	out, err := json.Marshal(merged)
	if err != nil {
		return err
	}
	if s.AgentContext == nil {
		s.AgentContext = make(map[core.AgentType]json.RawMessage)
	}
	s.AgentContext[agent] = out
	return nil
}

// Append records one conversation message in arrival order.
func (s *State) Append(role, content string, agent core.AgentType, ts time.Time) {
	s.History = append(s.History, core.ConversationMessage{
		Role:      role,
		Content:   content,
		AgentType: agent,
		Timestamp: ts,
	})
}

// nextIncompleteStep returns the lowest incomplete step after marking the
// current one done, or 0 when every step is complete.
func (s *State) nextIncompleteStep() int {
	for step := 1; step <= TotalSteps; step++ {
		if !s.Steps[step] {
			return step
		}
	}
	return 0
}

// upstreamComplete reports whether every step before the given one is done.
func (s *State) upstreamComplete(step int) bool {
	for k := 1; k < step; k++ {
		if !s.Steps[k] {
			return false
		}
	}
	return true
}

// advance marks the current step complete and moves to the next incomplete
// step, recording the handover. Returns the transition, or nil when the
// state is already terminal.
func (s *State) advance(now time.Time, reason string) *Transition {
	if s.IsComplete || s.Steps[s.CurrentStep] {
		return nil
	}
	from := s.CurrentAgent
	s.Steps[s.CurrentStep] = true
	next := s.nextIncompleteStep()
	if next == 0 {
		s.IsComplete = true
		s.CurrentAgent = AgentForStep(0, true)
	} else {
		s.CurrentStep = next
		s.CurrentAgent = AgentForStep(next, false)
	}
	t := Transition{
		FromAgent: from,
		ToAgent:   s.CurrentAgent,
		Step:      s.CurrentStep,
		TS:        now,
		Reason:    reason,
	}
	s.AgentHistory = append(s.AgentHistory, t)
	return &t
}

// ContextFor builds the immutable per-turn agent context from the profile,
// durable agent outputs, and a bounded history window.
func (s *State) ContextFor(profile *Profile, window int) *core.Context {
	actx := &core.Context{
		UserID:   s.UserID,
		Upstream: make(map[core.AgentType]json.RawMessage, len(s.AgentContext)),
	}
	if profile != nil {
		actx.DisplayName = profile.DisplayName
		actx.FitnessLevel = profile.FitnessLevel
		actx.PrimaryGoal = profile.PrimaryGoal
		actx.EnergyLevel = profile.EnergyLevel
		actx.Limitations = profile.Limitations
		actx.DietaryPreferences = profile.DietaryPreferences
		actx.Allergies = profile.Allergies
	}
	for k, v := range s.AgentContext {
		actx.Upstream[k] = v
	}
	if window > 0 && len(s.History) > window {
		actx.History = append(actx.History, s.History[len(s.History)-window:]...)
	} else {
		actx.History = append(actx.History, s.History...)
	}
	return actx
}
