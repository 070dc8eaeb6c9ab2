package onboarding

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fitforge/coach/internal/agent/core"
)

func TestRoutingIsDeterministic(t *testing.T) {
	for step := 1; step <= TotalSteps; step++ {
		first := AgentForStep(step, false)
		for i := 0; i < 3; i++ {
			if got := AgentForStep(step, false); got != first {
				t.Fatalf("step %d: routing not deterministic: %s then %s", step, first, got)
			}
		}
	}
	if got := AgentForStep(3, true); got != core.AgentGeneralAssistant {
		t.Errorf("completed onboarding routes to %s, want general assistant", got)
	}
	if got := AgentForStep(99, false); got != core.AgentGeneralAssistant {
		t.Errorf("out-of-range step routes to %s, want general assistant", got)
	}
}

func TestAdvanceWalksEveryStepThenFreezes(t *testing.T) {
	now := time.Now()
	s := NewState("u1", now)

	var steps []int
	for !s.IsComplete {
		steps = append(steps, s.CurrentStep)
		if s.CurrentAgent != AgentForStep(s.CurrentStep, false) {
			t.Fatalf("step %d: current_agent %s inconsistent with routing", s.CurrentStep, s.CurrentAgent)
		}
		if tr := s.advance(now, "test"); tr == nil {
			t.Fatalf("advance returned nil at step %d", s.CurrentStep)
		}
	}
	if len(steps) != TotalSteps {
		t.Fatalf("walked %d steps, want %d", len(steps), TotalSteps)
	}
	for i := 1; i < len(steps); i++ {
		if steps[i] <= steps[i-1] {
			t.Fatalf("current_step not monotonic: %v", steps)
		}
	}
	if len(s.AgentHistory) != TotalSteps {
		t.Errorf("agent_history has %d entries, want %d transitions", len(s.AgentHistory), TotalSteps)
	}
	if s.CurrentAgent != core.AgentGeneralAssistant {
		t.Errorf("terminal agent = %s", s.CurrentAgent)
	}

	// Terminal state is frozen.
	if tr := s.advance(now, "again"); tr != nil {
		t.Error("advance after completion must be a no-op")
	}
}

func TestAdvanceSkipsToLowestIncompleteStep(t *testing.T) {
	s := NewState("u1", time.Now())
	s.Steps[2] = true
	s.Steps[3] = true

	tr := s.advance(time.Now(), "step complete")
	if tr == nil {
		t.Fatal("advance returned nil")
	}
	if s.CurrentStep != 4 {
		t.Errorf("current_step = %d, want 4 (2 and 3 already done)", s.CurrentStep)
	}
	if tr.FromAgent != core.AgentFitnessAssessment || tr.ToAgent != AgentForStep(4, false) {
		t.Errorf("transition = %+v", tr)
	}
}

func TestMergeArtifactPreservesEarlierKeys(t *testing.T) {
	s := NewState("u1", time.Now())
	if err := s.MergeArtifact(core.AgentScheduling, json.RawMessage(`{"workout_slots":1}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := s.MergeArtifact(core.AgentScheduling, json.RawMessage(`{"meal_slots":3}`)); err != nil {
		t.Fatalf("merge: %v", err)
	}
	var out struct {
		WorkoutSlots int `json:"workout_slots"`
		MealSlots    int `json:"meal_slots"`
	}
	if err := json.Unmarshal(s.AgentOutput(core.AgentScheduling), &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.WorkoutSlots != 1 || out.MealSlots != 3 {
		t.Errorf("merged output = %+v", out)
	}

	// Empty artifacts leave state untouched.
	before := string(s.AgentOutput(core.AgentScheduling))
	if err := s.MergeArtifact(core.AgentScheduling, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("merge empty: %v", err)
	}
	if string(s.AgentOutput(core.AgentScheduling)) != before {
		t.Error("empty artifact mutated agent_context")
	}
}

func TestContextWindowsHistory(t *testing.T) {
	s := NewState("u1", time.Now())
	for i := 0; i < 30; i++ {
		s.Append("user", "msg", core.AgentFitnessAssessment, time.Now())
	}
	actx := s.ContextFor(&Profile{DisplayName: "Sam", FitnessLevel: "beginner"}, 20)
	if len(actx.History) != 20 {
		t.Errorf("history window = %d, want 20", len(actx.History))
	}
	if actx.DisplayName != "Sam" || actx.FitnessLevel != "beginner" {
		t.Errorf("profile not folded in: %+v", actx)
	}
}

func TestStateJSONRoundTrip(t *testing.T) {
	s := NewState("u1", time.Now().UTC().Truncate(time.Second))
	s.Steps[1] = true
	s.CurrentStep = 2
	s.CurrentAgent = AgentForStep(2, false)
	s.AgentContext[core.AgentFitnessAssessment] = json.RawMessage(`{"assessment":{"level":"beginner"}}`)
	s.Append("user", "hello", core.AgentFitnessAssessment, time.Now().UTC().Truncate(time.Second))
	s.AgentHistory = append(s.AgentHistory, Transition{
		FromAgent: core.AgentFitnessAssessment,
		ToAgent:   core.AgentGoalSetting,
		Step:      2,
		TS:        time.Now().UTC().Truncate(time.Second),
	})

	raw, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back State
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.CurrentStep != 2 || !back.StepDone(1) || back.StepDone(2) {
		t.Errorf("steps lost: %+v", back)
	}
	if len(back.AgentHistory) != 1 || back.AgentHistory[0].ToAgent != core.AgentGoalSetting {
		t.Errorf("agent_history lost: %+v", back.AgentHistory)
	}
	if string(back.AgentOutput(core.AgentFitnessAssessment)) == "" {
		t.Error("agent_context lost")
	}
}
