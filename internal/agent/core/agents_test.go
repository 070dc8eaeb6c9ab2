package core

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeAgentStore struct {
	fakeCommitter

	levels     map[string]string
	goals      map[string]string
	workouts   map[int]string
	mealsTimes map[string]string
	reminders  map[string]string
	logged     []string
}

func newFakeAgentStore() *fakeAgentStore {
	return &fakeAgentStore{
		levels:     map[string]string{},
		goals:      map[string]string{},
		workouts:   map[int]string{},
		mealsTimes: map[string]string{},
		reminders:  map[string]string{},
	}
}

func (f *fakeAgentStore) UpsertFitnessProfile(ctx context.Context, userID, level string, limitations []string) error {
	f.levels[userID] = level
	return nil
}

func (f *fakeAgentStore) UpsertFitnessGoal(ctx context.Context, userID, goalType, target, timeframe string) error {
	f.goals[userID] = goalType
	return nil
}

func (f *fakeAgentStore) UpsertWorkoutSchedule(ctx context.Context, userID string, dayOfWeek int, timeOfDay string) error {
	f.workouts[dayOfWeek] = timeOfDay
	return nil
}

func (f *fakeAgentStore) UpsertMealSchedule(ctx context.Context, userID, mealName, timeOfDay string) error {
	f.mealsTimes[mealName] = timeOfDay
	return nil
}

func (f *fakeAgentStore) ListSchedule(ctx context.Context, userID string) ([]ScheduleEntry, error) {
	var out []ScheduleEntry
	for day, tod := range f.workouts {
		out = append(out, ScheduleEntry{Kind: "workout", DayOfWeek: day, TimeOfDay: tod})
	}
	for name, tod := range f.mealsTimes {
		out = append(out, ScheduleEntry{Kind: "meal", Name: name, TimeOfDay: tod})
	}
	return out, nil
}

func (f *fakeAgentStore) UpdateReminderPreferences(ctx context.Context, userID string, enabled bool, cronSpec string) error {
	f.reminders[userID] = cronSpec
	return nil
}

func (f *fakeAgentStore) LogWorkoutSet(ctx context.Context, userID, exercise string, reps int, weightKg float64, ts time.Time) error {
	f.logged = append(f.logged, exercise)
	return nil
}

func (f *fakeAgentStore) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	return map[string]interface{}{"total_sets": len(f.logged)}, nil
}

type stubState struct {
	outputs map[AgentType]json.RawMessage
	done    map[int]bool
}

func (s *stubState) AgentOutput(a AgentType) json.RawMessage { return s.outputs[a] }
func (s *stubState) StepDone(step int) bool                  { return s.done[step] }

func newAgent(t *testing.T, typ AgentType, provider LLMProvider, st AgentStore, actx *Context) *Agent {
	t.Helper()
	if actx == nil {
		actx = &Context{UserID: "u1", Upstream: map[AgentType]json.RawMessage{}}
	}
	a, err := New(typ, Deps{Provider: provider, Store: st, Logger: testLogger()}, actx, NewSink())
	if err != nil {
		t.Fatalf("New(%s): %v", typ, err)
	}
	return a
}

func TestFitnessAssessmentSaveAndCompletion(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentFitnessAssessment, provider, st, nil)

	provider.EnqueueToolCall("c1", "save_fitness_assessment", map[string]interface{}{
		"level":       "Beginner",
		"limitations": []interface{}{"bad knee"},
	})
	provider.EnqueueText("Got it, you're a beginner with a knee to protect.")

	resp, err := a.ProcessText(context.Background(), "I'm new to this, my knee acts up")
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if st.levels["u1"] != "beginner" {
		t.Errorf("level = %q, want beginner", st.levels["u1"])
	}

	var artifact map[string]json.RawMessage
	if err := json.Unmarshal(resp.Artifact, &artifact); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if _, ok := artifact["assessment"]; !ok {
		t.Fatalf("artifact missing assessment: %s", resp.Artifact)
	}

	state := &stubState{outputs: map[AgentType]json.RawMessage{AgentFitnessAssessment: resp.Artifact}}
	if !a.IsComplete(context.Background(), state) {
		t.Error("agent should be complete once the assessment is persisted")
	}
	if a.IsComplete(context.Background(), &stubState{outputs: map[AgentType]json.RawMessage{}}) {
		t.Error("agent must not be complete without an assessment")
	}
}

func TestFitnessAssessmentRejectsUnknownLevel(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentFitnessAssessment, provider, st, nil)

	provider.EnqueueToolCall("c1", "save_fitness_assessment", map[string]interface{}{"level": "olympian"})
	provider.EnqueueText("Let me ask again.")

	if _, err := a.ProcessText(context.Background(), "I'm an olympian"); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if len(st.levels) != 0 {
		t.Error("invalid level must not be persisted")
	}
	last := provider.Requests[1].Messages[len(provider.Requests[1].Messages)-1]
	var res ToolResult
	if err := json.Unmarshal([]byte(last.Content), &res); err != nil || res.ErrorCode != CodeValidationError {
		t.Errorf("tool result = %+v, want %s", res, CodeValidationError)
	}
}

func TestWorkoutPlanningSelfApprovalIsBlocked(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentWorkoutPlanning, provider, st, nil)

	// generate_workout_plan triggers an inner completion producing the plan.
	provider.EnqueueToolCall("c1", "generate_workout_plan", map[string]interface{}{"preferences": "3 days"})
	provider.EnqueueText(`{"name":"Starter","days":[{"day_of_week":1,"focus":"full body","exercises":[{"name":"Squat","sets":3,"reps":5,"weight_kg":40,"rest_seconds":120}]}]}`)
	// The LLM then tries to save claiming approval, without the user saying so.
	provider.EnqueueToolCall("c2", "save_workout_plan", map[string]interface{}{"user_approved": true})
	provider.EnqueueText("I saved the plan for you.")

	ctx := WithApproval(context.Background(), false)
	if _, err := a.ProcessText(ctx, "make me a plan"); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if len(st.fakeCommitter.workouts) != 0 {
		t.Fatal("plan committed although the user never approved")
	}
}

func TestWorkoutPlanningCommitsOnUserApproval(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()

	prior := json.RawMessage(`{"pending_proposal":{"kind":"workout","body":{"name":"Starter","days":[{"day_of_week":1,"focus":"full body","exercises":[{"name":"Squat","sets":3,"reps":5,"weight_kg":40,"rest_seconds":120}]}]},"revision":1,"approved":false}}`)
	actx := &Context{UserID: "u1", Upstream: map[AgentType]json.RawMessage{AgentWorkoutPlanning: prior}}
	a := newAgent(t, AgentWorkoutPlanning, provider, st, actx)

	provider.EnqueueToolCall("c1", "save_workout_plan", map[string]interface{}{"user_approved": true})
	provider.EnqueueText("Saved. Enjoy the training.")

	ctx := WithApproval(context.Background(), true)
	resp, err := a.ProcessText(ctx, "looks good, save it")
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if len(st.fakeCommitter.workouts) != 1 {
		t.Fatal("plan was not committed")
	}

	var artifact struct {
		Committed bool `json:"committed"`
	}
	if err := json.Unmarshal(resp.Artifact, &artifact); err != nil || !artifact.Committed {
		t.Fatalf("artifact = %s, want committed=true", resp.Artifact)
	}
	state := &stubState{outputs: map[AgentType]json.RawMessage{AgentWorkoutPlanning: resp.Artifact}}
	if !a.IsComplete(context.Background(), state) {
		t.Error("workout step should be complete after commit")
	}
}

func TestSchedulingCompletionNeedsAllSlots(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentScheduling, provider, st, nil)

	partial := &stubState{outputs: map[AgentType]json.RawMessage{
		AgentScheduling: json.RawMessage(`{"workout_slots":{"1":true},"meal_slots":{"breakfast":true,"lunch":true}}`),
	}}
	if a.IsComplete(context.Background(), partial) {
		t.Error("two meal slots must not complete the scheduling step")
	}
	full := &stubState{outputs: map[AgentType]json.RawMessage{
		AgentScheduling: json.RawMessage(`{"workout_slots":{"1":true,"4":true},"meal_slots":{"breakfast":true,"lunch":true,"dinner":true}}`),
	}}
	if !a.IsComplete(context.Background(), full) {
		t.Error("scheduling step should be complete with one workout and three meals")
	}
}

func TestSchedulingRepeatedMealSlotIsOneSlot(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentScheduling, provider, st, nil)

	provider.EnqueueToolCall("c1", "reschedule_workout", map[string]interface{}{
		"time_of_day": "07:00", "meal": "breakfast",
	})
	provider.EnqueueToolCall("c2", "reschedule_workout", map[string]interface{}{
		"time_of_day": "07:30", "meal": "breakfast",
	})
	provider.EnqueueToolCall("c3", "reschedule_workout", map[string]interface{}{
		"time_of_day": "08:00", "meal": "breakfast",
	})
	provider.EnqueueToolCall("c4", "reschedule_workout", map[string]interface{}{
		"day_of_week": float64(3), "time_of_day": "18:00",
	})
	provider.EnqueueText("Breakfast at eight, training Wednesday evening.")

	resp, err := a.ProcessText(context.Background(), "keep moving breakfast, train wednesdays")
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	state := &stubState{outputs: map[AgentType]json.RawMessage{AgentScheduling: resp.Artifact}}
	if a.IsComplete(context.Background(), state) {
		t.Error("rescheduling the same meal must not count as three meal slots")
	}
}

func TestSchedulingToolsPersistSlots(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentScheduling, provider, st, nil)

	provider.EnqueueToolCall("c1", "reschedule_workout", map[string]interface{}{
		"day_of_week": float64(2), "time_of_day": "18:30",
	})
	provider.EnqueueToolCall("c2", "reschedule_workout", map[string]interface{}{
		"time_of_day": "08:00", "meal": "breakfast",
	})
	provider.EnqueueText("Tuesday evening training and breakfast at eight.")

	resp, err := a.ProcessText(context.Background(), "train tuesdays at 6:30pm, breakfast at 8")
	if err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if st.workouts[2] != "18:30" || st.mealsTimes["breakfast"] != "08:00" {
		t.Errorf("slots not persisted: %v %v", st.workouts, st.mealsTimes)
	}

	var slots struct {
		WorkoutSlots map[string]bool `json:"workout_slots"`
		MealSlots    map[string]bool `json:"meal_slots"`
	}
	if err := json.Unmarshal(resp.Artifact, &slots); err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if !slots.WorkoutSlots["2"] || !slots.MealSlots["breakfast"] {
		t.Errorf("slots = %+v", slots)
	}
}

func TestSchedulingReminderValidatesCron(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentScheduling, provider, st, nil)

	provider.EnqueueToolCall("c1", "update_reminder_preferences", map[string]interface{}{
		"enabled": true, "cron_spec": "nonsense",
	})
	provider.EnqueueToolCall("c2", "update_reminder_preferences", map[string]interface{}{
		"enabled": true, "cron_spec": "0 7 * * 1",
	})
	provider.EnqueueText("Weekly reminders on Monday mornings.")

	if _, err := a.ProcessText(context.Background(), "remind me mondays at 7"); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if st.reminders["u1"] != "0 7 * * 1" {
		t.Errorf("reminder spec = %q", st.reminders["u1"])
	}
}

func TestTrackerLogsSets(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentTracker, provider, st, nil)

	provider.EnqueueToolCall("c1", "log_workout_set", map[string]interface{}{
		"exercise": "Deadlift", "reps": float64(5), "weight_kg": float64(100),
	})
	provider.EnqueueText("Logged: deadlift, 5 reps at 100 kg. Strong work.")

	if _, err := a.ProcessText(context.Background(), "just pulled 100kg for 5"); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	if len(st.logged) != 1 || st.logged[0] != "Deadlift" {
		t.Errorf("logged = %v", st.logged)
	}
}

func TestSupplementInteractionCheck(t *testing.T) {
	provider := NewMockProvider()
	st := newFakeAgentStore()
	a := newAgent(t, AgentSupplementGuide, provider, st, nil)

	provider.EnqueueToolCall("c1", "check_supplement_interactions", map[string]interface{}{
		"supplements": []interface{}{"caffeine", "creatine"},
	})
	provider.EnqueueText("They combine fine, stay hydrated.")

	if _, err := a.ProcessText(context.Background(), "can I take caffeine with creatine?"); err != nil {
		t.Fatalf("ProcessText: %v", err)
	}
	last := provider.Requests[1].Messages[len(provider.Requests[1].Messages)-1]
	var res ToolResult
	if err := json.Unmarshal([]byte(last.Content), &res); err != nil || !res.Success {
		t.Fatalf("tool result = %+v", res)
	}
}

func TestRoutingUnknownAgentType(t *testing.T) {
	_, err := New(AgentType("astrologer"), Deps{Provider: NewMockProvider(), Store: newFakeAgentStore()}, &Context{}, NewSink())
	if err == nil {
		t.Fatal("unknown agent type must error")
	}
}
