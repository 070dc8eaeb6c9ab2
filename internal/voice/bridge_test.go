package voice

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fitforge/coach/config"
	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/onboarding"
)

// voiceStore backs both the bridge and the orchestrator in memory.
type voiceStore struct {
	mu     sync.Mutex
	locked map[string]bool
	chat   []core.ConversationMessage
	states map[string][]byte

	// mealGate, when set, blocks UpsertMealSchedule until closed.
	mealGate  chan struct{}
	mealErr   error
	mealCalls int
}

func newVoiceStore() *voiceStore {
	return &voiceStore{
		locked: map[string]bool{},
		states: map[string][]byte{},
	}
}

func (v *voiceStore) SetProfileLocked(ctx context.Context, userID string, locked bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.locked[userID] = locked
	return nil
}

func (v *voiceStore) LogChatMessage(ctx context.Context, userID, role, content string, agent core.AgentType, ts time.Time) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.chat = append(v.chat, core.ConversationMessage{Role: role, Content: content, AgentType: agent, Timestamp: ts})
	return nil
}

func (v *voiceStore) chatLen() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.chat)
}

func (v *voiceStore) LoadOnboardingState(ctx context.Context, userID string) (*onboarding.State, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	raw, ok := v.states[userID]
	if !ok {
		return nil, nil
	}
	var s onboarding.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (v *voiceStore) SaveOnboardingState(ctx context.Context, state *onboarding.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.states[state.UserID] = raw
	return nil
}

func (v *voiceStore) UserProfile(ctx context.Context, userID string) (*onboarding.Profile, error) {
	return &onboarding.Profile{}, nil
}

func (v *voiceStore) UpsertFitnessProfile(ctx context.Context, userID, level string, limitations []string) error {
	return nil
}

func (v *voiceStore) UpsertFitnessGoal(ctx context.Context, userID, goalType, target, timeframe string) error {
	return nil
}

func (v *voiceStore) UpsertWorkoutSchedule(ctx context.Context, userID string, dayOfWeek int, timeOfDay string) error {
	return nil
}

func (v *voiceStore) UpsertMealSchedule(ctx context.Context, userID, mealName, timeOfDay string) error {
	if v.mealGate != nil {
		<-v.mealGate
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.mealCalls++
	return v.mealErr
}

func (v *voiceStore) mealCallCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mealCalls
}

func (v *voiceStore) ListSchedule(ctx context.Context, userID string) ([]core.ScheduleEntry, error) {
	return nil, nil
}

func (v *voiceStore) UpdateReminderPreferences(ctx context.Context, userID string, enabled bool, cronSpec string) error {
	return nil
}

func (v *voiceStore) LogWorkoutSet(ctx context.Context, userID, exercise string, reps int, weightKg float64, ts time.Time) error {
	return nil
}

func (v *voiceStore) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (v *voiceStore) CommitWorkoutPlan(ctx context.Context, userID string, plan core.WorkoutPlan) (string, error) {
	return "wp-1", nil
}

func (v *voiceStore) CommitMealPlan(ctx context.Context, userID string, plan core.MealPlan) (string, error) {
	return "mp-1", nil
}

func newTestBridge(st *voiceStore) (*Bridge, *core.MockProvider) {
	provider := core.NewMockProvider()
	orch := onboarding.NewOrchestrator(st, provider, nil, onboarding.NewMemoryLocker(), onboarding.Options{})
	return NewBridge(orch, provider, st, config.VoiceConfig{}), provider
}

// startWarmSession opens a session and waits for warm-up to finish so
// scripted provider replies are not consumed by the warm-up ping.
func startWarmSession(t *testing.T, b *Bridge, userID string) *Session {
	t.Helper()
	sess, err := b.StartSession(context.Background(), userID, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !sess.AgentConnected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !sess.AgentConnected() {
		t.Fatal("warmup did not finish")
	}
	return sess
}

func TestStartSessionLocksProfile(t *testing.T) {
	st := newVoiceStore()
	b, _ := newTestBridge(st)

	sess, err := b.StartSession(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !strings.HasPrefix(sess.Room, "coach-") {
		t.Errorf("room = %q", sess.Room)
	}
	if sess.AgentType != core.AgentFitnessAssessment {
		t.Errorf("agent type = %q", sess.AgentType)
	}
	if !st.locked["u1"] {
		t.Error("profile not locked for session")
	}
	if _, ok := b.Lookup(sess.Room); !ok {
		t.Error("session not registered")
	}
}

func TestHandleUtteranceRunsTurnAndQueuesLogs(t *testing.T) {
	st := newVoiceStore()
	b, _ := newTestBridge(st)

	sess, err := b.StartSession(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	resp, err := b.HandleUtterance(context.Background(), sess.Room, "I want to get stronger")
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if resp.Content == "" || resp.AgentType != core.AgentFitnessAssessment {
		t.Fatalf("resp = %+v", resp)
	}

	// Logging is async; wait for the persist loop to catch up.
	deadline := time.Now().Add(2 * time.Second)
	for st.chatLen() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if st.chatLen() < 2 {
		t.Fatalf("chat log = %d entries", st.chatLen())
	}
}

func TestHandleUtteranceUnknownRoom(t *testing.T) {
	b, _ := newTestBridge(newVoiceStore())
	_, err := b.HandleUtterance(context.Background(), "coach-missing", "hello")
	coded, ok := err.(*core.CodedError)
	if !ok || coded.Code != core.CodeNotFound {
		t.Fatalf("err = %v", err)
	}
}

func TestEndSessionDrainsAndUnlocks(t *testing.T) {
	st := newVoiceStore()
	b, _ := newTestBridge(st)

	sess, err := b.StartSession(context.Background(), "u1", "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := b.HandleUtterance(context.Background(), sess.Room, "quick question"); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	warnings, err := b.EndSession(context.Background(), sess.Room)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(warnings) != 0 {
		t.Errorf("warnings = %v", warnings)
	}
	if st.locked["u1"] {
		t.Error("profile still locked after session end")
	}
	if st.chatLen() != 2 {
		t.Errorf("voice turn logged %d rows, want exactly 2", st.chatLen())
	}
	if _, ok := b.Lookup(sess.Room); ok {
		t.Error("session still registered")
	}

	if _, err := b.EndSession(context.Background(), sess.Room); err == nil {
		t.Error("second EndSession should fail")
	}
}

func TestUtteranceAcksBeforeSlowWrites(t *testing.T) {
	st := newVoiceStore()
	st.mealGate = make(chan struct{})
	b, provider := newTestBridge(st)
	sess := startWarmSession(t, b, "u1")

	provider.EnqueueToolCall("c1", "reschedule_workout", map[string]interface{}{
		"time_of_day": "08:00", "meal": "breakfast",
	})
	provider.EnqueueText("Breakfast at eight, got it.")

	// Fast-forward the user to the scheduling step so the tool is in play.
	state := onboarding.NewState("u1", time.Now())
	for s := 1; s <= 4; s++ {
		state.Steps[s] = true
	}
	state.CurrentStep = 5
	state.CurrentAgent = onboarding.AgentForStep(5, false)
	if err := st.SaveOnboardingState(context.Background(), state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	done := make(chan struct{})
	var resp *core.Response
	var err error
	go func() {
		defer close(done)
		resp, err = b.HandleUtterance(context.Background(), sess.Room, "breakfast at 8")
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("utterance waited on the schedule write instead of acknowledging")
	}
	if err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}
	if resp.Content == "" {
		t.Fatalf("resp = %+v", resp)
	}

	close(st.mealGate)
	if _, err := b.EndSession(context.Background(), sess.Room); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if st.mealCallCount() != 1 {
		t.Errorf("background write ran %d times, want 1", st.mealCallCount())
	}
}

func TestBackgroundFailureBecomesSessionWarning(t *testing.T) {
	st := newVoiceStore()
	st.mealErr = errors.New("db down")
	b, provider := newTestBridge(st)
	sess := startWarmSession(t, b, "u1")

	provider.EnqueueToolCall("c1", "reschedule_workout", map[string]interface{}{
		"time_of_day": "12:30", "meal": "lunch",
	})
	provider.EnqueueText("Lunch at half past twelve.")

	state := onboarding.NewState("u1", time.Now())
	for s := 1; s <= 4; s++ {
		state.Steps[s] = true
	}
	state.CurrentStep = 5
	state.CurrentAgent = onboarding.AgentForStep(5, false)
	if err := st.SaveOnboardingState(context.Background(), state); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if _, err := b.HandleUtterance(context.Background(), sess.Room, "lunch at 12:30"); err != nil {
		t.Fatalf("HandleUtterance: %v", err)
	}

	warnings, err := b.EndSession(context.Background(), sess.Room)
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(warnings) == 0 || !strings.Contains(warnings[0], "meal schedule save failed") {
		t.Errorf("warnings = %v", warnings)
	}
}
