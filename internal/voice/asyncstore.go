package voice

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/onboarding"
)

// asyncStore is the session's view of the store. Tool writes are dispatched
// to tracked background goroutines and acknowledged immediately so a voice
// reply never waits on the database; reads and onboarding state writes stay
// synchronous. Background failures become session warnings.
type asyncStore struct {
	onboarding.Store

	bridge *Bridge
	sess   *Session
}

func (s *asyncStore) UpsertFitnessProfile(ctx context.Context, userID, level string, limitations []string) error {
	s.bridge.dispatch(s.sess, "fitness profile save", func(ctx context.Context) error {
		return s.Store.UpsertFitnessProfile(ctx, userID, level, limitations)
	})
	return nil
}

func (s *asyncStore) UpsertFitnessGoal(ctx context.Context, userID, goalType, target, timeframe string) error {
	s.bridge.dispatch(s.sess, "fitness goal save", func(ctx context.Context) error {
		return s.Store.UpsertFitnessGoal(ctx, userID, goalType, target, timeframe)
	})
	return nil
}

func (s *asyncStore) UpsertWorkoutSchedule(ctx context.Context, userID string, dayOfWeek int, timeOfDay string) error {
	s.bridge.dispatch(s.sess, "workout schedule save", func(ctx context.Context) error {
		return s.Store.UpsertWorkoutSchedule(ctx, userID, dayOfWeek, timeOfDay)
	})
	return nil
}

func (s *asyncStore) UpsertMealSchedule(ctx context.Context, userID, mealName, timeOfDay string) error {
	s.bridge.dispatch(s.sess, "meal schedule save", func(ctx context.Context) error {
		return s.Store.UpsertMealSchedule(ctx, userID, mealName, timeOfDay)
	})
	return nil
}

func (s *asyncStore) UpdateReminderPreferences(ctx context.Context, userID string, enabled bool, cronSpec string) error {
	s.bridge.dispatch(s.sess, "reminder preferences save", func(ctx context.Context) error {
		return s.Store.UpdateReminderPreferences(ctx, userID, enabled, cronSpec)
	})
	return nil
}

func (s *asyncStore) LogWorkoutSet(ctx context.Context, userID, exercise string, reps int, weightKg float64, ts time.Time) error {
	s.bridge.dispatch(s.sess, "workout log save", func(ctx context.Context) error {
		return s.Store.LogWorkoutSet(ctx, userID, exercise, reps, weightKg, ts)
	})
	return nil
}

// Plan commits are acknowledged with a provisional id; the transactional
// write runs in the background and a failure surfaces as a session warning.
func (s *asyncStore) CommitWorkoutPlan(ctx context.Context, userID string, plan core.WorkoutPlan) (string, error) {
	id := uuid.NewString()
	s.bridge.dispatch(s.sess, "workout plan commit", func(ctx context.Context) error {
		_, err := s.Store.CommitWorkoutPlan(ctx, userID, plan)
		return err
	})
	return id, nil
}

func (s *asyncStore) CommitMealPlan(ctx context.Context, userID string, plan core.MealPlan) (string, error) {
	id := uuid.NewString()
	s.bridge.dispatch(s.sess, "meal plan commit", func(ctx context.Context) error {
		_, err := s.Store.CommitMealPlan(ctx, userID, plan)
		return err
	})
	return id, nil
}
