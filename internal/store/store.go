package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/lib/pq"

	"github.com/fitforge/coach/internal/agent/core"
	"github.com/fitforge/coach/internal/onboarding"
)

// Store wraps the Postgres connection. All queries are raw SQL; schema
// lives in migrations/.
type Store struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash) VALUES ($1,$2) RETURNING id`, email, hash).Scan(&id)
	return id, err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email=$1 AND deleted_at IS NULL`, email).Scan(&id, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		err = ErrNotFound
	}
	return
}

func (s *Store) GetUserEmail(ctx context.Context, id string) (string, error) {
	var email string
	err := s.DB.QueryRowContext(ctx,
		`SELECT email FROM users WHERE id=$1 AND deleted_at IS NULL`, id).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return email, err
}

// Profile and preference operations

func (s *Store) UserProfile(ctx context.Context, userID string) (*onboarding.Profile, error) {
	p := &onboarding.Profile{}
	var displayName, level, goal, energy sql.NullString
	var limitations, dietary, allergies pq.StringArray
	err := s.DB.QueryRowContext(ctx, `
        SELECT display_name, fitness_level, primary_goal, energy_level,
               limitations, dietary_preferences, allergies, locked
          FROM user_profiles WHERE user_id=$1 AND deleted_at IS NULL`, userID).
		Scan(&displayName, &level, &goal, &energy,
			&limitations, &dietary, &allergies, &p.Locked)
	if errors.Is(err, sql.ErrNoRows) {
		// Onboarding starts before a profile exists.
		return &onboarding.Profile{}, nil
	}
	if err != nil {
		return nil, err
	}
	p.DisplayName = displayName.String
	p.FitnessLevel = level.String
	p.PrimaryGoal = goal.String
	p.EnergyLevel = energy.String
	p.Limitations = limitations
	p.DietaryPreferences = dietary
	p.Allergies = allergies
	return p, nil
}

func (s *Store) UpsertProfile(ctx context.Context, userID string, p *onboarding.Profile) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO user_profiles (user_id, display_name, fitness_level, primary_goal, energy_level,
                                   limitations, dietary_preferences, allergies)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (user_id) DO UPDATE SET
            display_name=EXCLUDED.display_name,
            fitness_level=EXCLUDED.fitness_level,
            primary_goal=EXCLUDED.primary_goal,
            energy_level=EXCLUDED.energy_level,
            limitations=EXCLUDED.limitations,
            dietary_preferences=EXCLUDED.dietary_preferences,
            allergies=EXCLUDED.allergies,
            updated_at=now()`,
		userID, p.DisplayName, p.FitnessLevel, p.PrimaryGoal, p.EnergyLevel,
		pq.Array(p.Limitations), pq.Array(p.DietaryPreferences), pq.Array(p.Allergies))
	return err
}

func (s *Store) ProfileLocked(ctx context.Context, userID string) (bool, error) {
	var locked bool
	err := s.DB.QueryRowContext(ctx,
		`SELECT locked FROM user_profiles WHERE user_id=$1 AND deleted_at IS NULL`, userID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return locked, err
}

func (s *Store) SetProfileLocked(ctx context.Context, userID string, locked bool) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE user_profiles SET locked=$2, updated_at=now() WHERE user_id=$1`, userID, locked)
	return err
}

func (s *Store) UpsertFitnessProfile(ctx context.Context, userID, level string, limitations []string) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO user_profiles (user_id, fitness_level, limitations)
        VALUES ($1,$2,$3)
        ON CONFLICT (user_id) DO UPDATE SET
            fitness_level=EXCLUDED.fitness_level,
            limitations=EXCLUDED.limitations,
            updated_at=now()`,
		userID, level, pq.Array(limitations))
	return err
}

func (s *Store) UpsertFitnessGoal(ctx context.Context, userID, goalType, target, timeframe string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO fitness_goals (user_id, goal_type, target, timeframe)
        VALUES ($1,$2,$3,$4)
        ON CONFLICT (user_id) DO UPDATE SET
            goal_type=EXCLUDED.goal_type,
            target=EXCLUDED.target,
            timeframe=EXCLUDED.timeframe,
            updated_at=now()`,
		userID, goalType, target, timeframe); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
        INSERT INTO user_profiles (user_id, primary_goal) VALUES ($1,$2)
        ON CONFLICT (user_id) DO UPDATE SET primary_goal=EXCLUDED.primary_goal, updated_at=now()`,
		userID, goalType); err != nil {
		return err
	}
	return tx.Commit()
}

// Onboarding state operations. The whole state machine round-trips through
// one JSONB column so a turn's mutations commit in a single row write.

func (s *Store) LoadOnboardingState(ctx context.Context, userID string) (*onboarding.State, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx,
		`SELECT state FROM onboarding_states WHERE user_id=$1 AND deleted_at IS NULL`, userID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state onboarding.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decoding onboarding state: %w", err)
	}
	return &state, nil
}

func (s *Store) SaveOnboardingState(ctx context.Context, state *onboarding.State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
        INSERT INTO onboarding_states (user_id, current_step, is_complete, current_agent, state)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id) DO UPDATE SET
            current_step=EXCLUDED.current_step,
            is_complete=EXCLUDED.is_complete,
            current_agent=EXCLUDED.current_agent,
            state=EXCLUDED.state,
            updated_at=now()`,
		state.UserID, state.CurrentStep, state.IsComplete, string(state.CurrentAgent), raw)
	return err
}

// Plan commits. Prior active plans are soft-deleted in the same
// transaction, so each user has at most one active plan per kind.

func (s *Store) CommitWorkoutPlan(ctx context.Context, userID string, plan core.WorkoutPlan) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE workout_plans SET deleted_at=now() WHERE user_id=$1 AND deleted_at IS NULL`, userID); err != nil {
		return "", err
	}
	var planID string
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO workout_plans (user_id, name) VALUES ($1,$2) RETURNING id`,
		userID, plan.Name).Scan(&planID); err != nil {
		return "", err
	}
	for _, day := range plan.Days {
		var dayID string
		if err := tx.QueryRowContext(ctx,
			`INSERT INTO workout_days (plan_id, day_of_week, focus) VALUES ($1,$2,$3) RETURNING id`,
			planID, day.DayOfWeek, day.Focus).Scan(&dayID); err != nil {
			return "", err
		}
		for _, ex := range day.Exercises {
			if _, err := tx.ExecContext(ctx, `
                INSERT INTO workout_exercises (day_id, name, sets, reps, weight_kg, rest_seconds)
                VALUES ($1,$2,$3,$4,$5,$6)`,
				dayID, ex.Name, ex.Sets, ex.Reps, ex.WeightKg, ex.RestSeconds); err != nil {
				return "", err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return planID, nil
}

func (s *Store) CommitMealPlan(ctx context.Context, userID string, plan core.MealPlan) (string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE meal_plans SET deleted_at=now() WHERE user_id=$1 AND deleted_at IS NULL`, userID); err != nil {
		return "", err
	}
	var planID string
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO meal_plans (user_id, name, daily_calories) VALUES ($1,$2,$3) RETURNING id`,
		userID, plan.Name, plan.DailyCalories).Scan(&planID); err != nil {
		return "", err
	}
	for _, day := range plan.Days {
		for _, meal := range day.Meals {
			var mealID string
			if err := tx.QueryRowContext(ctx, `
                INSERT INTO meals (plan_id, day_of_week, slot, dish, calories)
                VALUES ($1,$2,$3,$4,$5) RETURNING id`,
				planID, day.DayOfWeek, meal.Slot, meal.Dish, meal.Calories).Scan(&mealID); err != nil {
				return "", err
			}
			for i, alt := range meal.Alternatives {
				if i >= 5 {
					break
				}
				if _, err := tx.ExecContext(ctx, `
                    INSERT INTO meal_alternatives (meal_id, alternative_order, dish)
                    VALUES ($1,$2,$3)`, mealID, i+1, alt); err != nil {
					return "", err
				}
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return planID, nil
}

// Schedule operations

func (s *Store) UpsertWorkoutSchedule(ctx context.Context, userID string, dayOfWeek int, timeOfDay string) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO workout_schedules (user_id, day_of_week, time_of_day)
        VALUES ($1,$2,$3)
        ON CONFLICT (user_id, day_of_week) DO UPDATE SET
            time_of_day=EXCLUDED.time_of_day, updated_at=now()`,
		userID, dayOfWeek, timeOfDay)
	return err
}

func (s *Store) UpsertMealSchedule(ctx context.Context, userID, mealName, timeOfDay string) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO meal_schedules (user_id, meal_name, time_of_day)
        VALUES ($1,$2,$3)
        ON CONFLICT (user_id, meal_name) DO UPDATE SET
            time_of_day=EXCLUDED.time_of_day, updated_at=now()`,
		userID, mealName, timeOfDay)
	return err
}

func (s *Store) ListSchedule(ctx context.Context, userID string) ([]core.ScheduleEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
        SELECT 'workout', '', day_of_week, time_of_day FROM workout_schedules
         WHERE user_id=$1 AND deleted_at IS NULL
        UNION ALL
        SELECT 'meal', meal_name, -1, time_of_day FROM meal_schedules
         WHERE user_id=$1 AND deleted_at IS NULL
        ORDER BY 3, 4`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ScheduleEntry
	for rows.Next() {
		var e core.ScheduleEntry
		if err := rows.Scan(&e.Kind, &e.Name, &e.DayOfWeek, &e.TimeOfDay); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpdateReminderPreferences(ctx context.Context, userID string, enabled bool, cronSpec string) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO reminder_preferences (user_id, enabled, cron_spec)
        VALUES ($1,$2,$3)
        ON CONFLICT (user_id) DO UPDATE SET
            enabled=EXCLUDED.enabled, cron_spec=EXCLUDED.cron_spec, updated_at=now()`,
		userID, enabled, cronSpec)
	return err
}

// Workout logs. The unique key makes retried logs idempotent.

func (s *Store) LogWorkoutSet(ctx context.Context, userID, exercise string, reps int, weightKg float64, ts time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO workout_logs (user_id, exercise, reps, weight_kg, ts)
        VALUES ($1,$2,$3,$4,$5)
        ON CONFLICT (user_id, ts, exercise) DO UPDATE SET
            reps=EXCLUDED.reps, weight_kg=EXCLUDED.weight_kg`,
		userID, exercise, reps, weightKg, ts)
	return err
}

func (s *Store) UserStats(ctx context.Context, userID string) (map[string]interface{}, error) {
	var totalSets, exercises int
	var totalVolume float64
	var lastTS sql.NullTime
	err := s.DB.QueryRowContext(ctx, `
        SELECT COUNT(*), COUNT(DISTINCT exercise), COALESCE(SUM(reps*weight_kg),0), MAX(ts)
          FROM workout_logs WHERE user_id=$1`, userID).
		Scan(&totalSets, &exercises, &totalVolume, &lastTS)
	if err != nil {
		return nil, err
	}
	stats := map[string]interface{}{
		"total_sets":      totalSets,
		"exercises":       exercises,
		"total_volume_kg": totalVolume,
	}
	if lastTS.Valid {
		stats["last_workout"] = lastTS.Time.Format(time.RFC3339)
	}
	return stats, nil
}

// Chat log outside the onboarding state row, indexed (user_id, ts DESC).

func (s *Store) LogChatMessage(ctx context.Context, userID, role, content string, agent core.AgentType, ts time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
        INSERT INTO conversation_messages (user_id, role, content, agent_type, ts)
        VALUES ($1,$2,$3,$4,$5)`, userID, role, content, string(agent), ts)
	return err
}

func (s *Store) ChatHistory(ctx context.Context, userID string, limit int) ([]core.ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
        SELECT role, content, agent_type, ts FROM conversation_messages
         WHERE user_id=$1 ORDER BY ts DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.ConversationMessage
	for rows.Next() {
		var m core.ConversationMessage
		var agent string
		if err := rows.Scan(&m.Role, &m.Content, &agent, &m.Timestamp); err != nil {
			return nil, err
		}
		m.AgentType = core.AgentType(agent)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Oldest first for the client.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
