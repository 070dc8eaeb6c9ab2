package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/fitforge/coach/internal/agent/telemetry"
)

// SupplementDisclaimer is the fragment every supplement-guide response must
// contain.
const SupplementDisclaimer = "This is general information, not medical advice. Please consult a healthcare professional before starting any supplement."

// requiredMealSlots is how many named meal slots the scheduling step needs
// before it counts as complete.
const requiredMealSlots = 3

// ScheduleEntry is one persisted workout or meal slot.
type ScheduleEntry struct {
	Kind      string `json:"kind"` // workout or meal
	Name      string `json:"name,omitempty"`
	DayOfWeek int    `json:"day_of_week,omitempty"`
	TimeOfDay string `json:"time_of_day"`
}

// AgentStore is the slice of the persistence layer the agents' tools use.
// *store.Store satisfies it.
type AgentStore interface {
	PlanCommitter

	UpsertFitnessProfile(ctx context.Context, userID, level string, limitations []string) error
	UpsertFitnessGoal(ctx context.Context, userID, goalType, target, timeframe string) error
	UpsertWorkoutSchedule(ctx context.Context, userID string, dayOfWeek int, timeOfDay string) error
	UpsertMealSchedule(ctx context.Context, userID, mealName, timeOfDay string) error
	ListSchedule(ctx context.Context, userID string) ([]ScheduleEntry, error)
	UpdateReminderPreferences(ctx context.Context, userID string, enabled bool, cronSpec string) error
	LogWorkoutSet(ctx context.Context, userID, exercise string, reps int, weightKg float64, ts time.Time) error
	UserStats(ctx context.Context, userID string) (map[string]interface{}, error)
}

// Deps bundles the shared collaborators agent constructors need.
type Deps struct {
	Provider  LLMProvider
	Store     AgentStore
	Telemetry *telemetry.Telemetry
	Logger    *log.Logger
}

// New builds the agent of the given type for one turn, binding the turn's
// context and artifact sink into its tools.
func New(t AgentType, deps Deps, actx *Context, sink *Sink) (*Agent, error) {
	base := &Agent{
		Type:      t,
		Context:   actx,
		Sink:      sink,
		Provider:  deps.Provider,
		Telemetry: deps.Telemetry,
		Logger:    log.New(log.Writer(), "[AGENT:"+string(t)+"] ", log.LstdFlags),
	}
	if deps.Logger != nil {
		base.Logger = deps.Logger
	}
	switch t {
	case AgentFitnessAssessment:
		buildFitnessAssessment(base, deps)
	case AgentGoalSetting:
		buildGoalSetting(base, deps)
	case AgentWorkoutPlanning:
		buildWorkoutPlanning(base, deps)
	case AgentDietPlanning:
		buildDietPlanning(base, deps)
	case AgentScheduling:
		buildScheduling(base, deps)
	case AgentSupplementGuide:
		buildSupplementGuide(base, deps)
	case AgentTracker:
		buildTracker(base, deps)
	case AgentGeneralAssistant:
		buildGeneralAssistant(base, deps)
	default:
		return nil, fmt.Errorf("unknown agent type: %s", t)
	}
	return base, nil
}

func buildFitnessAssessment(a *Agent, deps Deps) {
	a.Preamble = `You are a fitness assessment coach. Your job is to learn the user's
current fitness level (beginner, intermediate, or advanced), their recent
training habits, and any physical limitations or past injuries.
Ask at most one question at a time. Once you know the level and limitations,
call save_fitness_assessment. Do not give medical advice; if the user asks a
medical question, suggest they talk to a doctor and steer back to training.`
	a.tools = []Tool{{
		Name:        "save_fitness_assessment",
		Description: "Persist the user's assessed fitness level and physical limitations.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"level":       map[string]interface{}{"type": "string", "description": "beginner, intermediate or advanced"},
				"limitations": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
			"required": []string{"level"},
		},
		Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
			level := strings.ToLower(stringArg(args, "level"))
			switch level {
			case "beginner", "intermediate", "advanced":
			default:
				return ToolError(CodeValidationError, "level must be beginner, intermediate or advanced")
			}
			limitations := stringSliceArg(args, "limitations")
			if err := deps.Store.UpsertFitnessProfile(ctx, a.Context.UserID, level, limitations); err != nil {
				return ToolError(CodeSaveFailed, err.Error())
			}
			a.Sink.Put("assessment", map[string]interface{}{
				"level":       level,
				"limitations": limitations,
			})
			return ToolOK(map[string]interface{}{"level": level, "limitations": limitations})
		},
	}}
	a.isCompleteFn = outputHasKey(AgentFitnessAssessment, "assessment")
}

func buildGoalSetting(a *Agent, deps Deps) {
	a.Preamble = `You are a goal-setting coach. The user's fitness level and limitations
were captured earlier and appear in the context. Help the user pick one
primary goal (for example weight_loss, muscle_gain, endurance, or
general_fitness), a concrete target, and a realistic timeframe, then call
save_fitness_goals. Keep goals compatible with the user's limitations.`
	a.tools = []Tool{{
		Name:        "save_fitness_goals",
		Description: "Persist the user's primary goal with its target and timeframe.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"goal_type": map[string]interface{}{"type": "string"},
				"target":    map[string]interface{}{"type": "string"},
				"timeframe": map[string]interface{}{"type": "string"},
			},
			"required": []string{"goal_type", "target", "timeframe"},
		},
		Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
			goalType := stringArg(args, "goal_type")
			target := stringArg(args, "target")
			timeframe := stringArg(args, "timeframe")
			if goalType == "" || target == "" || timeframe == "" {
				return ToolError(CodeValidationError, "goal_type, target and timeframe must be non-empty")
			}
			if err := deps.Store.UpsertFitnessGoal(ctx, a.Context.UserID, goalType, target, timeframe); err != nil {
				return ToolError(CodeSaveFailed, err.Error())
			}
			a.Sink.Put("goal", map[string]interface{}{
				"goal_type": goalType,
				"target":    target,
				"timeframe": timeframe,
			})
			return ToolOK(map[string]interface{}{"goal_type": goalType, "target": target, "timeframe": timeframe})
		},
	}}
	a.isCompleteFn = outputHasKey(AgentGoalSetting, "goal")
}

func buildWorkoutPlanning(a *Agent, deps Deps) {
	engine := NewProposalEngine(ProposalWorkout, a.Context.UserID,
		a.Context.Upstream[AgentWorkoutPlanning], a.Sink, deps.Store, deps.Provider, a.Logger)
	a.Preamble = `You are a workout planning coach. Build a weekly workout plan that fits
the user's fitness level, goal and limitations from the context.
Workflow: call generate_workout_plan first and present the result. When the
user asks for changes, call modify_workout_plan with their request. Only call
save_workout_plan with user_approved=true after the user has explicitly
approved the plan in their own words. Never approve on the user's behalf.`
	a.tools = []Tool{
		{
			Name:        "generate_workout_plan",
			Description: "Generate a complete weekly workout plan from the user's context and stated preferences.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"preferences": map[string]interface{}{"type": "string", "description": "free-form training preferences, e.g. days per week, equipment"},
				},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				plan, err := a.generateWorkoutPlan(ctx, stringArg(args, "preferences"))
				if err != nil {
					return codedToolError(err)
				}
				prop, err := engine.Generate(plan)
				if err != nil {
					return codedToolError(err)
				}
				return ToolOK(map[string]interface{}{
					"revision": prop.Revision,
					"summary":  summarizeWorkoutPlan(plan),
				})
			},
		},
		{
			Name:        "modify_workout_plan",
			Description: "Apply a natural-language change request to the proposed workout plan.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"change_request": map[string]interface{}{"type": "string"},
				},
				"required": []string{"change_request"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				prop, err := engine.Modify(ctx, stringArg(args, "change_request"))
				if err != nil {
					return codedToolError(err)
				}
				var plan WorkoutPlan
				_ = json.Unmarshal(prop.Body, &plan)
				return ToolOK(map[string]interface{}{
					"revision": prop.Revision,
					"summary":  summarizeWorkoutPlan(&plan),
				})
			},
		},
		{
			Name:        "save_workout_plan",
			Description: "Commit the proposed workout plan once the user has approved it.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"user_approved": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"user_approved"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				approved, _ := args["user_approved"].(bool)
				planID, err := engine.Save(ctx, approved, approvalInContext(ctx))
				if err != nil {
					return codedToolError(err)
				}
				return ToolOK(map[string]interface{}{"plan_id": planID, "committed": true})
			},
		},
	}
	a.isCompleteFn = outputCommitted(AgentWorkoutPlanning)
}

func (a *Agent) generateWorkoutPlan(ctx context.Context, preferences string) (*WorkoutPlan, error) {
	prompt := fmt.Sprintf(`Create a weekly workout plan.
%s
PREFERENCES: %s
Return ONLY strict JSON:
{"name": string, "days": [ {"day_of_week": 0..6, "focus": string, "exercises": [ {"name": string, "sets": int, "reps": int, "weight_kg": number, "rest_seconds": int} ]} ]}
Respect the user's limitations. Beginners get 3 days, intermediate 4, advanced 5.`,
		a.Context.Summary(), preferences)
	comp, err := a.Provider.Complete(ctx, CompletionRequest{
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, &CodedError{Code: CodeLLMError, Msg: err.Error()}
	}
	var plan WorkoutPlan
	if err := json.Unmarshal([]byte(extractFirstJSON(comp.Message.Content)), &plan); err != nil {
		return nil, &CodedError{Code: CodeLLMError, Msg: "generated plan was not valid JSON"}
	}
	if len(plan.Days) == 0 {
		return nil, &CodedError{Code: CodeLLMError, Msg: "generated plan has no training days"}
	}
	return &plan, nil
}

func summarizeWorkoutPlan(plan *WorkoutPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d training days.", plan.Name, len(plan.Days))
	for _, d := range plan.Days {
		fmt.Fprintf(&b, " Day %d (%s): %d exercises.", d.DayOfWeek, d.Focus, len(d.Exercises))
	}
	return b.String()
}

func buildDietPlanning(a *Agent, deps Deps) {
	engine := NewProposalEngine(ProposalDiet, a.Context.UserID,
		a.Context.Upstream[AgentDietPlanning], a.Sink, deps.Store, deps.Provider, a.Logger)
	a.Preamble = `You are a nutrition planning coach. Build a weekly meal plan that honors
the user's dietary preferences and allergies from the context, and align the
caloric target with the committed workout plan's training volume.
Workflow: generate_meal_plan first, modify_meal_plan on change requests, and
save_meal_plan with user_approved=true only after the user explicitly
approved it. Never include dishes that contain the user's allergens.`
	a.tools = []Tool{
		{
			Name:        "generate_meal_plan",
			Description: "Generate a complete weekly meal plan from the user's context and preferences.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"preferences": map[string]interface{}{"type": "string"},
				},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				plan, err := a.generateMealPlan(ctx, stringArg(args, "preferences"))
				if err != nil {
					return codedToolError(err)
				}
				prop, err := engine.Generate(plan)
				if err != nil {
					return codedToolError(err)
				}
				return ToolOK(map[string]interface{}{
					"revision": prop.Revision,
					"summary":  summarizeMealPlan(plan),
				})
			},
		},
		{
			Name:        "modify_meal_plan",
			Description: "Apply a natural-language change request to the proposed meal plan.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"change_request": map[string]interface{}{"type": "string"},
				},
				"required": []string{"change_request"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				prop, err := engine.Modify(ctx, stringArg(args, "change_request"))
				if err != nil {
					return codedToolError(err)
				}
				var plan MealPlan
				_ = json.Unmarshal(prop.Body, &plan)
				return ToolOK(map[string]interface{}{
					"revision": prop.Revision,
					"summary":  summarizeMealPlan(&plan),
				})
			},
		},
		{
			Name:        "save_meal_plan",
			Description: "Commit the proposed meal plan once the user has approved it.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"user_approved": map[string]interface{}{"type": "boolean"},
				},
				"required": []string{"user_approved"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				approved, _ := args["user_approved"].(bool)
				planID, err := engine.Save(ctx, approved, approvalInContext(ctx))
				if err != nil {
					return codedToolError(err)
				}
				return ToolOK(map[string]interface{}{"plan_id": planID, "committed": true})
			},
		},
	}
	a.isCompleteFn = outputCommitted(AgentDietPlanning)
}

func (a *Agent) generateMealPlan(ctx context.Context, preferences string) (*MealPlan, error) {
	workout := "no committed workout plan"
	if raw, ok := a.Context.Upstream[AgentWorkoutPlanning]; ok && len(raw) > 0 {
		workout = string(raw)
	}
	prompt := fmt.Sprintf(`Create a weekly meal plan.
%s
COMMITTED WORKOUT CONTEXT: %s
PREFERENCES: %s
Return ONLY strict JSON:
{"name": string, "daily_calories": int, "days": [ {"day_of_week": 0..6, "meals": [ {"slot": "breakfast|lunch|dinner|snack", "dish": string, "calories": int, "alternatives": [string]} ]} ]}
Strictly exclude all listed allergens. At most 5 alternatives per meal.`,
		a.Context.Summary(), workout, preferences)
	comp, err := a.Provider.Complete(ctx, CompletionRequest{
		Messages:    []ChatMessage{{Role: "user", Content: prompt}},
		Temperature: 0.3,
	})
	if err != nil {
		return nil, &CodedError{Code: CodeLLMError, Msg: err.Error()}
	}
	var plan MealPlan
	if err := json.Unmarshal([]byte(extractFirstJSON(comp.Message.Content)), &plan); err != nil {
		return nil, &CodedError{Code: CodeLLMError, Msg: "generated plan was not valid JSON"}
	}
	if len(plan.Days) == 0 {
		return nil, &CodedError{Code: CodeLLMError, Msg: "generated plan has no days"}
	}
	return &plan, nil
}

func summarizeMealPlan(plan *MealPlan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d days, about %d kcal/day.", plan.Name, len(plan.Days), plan.DailyCalories)
	return b.String()
}

func buildScheduling(a *Agent, deps Deps) {
	a.Preamble = `You are a scheduling coach. Help the user place their committed workout
days into weekly time slots and set times for their named meals (breakfast,
lunch, dinner). Use get_upcoming_schedule to see what is already set,
reschedule_workout to place or move a workout slot, and
update_reminder_preferences for reminders. A complete schedule has at least
one workout slot and times for the three main meals.`
	a.tools = []Tool{
		{
			Name:        "get_upcoming_schedule",
			Description: "List the user's persisted workout and meal slots.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				entries, err := deps.Store.ListSchedule(ctx, a.Context.UserID)
				if err != nil {
					return ToolError(CodeInternal, err.Error())
				}
				return ToolOK(map[string]interface{}{"entries": entries})
			},
		},
		{
			Name:        "reschedule_workout",
			Description: "Place or move a workout slot on a weekday. Also used to set a named meal time via the meal argument.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"day_of_week": map[string]interface{}{"type": "integer", "description": "0=Sunday .. 6=Saturday"},
					"time_of_day": map[string]interface{}{"type": "string", "description": "HH:MM, 24h"},
					"meal":        map[string]interface{}{"type": "string", "description": "set a meal slot instead: breakfast, lunch or dinner"},
				},
				"required": []string{"time_of_day"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				timeOfDay := stringArg(args, "time_of_day")
				if _, err := time.Parse("15:04", timeOfDay); err != nil {
					return ToolError(CodeValidationError, "time_of_day must be HH:MM")
				}
				if meal := stringArg(args, "meal"); meal != "" {
					if err := deps.Store.UpsertMealSchedule(ctx, a.Context.UserID, meal, timeOfDay); err != nil {
						return ToolError(CodeSaveFailed, err.Error())
					}
					a.recordSlot("meal_slots", meal)
					return ToolOK(map[string]interface{}{"meal": meal, "time_of_day": timeOfDay})
				}
				day := intArg(args, "day_of_week", -1)
				if day < 0 || day > 6 {
					return ToolError(CodeValidationError, "day_of_week must be 0..6")
				}
				if err := deps.Store.UpsertWorkoutSchedule(ctx, a.Context.UserID, day, timeOfDay); err != nil {
					return ToolError(CodeSaveFailed, err.Error())
				}
				a.recordSlot("workout_slots", fmt.Sprintf("%d", day))
				return ToolOK(map[string]interface{}{"day_of_week": day, "time_of_day": timeOfDay})
			},
		},
		{
			Name:        "update_reminder_preferences",
			Description: "Enable or disable reminders with a cron schedule.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"enabled":   map[string]interface{}{"type": "boolean"},
					"cron_spec": map[string]interface{}{"type": "string", "description": "5-field cron expression, or @daily/@hourly"},
				},
				"required": []string{"enabled"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				enabled, _ := args["enabled"].(bool)
				spec := stringArg(args, "cron_spec")
				var next []string
				if enabled {
					if spec == "" {
						spec = "@daily"
					}
					expr, err := cronexpr.Parse(spec)
					if err != nil {
						return ToolError(CodeValidationError, "invalid cron_spec: "+err.Error())
					}
					for _, t := range expr.NextN(time.Now(), 3) {
						next = append(next, t.Format(time.RFC3339))
					}
				}
				if err := deps.Store.UpdateReminderPreferences(ctx, a.Context.UserID, enabled, spec); err != nil {
					return ToolError(CodeSaveFailed, err.Error())
				}
				return ToolOK(map[string]interface{}{"enabled": enabled, "cron_spec": spec, "next_occurrences": next})
			},
		},
	}
	a.isCompleteFn = func(ctx context.Context, state StateReader) bool {
		raw := state.AgentOutput(AgentScheduling)
		if len(raw) == 0 {
			return false
		}
		var out struct {
			WorkoutSlots map[string]bool `json:"workout_slots"`
			MealSlots    map[string]bool `json:"meal_slots"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return false
		}
		return len(out.WorkoutSlots) >= 1 && len(out.MealSlots) >= requiredMealSlots
	}
}

// recordSlot tracks the set of distinct persisted slots in the artifact sink
// so the completion predicate can stay a pure read of agent_context. Setting
// the same slot twice is one slot.
func (a *Agent) recordSlot(key, slot string) {
	slots := map[string]bool{}
	if raw, ok := a.Context.Upstream[a.Type]; ok && len(raw) > 0 {
		var out map[string]json.RawMessage
		if json.Unmarshal(raw, &out) == nil && len(out[key]) > 0 {
			var prior map[string]bool
			if json.Unmarshal(out[key], &prior) == nil {
				for k := range prior {
					slots[k] = true
				}
			}
		}
	}
	if prior, ok := a.Sink.data[key].(map[string]bool); ok {
		for k := range prior {
			slots[k] = true
		}
	}
	slots[slot] = true
	a.Sink.Put(key, slots)
}

func buildSupplementGuide(a *Agent, deps Deps) {
	a.Preamble = `You are a supplement information guide. You provide general, educational
information about common fitness supplements and their documented
interactions. You never prescribe dosages, never diagnose, and never give
medical advice. Every response must end with the exact sentence:
"` + SupplementDisclaimer + `"`
	// One orientation turn is enough for this step.
	a.Sink.Put("oriented", true)
	a.isCompleteFn = outputHasKey(AgentSupplementGuide, "oriented")
	a.tools = []Tool{
		{
			Name:        "get_supplement_info",
			Description: "Look up general information about a supplement.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name": map[string]interface{}{"type": "string"},
				},
				"required": []string{"name"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				name := strings.ToLower(stringArg(args, "name"))
				info, ok := supplementReference[name]
				if !ok {
					return ToolError(CodeNotFound, fmt.Sprintf("no reference entry for %q", name))
				}
				return ToolOK(map[string]interface{}{"name": name, "info": info})
			},
		},
		{
			Name:        "check_supplement_interactions",
			Description: "Check a list of supplements for documented interactions.",
			Parameters: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"supplements": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				},
				"required": []string{"supplements"},
			},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				names := stringSliceArg(args, "supplements")
				if len(names) < 2 {
					return ToolError(CodeValidationError, "provide at least two supplements to check interactions")
				}
				var hits []string
				for i := 0; i < len(names); i++ {
					for j := i + 1; j < len(names); j++ {
						key := interactionKey(names[i], names[j])
						if note, ok := supplementInteractions[key]; ok {
							hits = append(hits, note)
						}
					}
				}
				return ToolOK(map[string]interface{}{"interactions": hits, "checked": names})
			},
		},
	}
}

func buildTracker(a *Agent, deps Deps) {
	a.Preamble = `You are a workout tracking assistant. When the user reports a completed
set, log it with log_workout_set right away and confirm briefly. Infer the
exercise name, rep count and weight from the message; ask only if something
essential is missing.`
	a.tools = []Tool{{
		Name:        "log_workout_set",
		Description: "Record one completed workout set.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"exercise":  map[string]interface{}{"type": "string"},
				"reps":      map[string]interface{}{"type": "integer"},
				"weight_kg": map[string]interface{}{"type": "number"},
				"ts":        map[string]interface{}{"type": "string", "description": "RFC3339 timestamp, defaults to now"},
			},
			"required": []string{"exercise", "reps"},
		},
		Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
			exercise := stringArg(args, "exercise")
			reps := intArg(args, "reps", 0)
			if exercise == "" || reps <= 0 {
				return ToolError(CodeValidationError, "exercise and a positive rep count are required")
			}
			weight := floatArg(args, "weight_kg")
			ts := time.Now().UTC()
			if raw := stringArg(args, "ts"); raw != "" {
				parsed, err := time.Parse(time.RFC3339, raw)
				if err != nil {
					return ToolError(CodeValidationError, "ts must be RFC3339")
				}
				ts = parsed.UTC()
			}
			if err := deps.Store.LogWorkoutSet(ctx, a.Context.UserID, exercise, reps, weight, ts); err != nil {
				return ToolError(CodeSaveFailed, err.Error())
			}
			return ToolOK(map[string]interface{}{"exercise": exercise, "reps": reps, "weight_kg": weight, "ts": ts.Format(time.RFC3339)})
		},
	}}
}

func buildGeneralAssistant(a *Agent, deps Deps) {
	a.Preamble = `You are a friendly general fitness assistant. Answer questions, look up
the user's stats when relevant, and keep the tone warm and encouraging. You
never advance onboarding; other agents handle that.`
	a.tools = []Tool{
		{
			Name:        "get_user_stats",
			Description: "Fetch the user's aggregate workout statistics.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				stats, err := deps.Store.UserStats(ctx, a.Context.UserID)
				if err != nil {
					return ToolError(CodeInternal, err.Error())
				}
				return ToolOK(stats)
			},
		},
		{
			Name:        "provide_motivation",
			Description: "Fetch a short motivational message grounded in the user's recent activity.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
			Run: func(ctx context.Context, args map[string]interface{}) ToolResult {
				stats, err := deps.Store.UserStats(ctx, a.Context.UserID)
				if err != nil {
					return ToolError(CodeInternal, err.Error())
				}
				return ToolOK(map[string]interface{}{
					"stats":   stats,
					"message": "Every session counts. Consistency beats intensity.",
				})
			},
		},
	}
}

// Completion predicate helpers.

func outputHasKey(agent AgentType, key string) func(context.Context, StateReader) bool {
	return func(_ context.Context, state StateReader) bool {
		raw := state.AgentOutput(agent)
		if len(raw) == 0 {
			return false
		}
		var out map[string]json.RawMessage
		if err := json.Unmarshal(raw, &out); err != nil {
			return false
		}
		v, ok := out[key]
		return ok && len(v) > 0 && string(v) != "null"
	}
}

func outputCommitted(agent AgentType) func(context.Context, StateReader) bool {
	return func(_ context.Context, state StateReader) bool {
		raw := state.AgentOutput(agent)
		if len(raw) == 0 {
			return false
		}
		var out struct {
			Committed bool `json:"committed"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return false
		}
		return out.Committed
	}
}

// Argument coercion helpers for tool closures.

func stringArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return strings.TrimSpace(v)
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	out := []string{}
	switch v := args[key].(type) {
	case []string:
		out = append(out, v...)
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func intArg(args map[string]interface{}, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func floatArg(args map[string]interface{}, key string) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	}
	return 0
}

func interactionKey(a, b string) string {
	a, b = strings.ToLower(strings.TrimSpace(a)), strings.ToLower(strings.TrimSpace(b))
	if a > b {
		a, b = b, a
	}
	return a + "+" + b
}

// A small built-in reference; informational only.
var supplementReference = map[string]string{
	"creatine":     "Creatine monohydrate is among the most studied supplements; it supports short, high-intensity efforts and is typically taken daily.",
	"whey":         "Whey protein is a fast-digesting dairy protein commonly used to help meet daily protein targets.",
	"caffeine":     "Caffeine is a stimulant that can improve perceived energy and performance; sensitivity varies widely.",
	"omega-3":      "Omega-3 fatty acids (EPA/DHA) are associated with general cardiovascular and joint health.",
	"vitamin d":    "Vitamin D supports bone health and is commonly low in people with little sun exposure.",
	"magnesium":    "Magnesium contributes to muscle function; deficiency is more common with heavy training loads.",
	"beta-alanine": "Beta-alanine may buffer muscular acidity during repeated high-intensity efforts; tingling is a known harmless side effect.",
}

var supplementInteractions = map[string]string{
	"caffeine+creatine":  "Caffeine and creatine are commonly combined; evidence of interference is weak but hydration matters with both.",
	"caffeine+magnesium": "High caffeine intake can increase magnesium excretion.",
}
