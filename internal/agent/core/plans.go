package core

// WorkoutPlan is the weekly workout structure a planning proposal carries
// and a commit persists into the workout tables.
type WorkoutPlan struct {
	Name string       `json:"name"`
	Days []WorkoutDay `json:"days"`
}

// WorkoutDay is one training day of the weekly structure.
type WorkoutDay struct {
	DayOfWeek int               `json:"day_of_week"` // 0..6
	Focus     string            `json:"focus"`
	Exercises []WorkoutExercise `json:"exercises"`
}

// WorkoutExercise is one exercise prescription.
type WorkoutExercise struct {
	Name        string  `json:"name"`
	Sets        int     `json:"sets"`
	Reps        int     `json:"reps"`
	WeightKg    float64 `json:"weight_kg,omitempty"`
	RestSeconds int     `json:"rest_seconds,omitempty"`
}

// MealPlan is the weekly meal structure a diet proposal carries.
type MealPlan struct {
	Name           string    `json:"name"`
	DailyCalories  int       `json:"daily_calories,omitempty"`
	Days           []MealDay `json:"days"`
}

// MealDay is one day of meal slots.
type MealDay struct {
	DayOfWeek int    `json:"day_of_week"` // 0..6
	Meals     []Meal `json:"meals"`
}

// Meal is one slot of a day with its dish and up to five alternatives.
type Meal struct {
	Slot         string   `json:"slot"` // breakfast, lunch, dinner, snack
	Dish         string   `json:"dish"`
	Calories     int      `json:"calories,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"` // ordered, max 5
}
