package server

import "time"

// HTTPError is the unified error body every handler returns on failure.
type HTTPError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type AuthSignupRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type AuthLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type ChatRequest struct {
	Message string `json:"message"`
	Stream  *bool  `json:"stream"`
}

type ProfileRequest struct {
	DisplayName        string   `json:"display_name"`
	FitnessLevel       string   `json:"fitness_level"`
	PrimaryGoal        string   `json:"primary_goal"`
	EnergyLevel        string   `json:"energy_level"`
	Limitations        []string `json:"limitations"`
	DietaryPreferences []string `json:"dietary_preferences"`
	Allergies          []string `json:"allergies"`
}

type VoiceSessionRequest struct {
	AgentType string `json:"agent_type"`
}

type VoiceSessionResponse struct {
	RoomName  string    `json:"room_name"`
	Token     string    `json:"token"`
	URL       string    `json:"url"`
	AgentType string    `json:"agent_type"`
	ExpiresAt time.Time `json:"expires_at"`
}

type VoiceSessionStatus struct {
	RoomName       string    `json:"room_name"`
	Active         bool      `json:"active"`
	Participants   []string  `json:"participants"`
	AgentConnected bool      `json:"agent_connected"`
	CreatedAt      time.Time `json:"created_at"`
}
