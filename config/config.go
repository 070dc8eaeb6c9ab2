package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the coaching backend
type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Voice      VoiceConfig      `mapstructure:"voice"`
	Onboarding OnboardingConfig `mapstructure:"onboarding"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// GeneralConfig contains process-wide settings
type GeneralConfig struct {
	Listen      string   `mapstructure:"listen"`
	LogLevel    string   `mapstructure:"log_level"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// DatabaseConfig contains Postgres connection settings
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// DSN builds a Postgres connection string from the configured fields.
func (d DatabaseConfig) DSN() (string, error) {
	if d.URL != "" {
		return d.URL, nil
	}
	if d.Host == "" || d.DBName == "" {
		return "", fmt.Errorf("postgres not configured (database.url or database.host/dbname)")
	}
	port := d.Port
	if port == "" {
		port = "5432"
	}
	ssl := d.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, port, d.DBName, ssl), nil
}

// RedisConfig contains Redis connection settings (turn locks)
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig contains auth token settings
type JWTConfig struct {
	Secret    string `mapstructure:"secret"`
	Algorithm string `mapstructure:"algorithm"`
	TTLHours  int    `mapstructure:"token_ttl_hours"`
}

// LLMConfig contains LLM provider settings
type LLMConfig struct {
	Provider    string        `mapstructure:"provider"`
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Temperature float64       `mapstructure:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// VoiceConfig contains the realtime voice transport settings
type VoiceConfig struct {
	URL       string `mapstructure:"url"`
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// OnboardingConfig tunes the onboarding orchestrator
type OnboardingConfig struct {
	HistoryWindow    int           `mapstructure:"history_window"`
	TextTurnTimeout  time.Duration `mapstructure:"text_turn_timeout"`
	VoiceTurnTimeout time.Duration `mapstructure:"voice_turn_timeout"`
	LockLease        time.Duration `mapstructure:"lock_lease"`
}

// TelemetryConfig contains metrics settings
type TelemetryConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	CostTracking bool `mapstructure:"cost_tracking"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig() (*Config, error) {
	viper.SetConfigName("coach")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	viper.SetEnvPrefix("COACH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("general.listen", ":8080")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.cors_origins", []string{"*"})

	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.max_open_conns", 15)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.timeout", "5s")

	viper.SetDefault("jwt.algorithm", "HS256")
	viper.SetDefault("jwt.token_ttl_hours", 24)

	viper.SetDefault("llm.provider", "openai")
	viper.SetDefault("llm.model", "gpt-4o-mini")
	viper.SetDefault("llm.temperature", 0.3)
	viper.SetDefault("llm.max_tokens", 2048)
	viper.SetDefault("llm.timeout", "60s")

	viper.SetDefault("voice.token_ttl", "6h")

	viper.SetDefault("onboarding.history_window", 20)
	viper.SetDefault("onboarding.text_turn_timeout", "30s")
	viper.SetDefault("onboarding.voice_turn_timeout", "8s")
	viper.SetDefault("onboarding.lock_lease", "60s")

	viper.SetDefault("telemetry.enabled", true)
	viper.SetDefault("telemetry.cost_tracking", true)
}

func validateConfig(cfg *Config) error {
	if cfg.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required (COACH_JWT_SECRET)")
	}
	switch cfg.JWT.Algorithm {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported jwt.algorithm: %s", cfg.JWT.Algorithm)
	}
	switch cfg.LLM.Provider {
	case "openai", "mock":
	default:
		return fmt.Errorf("unsupported llm.provider: %s", cfg.LLM.Provider)
	}
	if cfg.LLM.Provider == "openai" && cfg.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required for provider %q", cfg.LLM.Provider)
	}
	if cfg.Onboarding.HistoryWindow <= 0 {
		return fmt.Errorf("onboarding.history_window must be positive")
	}
	return nil
}
