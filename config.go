package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// logger is the process-wide structured logger, configured by LoadConfig.
var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// AppConfig is everything the service reads at startup: env-sourced server
// settings plus the YAML-sourced debate settings.
type AppConfig struct {
	Port               string
	OpenRouterAPIKey   string
	OpenRouterAPIURL   string
	DataDir            string
	CORSAllowedOrigins []string
	ProbeOnStartup     bool

	Settings DebateSettings
}

// DebateSettings is the YAML-overridable configuration block: orchestration,
// interruption tuning, the rate-limit tier table, and speaker model
// assignments.
type DebateSettings struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Lively       LivelySettings     `yaml:"lively"`
	RateLimits   RateLimiterConfig  `yaml:"rate_limits"`
	Models       SpeakerModels      `yaml:"models"`
}

// SpeakerModels assigns a generation model to each speaker role.
type SpeakerModels struct {
	Pro       string `yaml:"pro" validate:"required"`
	Con       string `yaml:"con" validate:"required"`
	Moderator string `yaml:"moderator" validate:"required"`
	Judge     string `yaml:"judge" validate:"required"`
}

// Map returns the speaker-to-model lookup the orchestrator consumes.
func (m SpeakerModels) Map() map[Speaker]string {
	return map[Speaker]string{
		SpeakerPro:       m.Pro,
		SpeakerCon:       m.Con,
		SpeakerModerator: m.Moderator,
	}
}

// DefaultDebateSettings returns the compiled-in settings.
func DefaultDebateSettings() DebateSettings {
	return DebateSettings{
		Orchestrator: DefaultOrchestratorConfig(),
		Lively:       DefaultLivelySettings(),
		RateLimits:   DefaultRateLimiterConfig(),
		Models: SpeakerModels{
			Pro:       "anthropic/claude-sonnet-4.5",
			Con:       "openai/gpt-5.1",
			Moderator: "google/gemini-3-pro-preview",
			Judge:     "google/gemini-2.5-flash",
		},
	}
}

// LoadConfig loads .env (multiple locations tried), reads env vars, applies
// the optional YAML settings file, configures the logger, and validates the
// result. The API key is required.
func LoadConfig() (*AppConfig, error) {
	envLocations := []string{".env", "../.env"}
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}
		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				logger.Info().Str("path", absPath).Msg("loaded .env")
				break
			}
		}
	}

	level := zerolog.InfoLevel
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(lvl)); err == nil {
			level = parsed
		}
	}
	logger = logger.Level(level)

	cfg := &AppConfig{
		Port:             envOr("PORT", "8001"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenRouterAPIURL: envOr("OPENROUTER_API_URL", "https://openrouter.ai/api/v1/chat/completions"),
		DataDir:          envOr("DATA_DIR", "data/debates"),
		ProbeOnStartup:   os.Getenv("PROBE_MODELS") == "true",
		Settings:         DefaultDebateSettings(),
	}

	if cfg.OpenRouterAPIKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSAllowedOrigins = append(cfg.CORSAllowedOrigins, origin)
			}
		}
	}

	if settingsPath := os.Getenv("DEBATE_SETTINGS_FILE"); settingsPath != "" {
		if err := loadSettingsFile(settingsPath, &cfg.Settings); err != nil {
			return nil, err
		}
		logger.Info().Str("path", settingsPath).Msg("loaded debate settings")
	}

	if err := validateSettings(cfg.Settings); err != nil {
		return nil, fmt.Errorf("invalid debate settings: %w", err)
	}

	logger.Info().Msg("configuration loaded successfully")
	return cfg, nil
}

// loadSettingsFile overlays YAML settings onto the defaults in settings.
func loadSettingsFile(path string, settings *DebateSettings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}
	if err := yaml.Unmarshal(data, settings); err != nil {
		return fmt.Errorf("failed to parse settings file: %w", err)
	}
	return nil
}

func validateSettings(settings DebateSettings) error {
	v := validator.New()
	if err := v.Struct(settings.Orchestrator); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	if err := v.Struct(settings.Lively); err != nil {
		return fmt.Errorf("lively: %w", err)
	}
	if err := v.Struct(settings.Models); err != nil {
		return fmt.Errorf("models: %w", err)
	}
	for tier, limits := range settings.RateLimits.Tiers {
		if err := v.Struct(limits); err != nil {
			return fmt.Errorf("rate limit tier %s: %w", tier, err)
		}
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
