package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Configuration constants
var (
	// OpenRouterAPIKey is the API key for OpenRouter
	OpenRouterAPIKey string

	// OpenRouterAPIURL is the endpoint for OpenRouter API
	OpenRouterAPIURL = "https://openrouter.ai/api/v1/chat/completions"

	// DataDir is the directory for conversation storage
	DataDir = "data/conversations"

	// LogDir is the directory for council log files; empty disables file logging
	LogDir = "data/logs"

	// LoggingLevel filters file logging: all, errors_only or debug
	LoggingLevel = LogLevelAll

	// LogRetention is how long dated log files are kept; zero keeps them forever
	LogRetention = 7 * 24 * time.Hour

	// Timeout constants
	ModelQueryTimeout = 120 * time.Second
	TitleGenTimeout   = 30 * time.Second

	// CORS allowed origins (configurable via environment)
	// In development (empty/default), allows any localhost port
	// In production, set CORS_ALLOWED_ORIGINS environment variable
	CORSAllowedOrigins = []string{}

	// MaxRequestBodySize is the maximum allowed request body size (1MB)
	MaxRequestBodySize int64 = 1 << 20

	// ContextCacheTTL is how long fetched URL context is reused
	ContextCacheTTL = 5 * time.Minute

	// ActiveCouncil is the council used by the server and CLI
	ActiveCouncil = DefaultCouncilConfig()
)

// Council size limits accepted from configuration
const (
	MinCouncilMembers = 2
	MaxCouncilMembers = 8
)

// DefaultCouncilConfig returns the built-in council
func DefaultCouncilConfig() CouncilConfig {
	return CouncilConfig{
		Members: []string{
			"openai/gpt-5.1",
			"google/gemini-3-pro-preview",
			"anthropic/claude-sonnet-4.5",
			"x-ai/grok-4",
		},
		Chairman:            "google/gemini-3-pro-preview",
		TitleModel:          "google/gemini-2.5-flash",
		CouncilTemperature:  0.5,
		Stage2Temperature:   0.3,
		ChairmanTemperature: 0.4,
		ExecutionMode:       ModeFull,
		Timeout:             ModelQueryTimeout,
		Retry: RetryPolicy{
			MaxAttempts: 2,
			Delay:       2 * time.Second,
		},
	}
}

// Prompt returns the configured template for a stage, or the default
func (c CouncilConfig) Prompt(stage int) string {
	switch stage {
	case 1:
		if c.Stage1Prompt != "" {
			return c.Stage1Prompt
		}
		return DefaultStage1Prompt
	case 2:
		if c.Stage2Prompt != "" {
			return c.Stage2Prompt
		}
		return DefaultStage2Prompt
	case 3:
		if c.Stage3Prompt != "" {
			return c.Stage3Prompt
		}
		return DefaultStage3Prompt
	}
	return ""
}

// ValidateFor checks what a deliberation in the given mode needs to start
func (c CouncilConfig) ValidateFor(mode ExecutionMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if len(c.Members) == 0 {
		return ErrNoMembers
	}
	seen := make(map[string]bool, len(c.Members))
	for _, member := range c.Members {
		if seen[member] {
			return fmt.Errorf("%w: %q", ErrDuplicateMember, member)
		}
		seen[member] = true
	}
	if mode.RunsSynthesis() && strings.TrimSpace(c.Chairman) == "" {
		return ErrNoChairman
	}
	return nil
}

// Validate applies the stricter rules for a council set through configuration
func (c CouncilConfig) Validate() error {
	if len(c.Members) < MinCouncilMembers {
		return fmt.Errorf("at least %d council models must be selected", MinCouncilMembers)
	}
	if len(c.Members) > MaxCouncilMembers {
		return fmt.Errorf("maximum of %d council models allowed", MaxCouncilMembers)
	}

	for _, member := range c.Members {
		if strings.TrimSpace(member) == "" {
			return fmt.Errorf("council model IDs must not be empty")
		}
	}

	if c.Quorum < 0 || c.Quorum > len(c.Members) {
		return fmt.Errorf("quorum must be between 0 and %d", len(c.Members))
	}

	mode := c.ExecutionMode
	if mode == "" {
		mode = ModeFull
	}
	return c.ValidateFor(mode)
}

// LoadCouncilFile reads a YAML council definition on top of base
func LoadCouncilFile(path string, base CouncilConfig) (CouncilConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read council file: %w", err)
	}

	cfg := base
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return base, fmt.Errorf("failed to parse council file: %w", err)
	}

	return cfg, nil
}

// applyCouncilEnv overrides council settings from environment variables
func applyCouncilEnv(cfg CouncilConfig) (CouncilConfig, error) {
	if models := splitList(os.Getenv("COUNCIL_MODELS")); len(models) > 0 {
		cfg.Members = models
	}
	if chairman := os.Getenv("CHAIRMAN_MODEL"); chairman != "" {
		cfg.Chairman = chairman
	}
	if titleModel := os.Getenv("TITLE_MODEL"); titleModel != "" {
		cfg.TitleModel = titleModel
	}
	if mode := os.Getenv("EXECUTION_MODE"); mode != "" {
		cfg.ExecutionMode = ExecutionMode(mode)
	}

	var err error
	if cfg.CouncilTemperature, err = envFloat("COUNCIL_TEMPERATURE", cfg.CouncilTemperature); err != nil {
		return cfg, err
	}
	if cfg.Stage2Temperature, err = envFloat("STAGE2_TEMPERATURE", cfg.Stage2Temperature); err != nil {
		return cfg, err
	}
	if cfg.ChairmanTemperature, err = envFloat("CHAIRMAN_TEMPERATURE", cfg.ChairmanTemperature); err != nil {
		return cfg, err
	}
	if cfg.Retry.MaxAttempts, err = envInt("MODEL_MAX_ATTEMPTS", cfg.Retry.MaxAttempts); err != nil {
		return cfg, err
	}
	if cfg.Retry.Delay, err = envDuration("MODEL_RETRY_DELAY", cfg.Retry.Delay); err != nil {
		return cfg, err
	}
	if cfg.Timeout, err = envDuration("MODEL_QUERY_TIMEOUT", cfg.Timeout); err != nil {
		return cfg, err
	}
	if cfg.Quorum, err = envInt("COUNCIL_QUORUM", cfg.Quorum); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadConfig loads configuration from .env, the optional council file and environment variables
func LoadConfig() error {
	// Load .env file - try multiple locations
	envLocations := []string{
		".env",    // Current directory
		"../.env", // Parent directory
	}

	envLoaded := false
	for _, envPath := range envLocations {
		absPath, err := filepath.Abs(envPath)
		if err != nil {
			continue
		}

		if _, err := os.Stat(absPath); err == nil {
			if err := godotenv.Load(absPath); err == nil {
				log.Printf("Loaded .env from: %s", absPath)
				envLoaded = true
				break
			}
		}
	}

	if !envLoaded {
		log.Printf("Warning: .env file not found in any expected location")
	}

	OpenRouterAPIKey = os.Getenv("OPENROUTER_API_KEY")

	if apiURL := os.Getenv("OPENROUTER_API_URL"); apiURL != "" {
		OpenRouterAPIURL = apiURL
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		DataDir = dataDir
	}
	if logDir, ok := os.LookupEnv("LOG_DIR"); ok {
		LogDir = logDir
	}
	if level := os.Getenv("LOGGING_LEVEL"); level != "" {
		switch level {
		case LogLevelAll, LogLevelErrorsOnly, LogLevelDebug:
			LoggingLevel = level
		default:
			return fmt.Errorf("invalid LOGGING_LEVEL %q: must be all, errors_only or debug", level)
		}
	}

	days, err := envInt("LOG_RETENTION_DAYS", int(LogRetention/(24*time.Hour)))
	if err != nil {
		return err
	}
	if days < 0 {
		return fmt.Errorf("invalid LOG_RETENTION_DAYS %d: must not be negative", days)
	}
	LogRetention = time.Duration(days) * 24 * time.Hour

	// Load CORS origins from environment if provided
	if corsOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); corsOrigins != "" {
		CORSAllowedOrigins = splitList(corsOrigins)
	}

	council := DefaultCouncilConfig()
	if path := os.Getenv("COUNCIL_CONFIG_FILE"); path != "" {
		fileCouncil, err := LoadCouncilFile(path, council)
		if err != nil {
			return err
		}
		council = fileCouncil
		log.Printf("Loaded council from: %s", path)
	}

	council, err = applyCouncilEnv(council)
	if err != nil {
		return err
	}
	if err := council.Validate(); err != nil {
		return fmt.Errorf("invalid council configuration: %w", err)
	}
	ActiveCouncil = council

	log.Println("Configuration loaded successfully")
	return nil
}

// RequireAPIKey fails when no OpenRouter key is configured
func RequireAPIKey() error {
	if OpenRouterAPIKey == "" {
		return fmt.Errorf("OPENROUTER_API_KEY environment variable is required")
	}
	return nil
}

func splitList(value string) []string {
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func envFloat(key string, fallback float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func envInt(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("invalid %s: %w", key, err)
	}
	return value, nil
}
