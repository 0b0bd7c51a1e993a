// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port           string
	FrontendURL    string
	DBPath         string
	AppEnv         string
	GRPCHealthAddr string // empty disables the gRPC health server
	AdminToken     string // empty disables the admin routes
	Log            LogConfig
	Turn           TurnConfig
	Proactive      ProactiveConfig
	LLM            LLMConfig
	Shaping        ShapingConfig
	Images         ImagesConfig
	RateLimit      RateLimitConfig
}

// LogConfig selects log level and the optional error sink.
type LogConfig struct {
	Level     string
	ErrorFile string
}

// TurnConfig controls debounce, locking and delivery pacing.
type TurnConfig struct {
	DebounceQuantum  time.Duration
	DebounceCeiling  time.Duration
	DebounceTTL      time.Duration
	LockTTL          time.Duration
	LockRenewEvery   time.Duration // zero disables renewal
	AwaitTTL         time.Duration
	ActivityTTL      time.Duration
	BusyRetries      int
	HistorySize      int
	PauseBase        time.Duration
	PauseRunesPerSec float64
	PauseCap         time.Duration
	Fallback         string
}

// ProactiveConfig controls the background scheduler and its suppression policy.
type ProactiveConfig struct {
	Enabled         bool
	TickMin         time.Duration
	TickMax         time.Duration
	Grace           time.Duration
	AICooldown      time.Duration
	Silence         time.Duration
	PhotoCooldown   time.Duration
	PhotoChance     float64
	WelcomeCooldown time.Duration
	Concurrency     int
	WeightGreeting  float64
	WeightCare      float64
	WeightShare     float64
}

// LLMConfig configures the reply generator.
type LLMConfig struct {
	Provider    string // "openai" or "mock"
	BaseURL     string
	APIKey      string
	Model       string
	Timeout     time.Duration
	MaxRetries  int
	Temperature float64
	MaxTokens   int
}

// ShapingConfig bounds delivered chunks.
type ShapingConfig struct {
	MaxChunkRunes int
	MaxChunks     int
	Filler        string
}

// ImagesConfig points at the image intent catalog.
type ImagesConfig struct {
	CatalogPath string
}

// RateLimitConfig limits inbound user messages per user.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		FrontendURL:    getEnv("FRONTEND_URL", ""),
		DBPath:         getEnv("DB_PATH", "./data/companion.db"),
		AppEnv:         getEnv("APP_ENV", "production"),
		GRPCHealthAddr: getEnv("GRPC_HEALTH_ADDR", ""),
		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		Log: LogConfig{
			Level:     getEnv("LOG_LEVEL", "info"),
			ErrorFile: getEnv("LOG_ERROR_FILE", ""),
		},
		Turn: TurnConfig{
			DebounceQuantum:  getEnvDuration("DEBOUNCE_QUANTUM", 1200*time.Millisecond),
			DebounceCeiling:  getEnvDuration("DEBOUNCE_CEILING", 5*time.Second),
			DebounceTTL:      getEnvDuration("DEBOUNCE_TTL", 6*time.Second),
			LockTTL:          getEnvDuration("GENERATION_LOCK_TTL", 15*time.Second),
			LockRenewEvery:   getEnvDuration("GENERATION_LOCK_RENEW", 5*time.Second),
			AwaitTTL:         getEnvDuration("AWAIT_USER_TTL", 600*time.Second),
			ActivityTTL:      getEnvDuration("ACTIVITY_TTL", time.Hour),
			BusyRetries:      getEnvInt("DEBOUNCE_BUSY_RETRIES", 0),
			HistorySize:      getEnvInt("HISTORY_SIZE", 20),
			PauseBase:        getEnvDuration("PAUSE_BASE", 400*time.Millisecond),
			PauseRunesPerSec: getEnvFloat("PAUSE_RUNES_PER_SEC", 12),
			PauseCap:         getEnvDuration("PAUSE_CAP", 2500*time.Millisecond),
			Fallback:         getEnv("FALLBACK_REPLY", "我现在有点忙，稍后再和你聊天吧～"),
		},
		Proactive: ProactiveConfig{
			Enabled:         getEnvBool("PROACTIVE_ENABLED", true),
			TickMin:         getEnvDuration("PROACTIVE_TICK_MIN", 60*time.Second),
			TickMax:         getEnvDuration("PROACTIVE_TICK_MAX", 120*time.Second),
			Grace:           getEnvDuration("PROACTIVE_GRACE", 60*time.Second),
			AICooldown:      getEnvDuration("PROACTIVE_AI_COOLDOWN", 600*time.Second),
			Silence:         getEnvDuration("PROACTIVE_SILENCE", 10*time.Second),
			PhotoCooldown:   getEnvDuration("PROACTIVE_PHOTO_COOLDOWN", 120*time.Second),
			PhotoChance:     getEnvFloat("PROACTIVE_PHOTO_CHANCE", 0.2),
			WelcomeCooldown: getEnvDuration("PROACTIVE_WELCOME_COOLDOWN", 5*time.Minute),
			Concurrency:     getEnvInt("PROACTIVE_CONCURRENCY", 8),
			WeightGreeting:  getEnvFloat("PROACTIVE_WEIGHT_GREETING", 1),
			WeightCare:      getEnvFloat("PROACTIVE_WEIGHT_CARE", 1),
			WeightShare:     getEnvFloat("PROACTIVE_WEIGHT_SHARE", 1),
		},
		LLM: LLMConfig{
			Provider:    getEnv("LLM_PROVIDER", ""),
			BaseURL:     getEnv("LLM_BASE_URL", "https://api.deepseek.com/v1"),
			APIKey:      getEnv("LLM_API_KEY", ""),
			Model:       getEnv("LLM_MODEL", "deepseek-chat"),
			Timeout:     getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			MaxRetries:  getEnvInt("LLM_MAX_RETRIES", 2),
			Temperature: getEnvFloat("LLM_TEMPERATURE", 1.1),
			MaxTokens:   getEnvInt("LLM_MAX_TOKENS", 400),
		},
		Shaping: ShapingConfig{
			MaxChunkRunes: getEnvInt("SHAPING_MAX_CHUNK_RUNES", 24),
			MaxChunks:     getEnvInt("SHAPING_MAX_CHUNKS", 5),
			Filler:        getEnv("SHAPING_FILLER", "嗯嗯～"),
		},
		Images: ImagesConfig{
			CatalogPath: getEnv("IMAGE_CATALOG_PATH", ""),
		},
		RateLimit: RateLimitConfig{
			PerSecond: getEnvFloat("RATE_LIMIT_PER_SECOND", 2),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 10),
		},
	}

	if cfg.LLM.Provider == "" {
		if cfg.LLM.APIKey != "" {
			cfg.LLM.Provider = "openai"
		} else {
			cfg.LLM.Provider = "mock"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and that
// the proactive thresholds keep their relative ordering.
//
//nolint:gocyclo // Flat list of independent checks.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}

	t := c.Turn
	if t.DebounceQuantum <= 0 {
		return fmt.Errorf("DEBOUNCE_QUANTUM must be > 0")
	}
	if t.DebounceCeiling < t.DebounceQuantum {
		return fmt.Errorf("DEBOUNCE_CEILING must be >= DEBOUNCE_QUANTUM")
	}
	if t.DebounceTTL <= t.DebounceCeiling {
		return fmt.Errorf("DEBOUNCE_TTL must be > DEBOUNCE_CEILING")
	}
	if t.LockTTL <= 0 || t.AwaitTTL <= 0 || t.ActivityTTL <= 0 {
		return fmt.Errorf("turn TTLs must be > 0")
	}
	if t.LockRenewEvery > 0 {
		if 2*t.LockRenewEvery > t.LockTTL {
			return fmt.Errorf("GENERATION_LOCK_RENEW must be at most half of GENERATION_LOCK_TTL")
		}
	} else if budget := c.turnBudget(); t.LockTTL <= budget {
		return fmt.Errorf("GENERATION_LOCK_TTL must exceed the worst-case turn (%s) when renewal is disabled", budget)
	}
	if t.BusyRetries < 0 {
		return fmt.Errorf("DEBOUNCE_BUSY_RETRIES must be >= 0")
	}
	if t.HistorySize <= 0 {
		return fmt.Errorf("HISTORY_SIZE must be > 0")
	}
	if t.Fallback == "" {
		return fmt.Errorf("FALLBACK_REPLY cannot be empty")
	}

	p := c.Proactive
	if p.TickMin <= 0 || p.TickMax < p.TickMin {
		return fmt.Errorf("PROACTIVE_TICK_MIN must be > 0 and <= PROACTIVE_TICK_MAX")
	}
	if !(p.Silence < p.Grace && p.Grace < p.PhotoCooldown && p.PhotoCooldown <= p.TickMax && p.TickMax < p.AICooldown) {
		return fmt.Errorf("proactive thresholds must satisfy silence < grace < photo cooldown <= tick max < ai cooldown")
	}
	if p.Concurrency <= 0 {
		return fmt.Errorf("PROACTIVE_CONCURRENCY must be > 0")
	}
	if p.WeightGreeting < 0 || p.WeightCare < 0 || p.WeightShare < 0 ||
		p.WeightGreeting+p.WeightCare+p.WeightShare == 0 {
		return fmt.Errorf("proactive weights must be >= 0 with a positive sum")
	}

	switch c.LLM.Provider {
	case "mock":
	case "openai":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required for the openai provider")
		}
		if c.LLM.Model == "" {
			return fmt.Errorf("LLM_MODEL cannot be empty")
		}
	default:
		return fmt.Errorf("unknown LLM_PROVIDER %q", c.LLM.Provider)
	}

	if c.Shaping.MaxChunkRunes < 8 || c.Shaping.MaxChunks < 1 {
		return fmt.Errorf("SHAPING_MAX_CHUNK_RUNES must be >= 8 and SHAPING_MAX_CHUNKS >= 1")
	}
	if c.RateLimit.PerSecond <= 0 || c.RateLimit.Burst <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}
	return nil
}

// turnBudget is the longest a turn can hold the generation lock: every
// generator attempt timing out plus the pauses between chunks.
func (c *Config) turnBudget() time.Duration {
	attempts := time.Duration(c.LLM.MaxRetries + 1)
	pauses := time.Duration(max(c.Shaping.MaxChunks-1, 0))
	return attempts*c.LLM.Timeout + pauses*c.Turn.PauseCap
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	if c.AppEnv != "" && c.AppEnv != "production" {
		return c.AppEnv == "development"
	}
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go duration strings ("1.2s") or plain milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
