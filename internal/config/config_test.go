package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("LLM_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.LLM.Provider)
	assert.Equal(t, 1200*time.Millisecond, cfg.Turn.DebounceQuantum)
	assert.Equal(t, 5*time.Second, cfg.Turn.DebounceCeiling)
	assert.Equal(t, 60*time.Second, cfg.Proactive.Grace)
	assert.Equal(t, 600*time.Second, cfg.Proactive.AICooldown)
	assert.Zero(t, cfg.Turn.BusyRetries, "busy debounced turns are dropped unless retries are opted in")
}

func TestLoadPicksOpenAIWhenKeyPresent(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "openai", cfg.LLM.Provider)
}

func TestLoadDurationFormats(t *testing.T) {
	t.Setenv("DEBOUNCE_QUANTUM", "800")
	t.Setenv("DEBOUNCE_CEILING", "4s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 800*time.Millisecond, cfg.Turn.DebounceQuantum)
	assert.Equal(t, 4*time.Second, cfg.Turn.DebounceCeiling)
}

func TestValidateRejectsThresholdInversion(t *testing.T) {
	t.Setenv("PROACTIVE_GRACE", "5s")
	t.Setenv("PROACTIVE_SILENCE", "10s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "silence < grace")
}

func TestValidateRejectsUnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "carrier-pigeon")

	_, err := Load()
	require.Error(t, err)
}

func TestIsDevelopment(t *testing.T) {
	t.Parallel()

	assert.True(t, (&Config{AppEnv: "development"}).IsDevelopment())
	assert.False(t, (&Config{AppEnv: "production", FrontendURL: "https://mira.example"}).IsDevelopment())
	assert.True(t, (&Config{AppEnv: "production", FrontendURL: "http://localhost:5173"}).IsDevelopment())
}

func TestValidateLockOutlivesTurn(t *testing.T) {
	t.Setenv("GENERATION_LOCK_TTL", "15s")
	t.Setenv("GENERATION_LOCK_RENEW", "0")
	t.Setenv("LLM_TIMEOUT", "30s")

	_, err := Load()
	require.Error(t, err, "a 15s lock cannot cover a 30s generator call without renewal")
	assert.Contains(t, err.Error(), "GENERATION_LOCK_TTL")

	t.Setenv("GENERATION_LOCK_TTL", "2m")
	_, err = Load()
	require.NoError(t, err)
}

func TestValidateLockRenewInterval(t *testing.T) {
	t.Setenv("GENERATION_LOCK_TTL", "15s")
	t.Setenv("GENERATION_LOCK_RENEW", "10s")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "GENERATION_LOCK_RENEW")

	t.Setenv("GENERATION_LOCK_RENEW", "5s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Turn.LockRenewEvery)
}
