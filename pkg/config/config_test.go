package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad_PayerConfig(t *testing.T) {
	// Setup environment variables
	os.Setenv("PAYER_BASE_URL", "http://test-payer:9090")
	os.Setenv("PAYER_API_KEY", "test-key")
	os.Setenv("PAYER_TOKEN_TTL", "15m")
	defer func() {
		os.Unsetenv("PAYER_BASE_URL")
		os.Unsetenv("PAYER_API_KEY")
		os.Unsetenv("PAYER_TOKEN_TTL")
	}()

	// Load config
	cfg, err := Load()
	assert.NoError(t, err)

	// Verify payer config
	assert.Equal(t, "http://test-payer:9090", cfg.Payer.BaseURL)
	assert.Equal(t, "test-key", cfg.Payer.APIKey)
	assert.Equal(t, 15*time.Minute, cfg.Payer.TokenTTL)
}

func TestLoad_Defaults(t *testing.T) {
	// Ensure env vars are cleared
	os.Unsetenv("PAYER_BASE_URL")
	os.Unsetenv("ELIGIBILITY_CACHE_TTL")
	os.Unsetenv("VERIFY_MAX_ATTEMPTS")

	cfg, err := Load()
	assert.NoError(t, err)

	// Verify defaults
	assert.Equal(t, "http://localhost:9090", cfg.Payer.BaseURL)
	assert.Equal(t, time.Hour, cfg.Verification.CacheTTL)
	assert.Equal(t, 3, cfg.Verification.MaxAttempts)
	assert.Equal(t, 8, cfg.Verification.SweepConcurrency)
}

func TestLoad_InvalidDurationFallsBack(t *testing.T) {
	os.Setenv("SWEEP_INTERVAL", "not-a-duration")
	defer os.Unsetenv("SWEEP_INTERVAL")

	cfg, err := Load()
	assert.NoError(t, err)
	assert.Equal(t, 6*time.Hour, cfg.Verification.SweepInterval)
}
