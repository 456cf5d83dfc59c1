package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "fixtures", cfg.LLM.Provider)
	assert.Equal(t, 300000, cfg.Auth.HMACMaxSkewMS)
	assert.Equal(t, 5*time.Minute, cfg.Auth.HMACMaxSkew())
	assert.Equal(t, 5000, cfg.Engine.TimeoutMS)
	assert.Equal(t, 1, cfg.Engine.MaxRetries)
	assert.Equal(t, 64, cfg.Stream.RingCapacity)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ASSIST_API_KEY", "k1")
	t.Setenv("ASSIST_API_KEYS", "k2, k3 ,")
	t.Setenv("HMAC_SECRET", "s1")
	t.Setenv("HMAC_MAX_SKEW_MS", "60000")
	t.Setenv("REDIS_HMAC_NONCE_ENABLED", "true")
	t.Setenv("ISL_BASE_URL", "http://engine:9000")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("CEE_MODEL_DRAFT", "claude-sonnet-4-5")
	t.Setenv("ENABLE_LEGACY_SSE", "true")
	t.Setenv("PERF_MODE", "full")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"k1", "k2", "k3"}, cfg.Auth.Keys())
	assert.Equal(t, "s1", cfg.Auth.HMACSecret)
	assert.Equal(t, time.Minute, cfg.Auth.HMACMaxSkew())
	assert.True(t, cfg.Auth.RedisNonceEnabled)
	assert.Equal(t, "http://engine:9000", cfg.Engine.BaseURL)
	assert.Equal(t, "anthropic", cfg.LLM.Provider)
	assert.Equal(t, "claude-sonnet-4-5", cfg.LLM.DraftModel())
	assert.True(t, cfg.Server.EnableLegacySSE)
	assert.Equal(t, "full", cfg.Perf.Mode)
}

func TestValidate_ClampsEngineSettings(t *testing.T) {
	t.Setenv("ISL_TIMEOUT_MS", "50")
	t.Setenv("ISL_MAX_RETRIES", "99")
	cfg, err := NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 100, cfg.Engine.TimeoutMS)
	assert.Equal(t, 5, cfg.Engine.MaxRetries)

	t.Setenv("ISL_TIMEOUT_MS", "99999")
	t.Setenv("ISL_MAX_RETRIES", "-1")
	cfg, err = NewLoader().Load()
	require.NoError(t, err)
	assert.Equal(t, 30000, cfg.Engine.TimeoutMS)
	assert.Equal(t, 0, cfg.Engine.MaxRetries)
}

func TestValidate_RejectsUnknownProvider(t *testing.T) {
	t.Setenv("LLM_PROVIDER", "mystery")
	_, err := NewLoader().Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_PROVIDER")
}

func TestValidate_RejectsUnknownPerfMode(t *testing.T) {
	t.Setenv("PERF_MODE", "chaos")
	_, err := NewLoader().Load()
	require.Error(t, err)
}

func TestLoad_YAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cee.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9999
llm:
  provider: openai
rate_limit:
  capacity: 5
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "openai", cfg.LLM.Provider)
	assert.Equal(t, float64(5), cfg.RateLimit.Capacity)
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cee.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0o600))
	t.Setenv("LLM_PROVIDER", "fixtures")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "fixtures", cfg.LLM.Provider)
}

func TestLoad_CustomValidator(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return assert.AnError
	}).Load()
	require.Error(t, err)
}
