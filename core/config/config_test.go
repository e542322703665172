package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.Cache.QueryTTL.Std())
	assert.Equal(t, ".opsassist/assistant.db", cfg.Store.Path)
	assert.Equal(t, "gpt-4o-mini", cfg.Providers.OpenAI.Model)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
cache:
  query_ttl: 30m
store:
  path: /var/lib/opsassist/db.sqlite
providers:
  anthropic:
    model: claude-sonnet-4-5
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Cache.QueryTTL.Std())
	assert.Equal(t, "/var/lib/opsassist/db.sqlite", cfg.Store.Path)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Providers.Anthropic.Model)
	// Untouched sections keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.Cache.ResponseTTL.Std())
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-env")
	t.Setenv("OPSASSIST_DB_PATH", "/tmp/env.db")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sk-env", cfg.Providers.OpenAI.APIKey)
	assert.Equal(t, "/tmp/env.db", cfg.Store.Path)
}

func TestValidateRequiresAKey(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())

	cfg.Providers.Google.APIKey = "g-key"
	assert.NoError(t, cfg.Validate())
}
