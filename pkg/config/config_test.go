package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"KEEL_LOG_LEVEL", "KEEL_MAX_CONTEXT_TOKENS", "KEEL_MAX_QUERY_ROUNDS",
		"KEEL_CHECKPOINT_BACKEND", "KEEL_PREFLIGHT_ENABLED",
	} {
		t.Setenv(key, "")
	}

	cfg := Load()
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 32768, cfg.MaxContextTokens)
	assert.Equal(t, 3, cfg.MaxQueryRounds)
	assert.Equal(t, 1, cfg.MaxRetrievalRounds)
	assert.Equal(t, "memory", cfg.CheckpointBackend)
	assert.Equal(t, 1, cfg.CheckpointInterval)
	assert.False(t, cfg.PreflightEnabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KEEL_LOG_LEVEL", "DEBUG")
	t.Setenv("KEEL_MAX_CONTEXT_TOKENS", "8192")
	t.Setenv("KEEL_CHECKPOINT_BACKEND", "sqlite")
	t.Setenv("KEEL_CHECKPOINT_DSN", "checkpoints.db")
	t.Setenv("KEEL_PREFLIGHT_ENABLED", "true")
	t.Setenv("KEEL_LLM_RPS", "0.5")

	cfg := Load()
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, 8192, cfg.MaxContextTokens)
	assert.Equal(t, "sqlite", cfg.CheckpointBackend)
	assert.Equal(t, "checkpoints.db", cfg.CheckpointDSN)
	assert.True(t, cfg.PreflightEnabled)
	assert.Equal(t, 0.5, cfg.LLMRequestsPerSecond)
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := Load()
	cfg.CheckpointBackend = "dynamo"
	assert.ErrorContains(t, cfg.Validate(), "unknown checkpoint backend")
}

func TestLoadProfileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_batch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"max_context_tokens: 16384\npostcheck_enabled: true\ncheckpoint_backend: fs\n"), 0o644))

	cfg, err := LoadProfile(path)
	require.NoError(t, err)
	assert.Equal(t, 16384, cfg.MaxContextTokens)
	assert.True(t, cfg.PostcheckEnabled)
	assert.Equal(t, "fs", cfg.CheckpointBackend)
	// Untouched values keep their defaults.
	assert.Equal(t, 3, cfg.MaxQueryRounds)
}

func TestLoadProfileRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profile_bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_query_rounds: 0\n"), 0o644))
	_, err := LoadProfile(path)
	assert.ErrorContains(t, err, "max_query_rounds")
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_fast.yaml"),
		[]byte("max_query_rounds: 5\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_strict.yaml"),
		[]byte("preflight_enabled: true\npostcheck_enabled: true\n"), 0o644))

	profiles, err := LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)
	assert.Equal(t, 5, profiles["fast"].MaxQueryRounds)
	assert.True(t, profiles["strict"].PreflightEnabled)
}
