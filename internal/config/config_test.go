package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// DEFAULTS
// ============================================================================

func TestLoad_NoPathAppliesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSAllowOrigins)
	assert.Equal(t, "svn", cfg.SVN.BinaryPath)
	assert.Equal(t, 5, cfg.GitLab.MaxAttempts)
	assert.Equal(t, "main", cfg.GitLab.RefName)
	assert.Equal(t, 100, cfg.Sync.BatchSize)
	assert.Equal(t, "best_effort", cfg.Sync.DiffMode)
	assert.Equal(t, "strict", cfg.Artifact.ShaMismatchPolicy)
	assert.Equal(t, 50, cfg.Outbox.BatchSize)
	assert.Equal(t, 8, cfg.Outbox.MaxRetries)
	assert.Equal(t, "engram:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "engram-events", cfg.PubSub.TopicID)
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	assert.NoError(t, err)
}

// ============================================================================
// YAML FILE LOADING
// ============================================================================

func TestLoad_ReadsValuesFromYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := `
server:
  port: "9999"
sync:
  batch_size: 250
  diff_mode: always
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, 250, cfg.Sync.BatchSize)
	assert.Equal(t, "always", cfg.Sync.DiffMode)
}

// ============================================================================
// ENVIRONMENT OVERRIDES
// ============================================================================

func TestLoad_EnvOverridesYAMLValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: \"1111\"\n"), 0o644))

	t.Setenv("PORT", "2222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "2222", cfg.Server.Port)
}

func TestLoad_CORSOriginsEnvIsSplitOnComma(t *testing.T) {
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example.com, https://b.example.com")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.CORSAllowOrigins)
}

func TestLoad_EvidenceMaxSizeBytesEnvOverride(t *testing.T) {
	t.Setenv("EVIDENCE_MAX_SIZE_BYTES", "12345")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, int64(12345), cfg.Artifact.MaxSizeBytes)
}

// ============================================================================
// IS PRODUCTION
// ============================================================================

func TestIsProduction(t *testing.T) {
	cfg := &Config{Server: ServerConfig{Env: "production"}}
	assert.True(t, cfg.IsProduction())

	cfg.Server.Env = "staging"
	assert.False(t, cfg.IsProduction())
}

// ============================================================================
// CSV SPLITTING HELPER
// ============================================================================

func TestSplitCSV_TrimsAndDropsEmpty(t *testing.T) {
	out := splitCSV(" a, b ,, c")
	assert.Equal(t, []string{"a", "b", "c"}, out)
}
