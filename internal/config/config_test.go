package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "error", cfg.Server.NotFoundMode)
	require.Equal(t, 3, cfg.Search.MaxResultsDefault)
	require.Equal(t, 40, cfg.Search.TimeoutSecsDefault)
	require.Equal(t, 2, cfg.Pool.MaxConcurrencyDefault)
	require.Equal(t, 300, cfg.Pool.IdleTTLSecs)
	require.Equal(t, "https://html.duckduckgo.com/html/", cfg.Discovery.BaseURL)
	require.Equal(t, 20, cfg.Drain.GraceSecs)
	require.Equal(t, "memory", cfg.Storage.Backend)
	require.Equal(t, "fs", cfg.Dataset.Backend)
	require.False(t, cfg.PubSub.Enabled)
	require.True(t, cfg.Logging.Development)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9090
search:
  max_results_default: 5
  max_results_limit: 20
drain:
  grace_seconds: 10
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5, cfg.Search.MaxResultsDefault)
	require.Equal(t, 20, cfg.Search.MaxResultsLimit)
	require.Equal(t, 10, cfg.Drain.GraceSecs)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"bad not-found mode", func(c *Config) { c.Server.NotFoundMode = "silent" }},
		{"limit below default", func(c *Config) { c.Search.MaxResultsLimit = 1 }},
		{"zero grace", func(c *Config) { c.Drain.GraceSecs = 0 }},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = "gcs" }},
		{"postgres without dsn", func(c *Config) { c.Dataset.Backend = "postgres" }},
		{"unknown dataset backend", func(c *Config) { c.Dataset.Backend = "s3" }},
		{"pubsub without project", func(c *Config) { c.PubSub.Enabled = true }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
