package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	assert.NoError(t, Default().Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /tmp/synapse-test
vector_dimension: 128
num_shards: 4
wal_fsync: false
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/synapse-test", cfg.DataDir)
	assert.Equal(t, 128, cfg.VectorDimension)
	assert.Equal(t, 4, cfg.NumShards)
	assert.False(t, cfg.WALFsync)
	// Untouched fields keep defaults.
	assert.Equal(t, 16, cfg.HNSW.MaxNeighbors)
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SYNAPSE_NUM_SHARDS", "2")
	t.Setenv("SYNAPSE_DATA_DIR", "/tmp/from-env")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.NumShards)
	assert.Equal(t, "/tmp/from-env", cfg.DataDir)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimension", func(c *Config) { c.VectorDimension = 0 }},
		{"zero shards", func(c *Config) { c.NumShards = 0 }},
		{"zero interval", func(c *Config) { c.ReconcileIntervalMS = 0 }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown auth method", func(c *Config) { c.AuthMethod = "kerberos" }},
		{"weak secret", func(c *Config) { c.AuthMethod = "hmac"; c.AuthSecret = "short" }},
		{"tls without certs", func(c *Config) { c.TLSEnabled = true }},
		{"bad hnsw", func(c *Config) { c.HNSW.MaxNeighbors = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAcceptsStrongAuth(t *testing.T) {
	cfg := Default()
	cfg.AuthMethod = "jwt-hs256"
	cfg.AuthSecret = "0123456789abcdef0123456789abcdef"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
