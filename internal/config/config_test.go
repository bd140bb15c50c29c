package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsAndEnvOverrides(t *testing.T) {
	envRepo := env.NewRepository()
	t.Setenv("UPLOAD_WORKER_API_ACCESS_TOKEN", "token-123")
	t.Setenv("UPLOAD_WORKER_MAX_CONCURRENT_UPLOADS", "8")

	cfg, err := Load("", envRepo)
	require.NoError(t, err)
	require.Equal(t, "token-123", cfg.APIAccessToken)
	require.Equal(t, 8, cfg.MaxConcurrentUploads)
	require.Equal(t, int64(10*1024*1024), cfg.PartSizeBytes)
}

func TestLoadMissingTokenFails(t *testing.T) {
	envRepo := env.NewRepository()
	_, err := Load("", envRepo)
	require.Error(t, err)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("partSizeBytes: 5242880\nmaxConcurrentUploads: 2\n"), 0o600))

	envRepo := env.NewRepository()
	t.Setenv("UPLOAD_WORKER_API_ACCESS_TOKEN", "token-123")

	cfg, err := Load(path, envRepo)
	require.NoError(t, err)
	require.Equal(t, int64(5242880), cfg.PartSizeBytes)
	require.Equal(t, 2, cfg.MaxConcurrentUploads)
}
