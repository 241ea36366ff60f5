package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, defaults(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pristine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("data_dir: /tmp/pristine\ntag_compression_level: 9\n"), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/pristine", cfg.DataDir)
	require.Equal(t, 9, cfg.TagCompressionLevel)
	require.Equal(t, "main", cfg.DefaultChannel) // untouched default
}

func TestApplyEnvOverridesFields(t *testing.T) {
	cfg := defaults()
	t.Setenv("PRISTINE_DATA_DIR", "/var/pristine")
	t.Setenv("PRISTINE_IN_MEMORY", "1")
	t.Setenv("PRISTINE_TAG_COMPRESSION_LEVEL", "15")
	cfg.ApplyEnv()

	require.Equal(t, "/var/pristine", cfg.DataDir)
	require.True(t, cfg.InMemory)
	require.Equal(t, 15, cfg.TagCompressionLevel)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := defaults()
	cfg.TagCompressionLevel = 99
	require.Error(t, cfg.Validate())

	cfg = defaults()
	cfg.LogLevel = "TRACE"
	require.Error(t, cfg.Validate())

	cfg = defaults()
	require.NoError(t, cfg.Validate())
}
