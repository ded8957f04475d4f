package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.NoError(t, err)

	assert.Equal(t, uint64(200*1024*1024), c.VMMinMemBytes)
	assert.Equal(t, uint64(350*1024*1024), c.Dom0MemBoostBytes)
	assert.InDelta(t, 1.3, c.CacheMarginFactor, 0.0001)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "/var/run/qmemman/qmemman.sock", c.SocketPath)
}

func TestLoadOverridesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmemman.conf")
	contents := "[global]\n" +
		"vm-min-mem = 300MiB\n" +
		"dom0-mem-boost = 400MiB\n" +
		"cache-margin-factor = 1.5\n" +
		"log-level = debug\n" +
		"metrics-listen = 127.0.0.1:9100\n" +
		"socket-path = /tmp/custom.sock\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint64(300*1024*1024), c.VMMinMemBytes)
	assert.Equal(t, uint64(400*1024*1024), c.Dom0MemBoostBytes)
	assert.InDelta(t, 1.5, c.CacheMarginFactor, 0.0001)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "127.0.0.1:9100", c.MetricsListen)
	assert.Equal(t, "/tmp/custom.sock", c.SocketPath)
}

func TestLoadRejectsMalformedByteSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "qmemman.conf")
	contents := "[global]\nvm-min-mem = not-a-size\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestTuningAndConstantsCarryOverFromConfig(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.conf"))
	require.NoError(t, err)
	c.HintFilePath = "/tmp/hint"
	c.OverrideFilePath = "/tmp/override"

	tuning := c.Tuning()
	assert.Equal(t, c.CacheMarginFactor, tuning.CacheFactor)
	assert.Equal(t, c.VMMinMemBytes, tuning.MinPrefmem)
	assert.Equal(t, c.Dom0MemBoostBytes, tuning.Dom0MemBoost)

	constants := c.Constants()
	assert.Equal(t, "/tmp/hint", constants.HintFilePath)
	assert.Equal(t, "/tmp/override", constants.OverrideFilePath)
	assert.Equal(t, uint64(50*1024*1024), constants.XenFreeReserveBytes)
}
