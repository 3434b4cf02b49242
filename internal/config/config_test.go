package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfigFile(t, "app_name: test\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1000, cfg.Bus.MaxConcurrent)
	assert.Equal(t, 10_000, cfg.Bus.DeadLetter.Capacity)
	assert.Equal(t, RetryExponential, cfg.Retry.Strategy)
	assert.Equal(t, "LengthPrefixed", cfg.Transport.TCP.FramingProtocol)
	assert.Equal(t, 10, cfg.Pool.Max)
	assert.Equal(t, 1*1024*1024, cfg.Transport.TCP.MaxMessageSize)
}

func TestLoadRespectsExplicitValues(t *testing.T) {
	path := writeConfigFile(t, `
bus:
  max_concurrent: 50
retry:
  strategy: Fixed
pool:
  min: 2
  max: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.Bus.MaxConcurrent)
	assert.Equal(t, RetryFixed, cfg.Retry.Strategy)
	assert.Equal(t, 2, cfg.Pool.Min)
	assert.Equal(t, 5, cfg.Pool.Max)
}

func TestLoadRejectsUnknownRetryStrategy(t *testing.T) {
	path := writeConfigFile(t, "retry:\n  strategy: Nonsense\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsPoolMinGreaterThanMax(t *testing.T) {
	path := writeConfigFile(t, "pool:\n  min: 10\n  max: 5\n")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsEnabledRouteWithoutUpstreams(t *testing.T) {
	path := writeConfigFile(t, `
gateway:
  routes:
    - name: broken
      path: /broken
      enabled: true
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}
