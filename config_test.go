package rudp

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg := NewConfig()
	assert.Equal(t, "0.0.0.0", cfg.Host)
	assert.Equal(t, 1400, cfg.MTU)
	assert.Equal(t, 65535, cfg.InitialWindow)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestNewConfigAppliesOptions(t *testing.T) {
	cfg := NewConfig(
		WithHost("10.0.0.5"),
		WithPort(9001),
		WithMTU(576),
		WithMaxRetries(3),
		WithRTOBounds(500*time.Millisecond, 30*time.Second),
	)
	assert.Equal(t, "10.0.0.5", cfg.Host)
	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 576, cfg.MTU)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.MinRTO)
	assert.Equal(t, 30*time.Second, cfg.MaxRTO)
}

func TestLoadConfigFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rudp.yaml")
	contents := "host: 192.168.1.10\nport: 4000\nmtu: 800\nmax_retries: 9\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10", cfg.Host)
	assert.Equal(t, 4000, cfg.Port)
	assert.Equal(t, 800, cfg.MTU)
	assert.Equal(t, 9, cfg.MaxRetries)
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, defaultConfig().MTU, cfg.MTU)
	assert.Equal(t, defaultConfig().PingInterval, cfg.PingInterval)
}

func TestLoadConfigRejectsMTUSmallerThanHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mtu: 10\n"), 0o600))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}
