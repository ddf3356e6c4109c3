package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Defaults()

	assert.Equal(t, 0.7, s.MinMappingConfidence)
	assert.Equal(t, int64(2000), s.DefaultLatencyMs)
	assert.Equal(t, 50.0, s.SlippageBpsBuffer)
	assert.Equal(t, 70.0, s.FeeBps)
	assert.Equal(t, 0.5, s.MaxQtyScale)
	assert.Equal(t, 0.25, s.MaxDrawdownPct)
	assert.Equal(t, 5, s.ConsecutiveLossLimit)
	assert.Equal(t, []int64{2000, 5000, 10000}, s.SweepLatenciesMs)
	assert.False(t, s.LiveEnabled)
	require.NoError(t, s.Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mirror.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
min_mapping_confidence: 0.8
default_latency_ms: 5000
wallets: [0xaaa, 0xbbb]
`), 0o600))

	t.Setenv("DEFAULT_LATENCY_MS", "10000")

	s, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, 0.8, s.MinMappingConfidence)
	assert.Equal(t, int64(10000), s.DefaultLatencyMs, "env overrides yaml")
	assert.Equal(t, []string{"0xaaa", "0xbbb"}, s.Wallets)
	assert.Equal(t, 10*time.Second, s.DefaultLatency())
}

func TestLoad_EnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("MIRROR_WALLETS=0x1, 0x2\nLIVE_ENABLED=true\n"), 0o600))

	// Clear after test since godotenv writes to the process environment.
	t.Setenv("MIRROR_WALLETS", "")
	t.Setenv("LIVE_ENABLED", "")
	os.Unsetenv("MIRROR_WALLETS")
	os.Unsetenv("LIVE_ENABLED")

	s, err := Load("", envFile)
	require.NoError(t, err)

	assert.Equal(t, []string{"0x1", "0x2"}, s.Wallets)
	assert.True(t, s.LiveEnabled)
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoad_InvalidEnv(t *testing.T) {
	t.Setenv("MAX_QTY_SCALE", "lots")

	_, err := Load("", "")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	s := Defaults()
	s.MaxQtyScale = 1.5
	assert.Error(t, s.Validate())

	s = Defaults()
	s.MinMappingConfidence = -0.1
	assert.Error(t, s.Validate())
}
