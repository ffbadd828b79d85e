package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var c Config
	c.applyDefaults()
	require.Equal(t, "8000", c.Server.Port)
	require.Equal(t, "target/db", c.Store.Path)
	require.Equal(t, 4096, c.Store.BlobInlineMax)
	require.Equal(t, "eth0", c.Probe.FirewallInterface)
	require.Equal(t, 50, c.Noise.RandomnessWindowMs)
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9001")
	t.Setenv("DB_PATH", "/tmp/db")
	t.Setenv("NOISE_RANDOMNESS_WINDOW_MS", "75")
	t.Setenv("DRY", "1")
	t.Setenv("BPF_ALIAS", "mainnet-10.0.0.5")

	var c Config
	c.applyEnvOverrides()

	require.Equal(t, "9001", c.Server.Port)
	require.Equal(t, "/tmp/db", c.Store.Path)
	require.Equal(t, 75, c.Noise.RandomnessWindowMs)
	require.True(t, c.Dry)
	require.Equal(t, "mainnet", c.Chain())
	require.Equal(t, "10.0.0.5", c.TargetIP())
}

func TestValidateRejectsMismatchedTLSPair(t *testing.T) {
	c := &Config{}
	c.Server.HTTPSKeyPath = "key.pem"
	require.Error(t, c.Validate())

	c.Server.HTTPSCertPath = "cert.pem"
	require.NoError(t, c.Validate())
	require.True(t, c.TLSEnabled())
}

func TestGetSingleton(t *testing.T) {
	Reset()
	t.Cleanup(Reset)
	require.NoError(t, os.Unsetenv("CONFIG_PATH"))

	first := Get()
	second := Get()
	require.Same(t, first, second)
}
