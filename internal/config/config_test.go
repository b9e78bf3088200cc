package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func validConfig() Config {
	return Config{
		Name:            "worker1",
		Host:            "pool.example.com",
		Port:            3333,
		NumberOfDevices: 4,
		CoresPerDevice:  8,
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsBadCoresPerDevice(t *testing.T) {
	cfg := validConfig()
	cfg.CoresPerDevice = 3
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroDevices(t *testing.T) {
	cfg := validConfig()
	cfg.NumberOfDevices = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMissingName(t *testing.T) {
	cfg := validConfig()
	cfg.Name = ""
	require.Error(t, cfg.Validate())
}

func TestEffectiveTimeoutDefault(t *testing.T) {
	cfg := validConfig()
	got := cfg.EffectiveTimeout()
	require.NotNil(t, got)
	require.Equal(t, DefaultTimeout, *got)
}

func TestEffectiveTimeoutExplicit(t *testing.T) {
	cfg := validConfig()
	cfg.Timeout = 45 * time.Second
	got := cfg.EffectiveTimeout()
	require.NotNil(t, got)
	require.Equal(t, 45*time.Second, *got)
}

func TestEffectiveTimeoutNone(t *testing.T) {
	cfg := validConfig()
	cfg.NoTimeout = true
	require.Nil(t, cfg.EffectiveTimeout())
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("SHAPOOL_HOST", "stratum.example.org")
	t.Setenv("SHAPOOL_PORT", "4444")

	cfg := ApplyEnvOverrides(validConfig())
	require.Equal(t, "stratum.example.org", cfg.Host)
	require.Equal(t, 4444, cfg.Port)
}
