package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckAndSetDefaultsFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	cfg.CheckAndSetDefaults()

	require.Equal(t, defaultBindAddress, cfg.BindAddress)
	require.Equal(t, defaultBindPort, cfg.BindPort)
	require.Equal(t, defaultMaxConnections, cfg.MaxConnections)
	require.Equal(t, defaultMaxCommandLength, cfg.MaxCommandLength)
	require.Equal(t, defaultTargetSSHPort, cfg.TargetSSHPort)
	require.Equal(t, defaultLogDir, cfg.LogDir)
}

func TestCheckAndSetDefaultsPreservesExplicitValues(t *testing.T) {
	cfg := &Config{
		BindAddress:      "127.0.0.1",
		BindPort:         2222,
		MaxConnections:   5,
		MaxCommandLength: 256,
		TargetSSHPort:    2022,
		LogDir:           "/var/log/bastion",
	}
	cfg.CheckAndSetDefaults()

	require.Equal(t, "127.0.0.1", cfg.BindAddress)
	require.Equal(t, 2222, cfg.BindPort)
	require.Equal(t, 5, cfg.MaxConnections)
	require.Equal(t, 256, cfg.MaxCommandLength)
	require.Equal(t, 2022, cfg.TargetSSHPort)
	require.Equal(t, "/var/log/bastion", cfg.LogDir)
}
