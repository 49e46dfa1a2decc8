package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "127.0.0.1:8645", cfg.RPCAddress)
	require.Equal(t, "127.0.0.1:8646", cfg.GatewayAddress)
	require.Equal(t, filepath.Join(filepath.Dir(path), "data"), cfg.DataDir)
	require.Equal(t, "escrow-local", cfg.NetworkName)
	require.Equal(t, "NATIVE", cfg.NativeSymbol)
	require.Equal(t, "WNATIVE", cfg.WrappedSymbol)
	require.Equal(t, "ESCROW_RPC_TOKEN", cfg.RPCAuthTokenEnv)
	require.Equal(t, "ESCROW_GATEWAY_SECRET", cfg.Gateway.JWTSecretEnv)
	require.Equal(t, "escrow-gateway", cfg.Gateway.Issuer)
	require.Equal(t, filepath.Join(cfg.DataDir, "gateway.db"), cfg.Gateway.StorePath)
}

func TestLoadKeepsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
RPCAddress = "0.0.0.0:9000"
NetworkName = "escrow-main"
FeeBps = 100
Treasury = "0101010101010101010101010101010101010101"

[Gateway]
Issuer = "custom-issuer"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.RPCAddress)
	require.Equal(t, "escrow-main", cfg.NetworkName)
	require.Equal(t, uint32(100), cfg.FeeBps)
	require.Equal(t, "custom-issuer", cfg.Gateway.Issuer)
	// Untouched fields still default.
	require.Equal(t, "127.0.0.1:8646", cfg.GatewayAddress)
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fresh", "config.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, "127.0.0.1:8645", cfg.RPCAddress)

	// A second load reads the file it just wrote.
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg.RPCAddress, again.RPCAddress)
	require.Equal(t, cfg.NetworkName, again.NetworkName)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name     string
		contents string
	}{
		{"fee over cap", "FeeBps = 1001\nTreasury = \"0101010101010101010101010101010101010101\"\n"},
		{"fee without treasury", "FeeBps = 100\n"},
		{"matching symbols", "NativeSymbol = \"NATIVE\"\nWrappedSymbol = \"native\"\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.contents))
			require.Error(t, err)
		})
	}
}

func TestEnvTokenResolution(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
RPCAuthTokenEnv = "TEST_ESCROW_RPC_TOKEN"

[Gateway]
JWTSecretEnv = "TEST_ESCROW_GATEWAY_SECRET"
`))
	require.NoError(t, err)

	require.Empty(t, cfg.RPCAuthToken())
	t.Setenv("TEST_ESCROW_RPC_TOKEN", "  token-value  ")
	t.Setenv("TEST_ESCROW_GATEWAY_SECRET", "secret-value")
	require.Equal(t, "token-value", cfg.RPCAuthToken())
	require.Equal(t, "secret-value", cfg.JWTSecret())
}
