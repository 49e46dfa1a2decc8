package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config is the daemon's TOML configuration. Missing fields fall back to
// local-development defaults; a missing file is created with them.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	GatewayAddress string `toml:"GatewayAddress"`
	DataDir        string `toml:"DataDir"`
	NetworkName    string `toml:"NetworkName"`

	NativeSymbol  string `toml:"NativeSymbol"`
	WrappedSymbol string `toml:"WrappedSymbol"`

	FeeBps   uint32 `toml:"FeeBps"`
	Treasury string `toml:"Treasury"`

	FactoryAddress string `toml:"FactoryAddress"`
	BundlerAddress string `toml:"BundlerAddress"`

	// RPCAuthTokenEnv names the environment variable holding the bearer
	// token required on mutating RPC methods. An empty resolved token
	// disables auth (local development only).
	RPCAuthTokenEnv string `toml:"RPCAuthTokenEnv"`

	Gateway GatewayConfig `toml:"Gateway"`
}

// GatewayConfig configures the merchant REST facade.
type GatewayConfig struct {
	JWTSecretEnv string `toml:"JWTSecretEnv"`
	Issuer       string `toml:"Issuer"`
	StorePath    string `toml:"StorePath"`
}

const maxFeeBps = 1000

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults(path string) {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = "127.0.0.1:8645"
	}
	if strings.TrimSpace(cfg.GatewayAddress) == "" {
		cfg.GatewayAddress = "127.0.0.1:8646"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = filepath.Join(filepath.Dir(path), "data")
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "escrow-local"
	}
	if strings.TrimSpace(cfg.NativeSymbol) == "" {
		cfg.NativeSymbol = "NATIVE"
	}
	if strings.TrimSpace(cfg.WrappedSymbol) == "" {
		cfg.WrappedSymbol = "WNATIVE"
	}
	if strings.TrimSpace(cfg.RPCAuthTokenEnv) == "" {
		cfg.RPCAuthTokenEnv = "ESCROW_RPC_TOKEN"
	}
	if strings.TrimSpace(cfg.Gateway.JWTSecretEnv) == "" {
		cfg.Gateway.JWTSecretEnv = "ESCROW_GATEWAY_SECRET"
	}
	if strings.TrimSpace(cfg.Gateway.Issuer) == "" {
		cfg.Gateway.Issuer = "escrow-gateway"
	}
	if strings.TrimSpace(cfg.Gateway.StorePath) == "" {
		cfg.Gateway.StorePath = filepath.Join(cfg.DataDir, "gateway.db")
	}
}

// Validate rejects configurations the node would refuse at runtime.
func (cfg *Config) Validate() error {
	if cfg.FeeBps > maxFeeBps {
		return fmt.Errorf("config: FeeBps %d exceeds %d", cfg.FeeBps, maxFeeBps)
	}
	if cfg.FeeBps > 0 && strings.TrimSpace(cfg.Treasury) == "" {
		return fmt.Errorf("config: Treasury required when FeeBps is set")
	}
	if strings.EqualFold(strings.TrimSpace(cfg.NativeSymbol), strings.TrimSpace(cfg.WrappedSymbol)) {
		return fmt.Errorf("config: NativeSymbol and WrappedSymbol must differ")
	}
	return nil
}

// RPCAuthToken resolves the bearer token from the configured environment
// variable.
func (cfg *Config) RPCAuthToken() string {
	return strings.TrimSpace(os.Getenv(cfg.RPCAuthTokenEnv))
}

// JWTSecret resolves the gateway signing secret from the configured
// environment variable.
func (cfg *Config) JWTSecret() string {
	return strings.TrimSpace(os.Getenv(cfg.Gateway.JWTSecretEnv))
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults(path)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
