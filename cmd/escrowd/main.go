package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"invoicechain/config"
	"invoicechain/core"
	"invoicechain/gateway"
	"invoicechain/gateway/middleware"
	"invoicechain/observability/logging"
	"invoicechain/rpc"
	"invoicechain/storage"
)

func parseAddress(s string) ([20]byte, error) {
	var addr [20]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil || len(raw) != 20 {
		return addr, fmt.Errorf("invalid address %q", s)
	}
	copy(addr[:], raw)
	return addr, nil
}

// defaultAddress derives a stable placeholder address from a label for local
// setups that do not configure one.
func defaultAddress(label string) [20]byte {
	var addr [20]byte
	copy(addr[:], label)
	return addr
}

func main() {
	configPath := flag.String("config", "./config.toml", "path to the TOML configuration file")
	adminFlag := flag.String("admin", "", "address granted factory-admin and minter roles at startup")
	env := flag.String("env", "local", "deployment environment label")
	flag.Parse()

	logger := logging.Setup("escrowd", *env)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	factoryAddr := defaultAddress("escrow-factory")
	if strings.TrimSpace(cfg.FactoryAddress) != "" {
		if factoryAddr, err = parseAddress(cfg.FactoryAddress); err != nil {
			logger.Error("invalid FactoryAddress", "error", err)
			os.Exit(1)
		}
	}
	bundlerAddr := defaultAddress("escrow-bundler")
	if strings.TrimSpace(cfg.BundlerAddress) != "" {
		if bundlerAddr, err = parseAddress(cfg.BundlerAddress); err != nil {
			logger.Error("invalid BundlerAddress", "error", err)
			os.Exit(1)
		}
	}
	var treasury [20]byte
	if strings.TrimSpace(cfg.Treasury) != "" {
		if treasury, err = parseAddress(cfg.Treasury); err != nil {
			logger.Error("invalid Treasury", "error", err)
			os.Exit(1)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Error("failed to create data dir", "error", err)
		os.Exit(1)
	}
	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("failed to open ledger database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	node, err := core.NewNode(db, core.Config{
		FactoryAddress: factoryAddr,
		BundlerAddress: bundlerAddr,
		NativeSymbol:   cfg.NativeSymbol,
		WrappedSymbol:  cfg.WrappedSymbol,
		FeeBps:         cfg.FeeBps,
		Treasury:       treasury,
	})
	if err != nil {
		logger.Error("failed to construct node", "error", err)
		os.Exit(1)
	}

	if strings.TrimSpace(*adminFlag) != "" {
		admin, err := parseAddress(*adminFlag)
		if err != nil {
			logger.Error("invalid admin address", "error", err)
			os.Exit(1)
		}
		for _, role := range []string{"ROLE_FACTORY_ADMIN", core.RoleMinter} {
			if err := node.GrantRole(role, admin); err != nil {
				logger.Error("failed to grant role", "role", role, "error", err)
				os.Exit(1)
			}
		}
		logger.Info("granted bootstrap roles", "address", *adminFlag)
	}

	store, err := gateway.OpenIdempotencyStore(cfg.Gateway.StorePath)
	if err != nil {
		logger.Error("failed to open idempotency store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	jwtSecret := cfg.JWTSecret()
	gw := gateway.New(gateway.Config{
		Node: node,
		Auth: middleware.AuthConfig{
			Enabled:    jwtSecret != "",
			HMACSecret: jwtSecret,
			Issuer:     cfg.Gateway.Issuer,
		},
		Store:  store,
		Logger: logger,
	})

	errCh := make(chan error, 2)
	go func() {
		logger.Info("starting gateway", "address", cfg.GatewayAddress)
		errCh <- gw.Serve(cfg.GatewayAddress)
	}()
	go func() {
		logger.Info("starting JSON-RPC server", "address", cfg.RPCAddress, "network", cfg.NetworkName)
		errCh <- rpc.NewServer(node, cfg.RPCAuthToken()).Start(cfg.RPCAddress)
	}()

	if err := <-errCh; err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}
