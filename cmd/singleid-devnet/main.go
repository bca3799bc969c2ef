package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"singleid/go-backend/internal/config"
	"singleid/go-backend/internal/devnet"
	"singleid/go-backend/internal/keys"
	"singleid/go-backend/internal/metrics"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to devnet.yaml (optional)")
	transport := flag.String("transport", "", "Relay transport override: go-waku | mock")
	flag.Parse()
	if *showVersion {
		fmt.Printf("singleid-devnet version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if *transport != "" {
		_ = os.Setenv("SINGLEID_NETWORK_TRANSPORT", *transport)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("singleid-devnet: load config: %v", err)
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		log.Fatalf("singleid-devnet: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("singleid-devnet failed", "reason", err.Error())
		os.Exit(1)
	}
	logger.Info("singleid-devnet stopped")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ring, err := openKeyring(cfg.Keys, logger)
	if err != nil {
		return err
	}
	dn, err := devnet.New(ctx, devnet.Options{Config: cfg, Keys: ring, Logger: logger})
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := dn.Close(closeCtx); err != nil {
			logger.Warn("devnet close failed", "reason", err.Error())
		}
	}()

	acc := dn.Accounts()
	for _, id := range dn.Chains() {
		c, _ := dn.Chain(id)
		logger.Info("chain deployed",
			"chain_id", id,
			"issuer", c.Issuer.Address().Hex(),
			"router", c.Router.Address().Hex(),
			"registry", c.Registry.Address().Hex(),
			"lz_eid", c.Config.LzEID,
			"hyperlane_domain", c.Config.HyperlaneDomain,
		)
		if addrs := c.Node.ListenAddresses(); len(addrs) > 0 {
			logger.Info("relay node listening", "chain_id", id, "addrs", addrs)
		}
	}
	logger.Info("accounts", "admin", acc.Admin.Hex(), "operator", acc.Operator.Hex(), "executor", acc.Executor.Hex(), "treasury", acc.Treasury.Hex())

	srv := serveMetrics(cfg.MetricsAddr, logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("singleid-devnet starting", "version", version, "transport", cfg.Network.Transport)
	return dn.Run(ctx)
}

// openKeyring prefers an explicit mnemonic and otherwise opens, or creates,
// the sealed key file.
func openKeyring(cfg config.KeyConfig, logger *slog.Logger) (*keys.Keyring, error) {
	if cfg.Mnemonic != "" {
		return keys.FromMnemonic(cfg.Mnemonic, "")
	}
	if cfg.Password == "" {
		return nil, errors.New("set SINGLEID_KEY_PASSWORD to open the key file, or SINGLEID_MNEMONIC")
	}
	mnemonic, created, err := keys.LoadOrCreateMnemonic(cfg.File, cfg.Password)
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", cfg.File, err)
	}
	if created {
		logger.Info("generated devnet mnemonic", "path", cfg.File)
	}
	return keys.FromMnemonic(mnemonic, "")
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	metrics.RegisterMetrics()
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "addr", addr, "reason", err.Error())
		}
	}()
	return srv
}
