package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/gregtusar/rebalancer/api"
	"github.com/gregtusar/rebalancer/internal/config"
	"github.com/gregtusar/rebalancer/internal/metrics"
	"github.com/gregtusar/rebalancer/pkg/ledger"
	"github.com/gregtusar/rebalancer/pkg/optimize"
	"github.com/gregtusar/rebalancer/pkg/trader"
)

var (
	cfgFile string
	logger  *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rebalancer",
		Short: "Leveraged perp position rebalancer",
		Long:  `Searches for profitable open and close amounts against the arbitrage contract and keeps leverage and funding exposure inside configured limits`,
		Run:   runRebalancer,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "account",
		Short: "Read and log the account state once",
		Run:   runAccount,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// setup loads .env and config and builds the logger and gateway.
func setup(ctx context.Context) (*config.Config, *config.Resolved, *ledger.ContractGateway) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.WithError(err).Warn("Failed to load .env file")
	}

	cfg, err := config.Load(cfgFile, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	configureLogger(cfg.Logging)

	resolved, err := cfg.Resolve()
	if err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	client, err := ledger.Dial(ctx, ledger.DialConfig{
		URL:              cfg.RPC.URL,
		JWTSecret:        cfg.RPC.JWTSecret,
		HandshakeTimeout: cfg.RPC.HandshakeTimeout,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to RPC")
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RPC.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RPC.RequestsPerSecond), max(cfg.RPC.Burst, 1))
	}

	gateway, err := ledger.NewContractGateway(ctx, client, client.RPC, ledger.GatewayConfig{
		Contract:         resolved.Contract,
		PrivateKey:       resolved.PrivateKey,
		GasLimit:         cfg.Execution.GasLimit,
		GasPrice:         resolved.GasPrice,
		CallTimeout:      cfg.Execution.CallTimeout,
		ExecutionTimeout: cfg.Execution.Timeout,
		Limiter:          limiter,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create ledger gateway")
	}
	return cfg, resolved, gateway
}

func configureLogger(cfg config.LoggingConfig) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Error("Failed to open log file, logging to stdout only")
			return
		}
		logger.SetOutput(io.MultiWriter(os.Stdout, f))
	}
}

func runRebalancer(cmd *cobra.Command, args []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, resolved, gateway := setup(ctx)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	policy, err := trader.NewPolicy(gateway, optimize.NewBounded(), resolved.Limits, gateway.Signer(), logger, m)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create policy")
	}

	rebalancer := trader.NewRebalancer(policy, gateway, gateway.Signer(), trader.LoopConfig{
		CycleInterval:  cfg.Loop.CycleInterval,
		ReportInterval: cfg.Loop.ReportInterval,
	}, logger, m)

	if err := rebalancer.Preflight(ctx); err != nil {
		logger.WithError(err).Fatal("Preflight failed")
	}

	if cfg.Server.Port > 0 {
		apiServer := api.NewServer(rebalancer, registry, logger, cfg.Server.Port, 10*cfg.Loop.CycleInterval)
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.WithError(err).Error("API server stopped")
			}
		}()
	}

	logger.Info("Rebalancer is running. Press Ctrl+C to stop.")
	if err := rebalancer.Run(ctx); err != nil && ctx.Err() == nil {
		logger.WithError(err).Fatal("Rebalancer stopped")
	}
	logger.Info("Rebalancer stopped")
}

func runAccount(cmd *cobra.Command, args []string) {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	_, _, gateway := setup(ctx)
	snap, err := gateway.ReadAccount(ctx, gateway.Signer())
	if err != nil {
		logger.WithError(err).Fatal("Failed to read account")
	}
	trader.LogAccount(logger.WithField("caller", gateway.Signer().Hex()), snap)
}
