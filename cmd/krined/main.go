package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"krine/internal/config"
	"krine/internal/projection"
	"krine/internal/rpcguard"
	"krine/internal/server"
	"krine/internal/txlife"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := newLogger(cfg.Service.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chain, err := connect(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("chain setup failed", zap.Error(err))
	}
	defer chain.close()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		logger.Fatal("idempotency store error", zap.Error(err))
	}
	defer closeStore()

	metrics := server.NewMetrics()
	guard := rpcguard.New("contract-reads",
		rpcguard.WithRate(cfg.Service.RPCRateLimit),
		rpcguard.WithTimeout(cfg.Service.ReadTimeout),
		rpcguard.WithLogger(logger),
		rpcguard.WithFailureHook(metrics.ReadFailure))

	trackerOpts := []txlife.Option{
		txlife.WithLogger(logger),
		txlife.WithConfirmTimeout(cfg.Service.ConfirmTimeout),
	}
	if chain.replayer != nil {
		trackerOpts = append(trackerOpts, txlife.WithReplayer(chain.replayer))
	}
	tracker := txlife.NewTracker(chain.waiter, trackerOpts...)

	proj := projection.New(
		rpcguard.NewNegotiationReader(guard, chain.negotiations),
		chain.source,
		projection.Config{
			Address:      chain.negotiations.Address(),
			FromBlock:    cfg.Chain.FromBlock,
			PollInterval: cfg.Service.PollInterval,
		},
		projection.WithLogger(logger),
		projection.WithEventHook(metrics.ProjectionEvent),
		projection.WithHeadHook(metrics.ProjectionHead),
	)
	go func() {
		if err := proj.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("projection stopped", zap.Error(err))
		}
	}()

	apiServer := server.NewServer(server.Deps{
		Config:       cfg,
		Session:      chain.session,
		Negotiations: chain.negotiations,
		Escrows:      chain.escrows,
		Tracker:      tracker,
		Store:        store,
		Projection:   proj,
		Guard:        guard,
		Balances:     chain.balances,
		Metrics:      metrics,
		Logger:       logger,
		Ping:         chain.ping,
	})

	logger.Info("krined starting",
		zap.Int64("chain_id", cfg.Chain.ChainID),
		zap.Bool("simulated", !cfg.HasRPC()),
		zap.String("account", chain.session.Account().Hex()),
		zap.Bool("can_sign", chain.session.CanSign()),
		zap.String("negotiation", chain.negotiations.Address().Hex()),
		zap.String("escrow", chain.escrows.Address().Hex()),
		zap.String("store", cfg.Store.Kind))

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("server stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	if os.Getenv("LOG_FORMAT") == "console" {
		zcfg.Encoding = "console"
	}
	return zcfg.Build()
}
