package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cashpoint/internal/config"
	"cashpoint/internal/coordinator"
	"cashpoint/internal/identity"
	"cashpoint/internal/kiosk"
	"cashpoint/internal/ledger"
	"cashpoint/internal/logging"
	"cashpoint/internal/metrics"
	"cashpoint/internal/monitor"
	"cashpoint/internal/paynet"
	"cashpoint/internal/pin"
	"cashpoint/internal/server"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	var store ledger.Store = ledger.NewMemoryStore()
	if cfg.Database.DSN != "" {
		pg, err := ledger.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Fatal("ledger store error", zap.Error(err))
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("DATABASE_URL not set, ledger is in memory")
	}

	var health kiosk.HealthStore = kiosk.NewMemoryHealthStore()
	var cache interface{}
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		defer client.Close()
		rs := kiosk.NewRedisHealthStore(client)
		if err := rs.Ping(ctx); err != nil {
			logger.Fatal("redis error", zap.Error(err))
		}
		health = rs
		cache = rs
	}

	var network paynet.Network = paynet.NewFakeNetwork()
	if cfg.Chain.RPCURL != "" {
		eth, err := paynet.NewEthNetwork(ctx, paynet.EthNetworkConfig{
			RPCURL:          cfg.Chain.RPCURL,
			TreasuryAddress: cfg.Chain.TreasuryAddress,
			Confirmations:   cfg.Chain.Confirmations,
		})
		if err != nil {
			logger.Fatal("payment network error", zap.Error(err))
		}
		defer eth.Close()
		network = eth
	} else {
		logger.Warn("CHAIN_RPC_URL not set, payments settle only through callbacks")
	}

	verifier := identity.FromConfig(cfg.Identity.VerifierURL, cfg.Identity.Action, logger)

	registry := kiosk.NewRegistry(health, cfg.Policy.LivenessWindow, logger, reg)
	dispatcher := kiosk.NewHTTPDispatcher(kiosk.HTTPDispatcherConfig{
		Endpoints: cfg.Kiosks,
		Secret:    cfg.Secrets.KioskHMACSecret,
	}, logger, reg)

	// the monitor and coordinator refer to each other
	var coord *coordinator.Coordinator
	mon := monitor.New(network, func(ctx context.Context, ev monitor.Event) {
		coord.HandlePaymentEvent(ctx, ev)
	}, monitor.Config{
		PollInterval:      cfg.Monitor.PollInterval,
		InitialBackoff:    cfg.Monitor.InitialBackoff,
		MaxBackoff:        cfg.Monitor.MaxBackoff,
		BackoffMultiplier: cfg.Monitor.BackoffMultiplier,
		MaxOutage:         cfg.Monitor.MaxOutage,
	}, logger, reg)

	coord = coordinator.New(coordinator.Deps{
		Store:      store,
		Kiosks:     registry,
		Dispatcher: dispatcher,
		PINs:       pin.NewAuthority(cfg.Policy.PINWindow, cfg.Policy.PINDigits),
		Verifier:   verifier,
		Watcher:    mon,
		Logger:     logger,
		Metrics:    reg,
	}, coordinator.Policy{
		PaymentWindow:             cfg.Policy.PaymentWindow,
		MaxAuthorizationWait:      cfg.Policy.MaxAuthorizationWait,
		SweepInterval:             cfg.Policy.SweepInterval,
		Denomination:              cfg.Policy.Denomination,
		MaxAmount:                 cfg.Policy.MaxAmount,
		InitialGrant:              cfg.Policy.InitialGrant,
		DeliveryAttempts:          cfg.Retry.MaxAttempts,
		DeliveryInitialBackoff:    cfg.Retry.InitialBackoff,
		DeliveryMaxBackoff:        cfg.Retry.MaxBackoff,
		DeliveryBackoffMultiplier: cfg.Retry.BackoffMultiplier,
	})

	report, err := coord.Recover(ctx)
	if err != nil {
		logger.Fatal("recovery failed", zap.Error(err))
	}
	logger.Info("recovered state",
		zap.Int("rewatched", report.Rewatched),
		zap.Int("reconciled", report.Reconciled),
	)

	apiServer := server.NewServer(cfg, server.Deps{
		Coordinator: coord,
		Logger:      logger,
		Metrics:     reg,
		Store:       store,
		Network:     network,
		Cache:       cache,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := apiServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return coord.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return apiServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped", zap.Error(err))
	}
	mon.Close()
	coord.Wait()
	logger.Info("shutdown complete")
}
