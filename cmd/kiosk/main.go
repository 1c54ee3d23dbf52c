package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cashpoint/internal/agent"
	"cashpoint/internal/config"
	"cashpoint/internal/hmacauth"
	"cashpoint/internal/logging"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	logger, err := logging.NewLoggerFromEnv()
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadAgent()
	if err != nil {
		logger.Fatal("config error", zap.Error(err))
	}

	dispenser := agent.NewSimulatedDispenser(cfg.InitialInventory, cfg.DispenseFailRate, 2*time.Second)
	coord := agent.NewHTTPCoordinator(cfg.CoordinatorURL, cfg.HMACSecret)
	a := agent.New(agent.Config{
		KioskID:           cfg.KioskID,
		MaxPINAttempts:    cfg.MaxPINAttempts,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, coord, dispenser, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler(&hmacauth.Verifier{Secret: cfg.HMACSecret}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("kiosk agent listening", zap.String("addr", cfg.ListenAddr), zap.String("kiosk_id", cfg.KioskID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return a.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("kiosk agent stopped", zap.Error(err))
	}
}
