package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "shipment-batch-engine/internal/api"
	"shipment-batch-engine/internal/app"
	"shipment-batch-engine/internal/audit"
	"shipment-batch-engine/internal/config"
	"shipment-batch-engine/internal/logging"
	"shipment-batch-engine/internal/ratelimit"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	rt, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("build app", zap.Error(err))
	}
	defer rt.Close()

	resumed, err := rt.Engine.Recover(ctx)
	if err != nil {
		logger.Error("recover jobs", zap.Error(err))
	}
	if len(resumed) > 0 {
		logger.Info("resumed jobs", zap.Strings("job_ids", resumed))
	}
	// jobs still leased by a dead process come back once their lease expires
	go rt.Engine.RecoverEvery(ctx, cfg.RecoverInterval)

	var limiter *ratelimit.TokenBucket
	if rt.Redis != nil {
		limiter = ratelimit.NewTokenBucket(rt.Redis, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}
	exporter, err := audit.NewExporter(ctx, cfg, rt.Store)
	if err != nil {
		logger.Fatal("audit exporter", zap.Error(err))
	}

	server := api.New(cfg, rt.Engine, rt.Sources, limiter, exporter, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("port", cfg.HTTPPort), zap.String("instance", rt.Engine.Owner()))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := rt.Engine.Shutdown(shutdownCtx); err != nil {
		logger.Warn("engine shutdown", zap.Error(err))
	}
	logger.Info("api stopped")
}
