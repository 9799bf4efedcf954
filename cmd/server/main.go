package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lukewestby/redboard/internal/checkpoint"
	"github.com/lukewestby/redboard/internal/circuitbreaker"
	boardcfg "github.com/lukewestby/redboard/internal/config"
	"github.com/lukewestby/redboard/internal/gateway"
	"github.com/lukewestby/redboard/internal/health"
	"github.com/lukewestby/redboard/internal/httpapi"
	"github.com/lukewestby/redboard/internal/objectsession"
	"github.com/lukewestby/redboard/internal/presence"
	"github.com/lukewestby/redboard/internal/registry"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := boardcfg.Load()
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse redis url", zap.Error(err))
	}
	redisClient := redis.NewClient(redisOpts)
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		cancel()
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	cancel()

	rw := circuitbreaker.NewRedisWrapper(redisClient, logger)
	gw := gateway.New(rw, logger)

	cpCfg := checkpoint.Config{
		BatchSize:     cfg.Tunables.CheckpointBatchSize,
		IdleGrace:     cfg.Tunables.CheckpointIdleGrace,
		EmptyPollWait: checkpoint.DefaultConfig().EmptyPollWait,
		MinBackoff:    checkpoint.DefaultConfig().MinBackoff,
		MaxBackoff:    checkpoint.DefaultConfig().MaxBackoff,
	}
	reg := registry.New(gw, cpCfg, logger)

	fanout := presence.NewFanout(gw, cfg.Tunables.PresenceBroadcastCap, logger)

	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	go func() {
		if err := fanout.Run(backgroundCtx); err != nil && err != context.Canceled {
			logger.Error("presence fanout stopped", zap.Error(err))
		}
	}()

	reaper := presence.NewReaper(gw, cfg.Tunables.ReaperInterval, reg.ActiveBoards, logger)
	go func() {
		if err := reaper.Run(backgroundCtx); err != nil && err != context.Canceled {
			logger.Error("presence reaper stopped", zap.Error(err))
		}
	}()

	sessionCfg := objectsession.Config{
		SnapshotChunkSize:      cfg.Tunables.SnapshotChunkSize,
		ReadBlock:              objectsession.DefaultConfig().ReadBlock,
		MinBackoff:             objectsession.DefaultConfig().MinBackoff,
		MaxBackoff:             objectsession.DefaultConfig().MaxBackoff,
		MaxConsecutiveFailures: objectsession.DefaultConfig().MaxConsecutiveFailures,
	}

	supervisor := httpapi.NewSupervisor(gw, reg, fanout, sessionCfg, cfg.Tunables.SessionCheckinTTL, logger)

	healthMgr := health.NewManager(logger)
	if err := healthMgr.RegisterChecker(health.NewRedisHealthChecker(redisClient, rw, logger)); err != nil {
		logger.Fatal("failed to register redis health checker", zap.Error(err))
	}

	registryChecker := health.NewCustomHealthChecker("registry", false, 2*time.Second, func(ctx context.Context) health.CheckResult {
		release, err := reg.Attach(ctx, "__healthcheck__")
		if err != nil {
			return health.CheckResult{
				Status:  health.StatusUnhealthy,
				Message: "board registry did not accept an attach",
				Error:   err.Error(),
			}
		}
		release()
		return health.CheckResult{Status: health.StatusHealthy, Message: "board registry accepting attach/detach"}
	})
	if err := healthMgr.RegisterChecker(registryChecker); err != nil {
		logger.Fatal("failed to register registry health checker", zap.Error(err))
	}

	if err := healthMgr.Start(backgroundCtx); err != nil {
		logger.Fatal("failed to start health manager", zap.Error(err))
	}

	tunablesMgr, err := boardcfg.NewConfigManager(cfg.TunablesDir, logger)
	if err != nil {
		logger.Fatal("failed to create tunables manager", zap.Error(err))
	}
	tunablesMgr.RegisterHandler("tunables.yaml", func(event boardcfg.ChangeEvent) error {
		boardcfg.ApplyTunablesMap(&cfg.Tunables, event.Config)
		logger.Info("tunables reloaded", zap.String("action", event.Action))
		return nil
	})
	if err := tunablesMgr.Start(backgroundCtx); err != nil {
		logger.Warn("tunables manager failed to start, continuing with static config", zap.Error(err))
	}

	mux := http.NewServeMux()
	supervisor.RegisterRoutes(mux)
	health.NewHTTPHandler(healthMgr, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  120 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler: metricsMux,
	}

	go func() {
		logger.Info("boardsync server starting", zap.String("addr", cfg.ListenAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("metrics server starting", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("boardsync server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server forced to shutdown", zap.Error(err))
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("checkpointer registry shutdown incomplete", zap.Error(err))
	}
	_ = healthMgr.Stop()
	_ = tunablesMgr.Stop()
	stopBackground()

	logger.Info("boardsync server stopped")
}
