package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/parsascontentcorner/liveringserver/internal/auth"
	"github.com/parsascontentcorner/liveringserver/internal/calls"
	"github.com/parsascontentcorner/liveringserver/internal/config"
	"github.com/parsascontentcorner/liveringserver/internal/database"
	"github.com/parsascontentcorner/liveringserver/internal/events"
	grpcserver "github.com/parsascontentcorner/liveringserver/internal/grpc"
	"github.com/parsascontentcorner/liveringserver/internal/heartbeat"
	httpserver "github.com/parsascontentcorner/liveringserver/internal/http"
	"github.com/parsascontentcorner/liveringserver/internal/presence"
	"github.com/parsascontentcorner/liveringserver/internal/ratelimit"
	"github.com/parsascontentcorner/liveringserver/internal/signaling"
	"github.com/parsascontentcorner/liveringserver/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call server",
	RunE:  runServe,
}

var skipMigrations bool

func init() {
	serveCmd.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "do not apply migrations on startup")
}

func runServe(_ *cobra.Command, _ []string) error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		// Sync errors on stdout/stderr are expected and can be safely ignored
		// for non-syncable file descriptors (pipes, terminals, etc.)
		_ = log.Sync()
	}()

	log.Info("starting LiveRing server",
		zap.String("environment", cfg.Server.Env),
		zap.String("http_port", cfg.Server.HTTPPort),
		zap.String("grpc_port", cfg.Server.GRPCPort),
	)

	// Initialize database connection
	db, err := database.NewDB(&cfg.Database, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("failed to close database connection", zap.Error(err))
		}
	}()

	if !skipMigrations {
		if err := runMigrations(db, cfg.Database.MigrationsPath, log); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	verifier, err := auth.NewVerifier(cfg.Security)
	if err != nil {
		return fmt.Errorf("failed to create identity verifier: %w", err)
	}

	// Ring throttling per visitor
	limiter := ratelimit.NewRateLimiter(cfg.Call.RingRatePerMinute, logger.Component(log, "ratelimit"))
	go sweepLimiter(ctx, limiter)

	machineOpts := []calls.Option{
		calls.WithRingTimeout(cfg.Call.RingTimeout),
		calls.WithRingLimiter(limiter),
	}
	hubOpts := []signaling.HubOption{}

	// Presence is optional; without Redis every agent is ringable
	var refresher heartbeat.PresenceRefresher
	if cfg.Redis.Addr != "" {
		redisClient, err := presence.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer closeRedis(redisClient, log)

		registry := presence.NewRegistry(redisClient, cfg.Redis.PresenceTTL, logger.Component(log, "presence"))
		refresher = registry
		machineOpts = append(machineOpts, calls.WithAvailability(registry))
		hubOpts = append(hubOpts, signaling.WithPresence(registry))
	} else {
		log.Warn("REDIS_ADDR not set, agent presence is not tracked")
	}

	publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.CallEventsTopic, logger.Component(log, "events"))
	defer func() {
		if err := publisher.Close(); err != nil {
			log.Error("failed to close event publisher", zap.Error(err))
		}
	}()
	machineOpts = append(machineOpts, calls.WithObserver(publisher))

	machine := calls.NewMachine(db, logger.Component(log, "calls"), machineOpts...)
	defer machine.Shutdown()
	recovery := calls.NewRecovery(machine, cfg.Call.OrphanMaxAge, logger.Component(log, "recovery"))
	defer recovery.Shutdown()

	recorder := heartbeat.NewRecorder(db, refresher, logger.Component(log, "heartbeat"))
	hub := signaling.NewHub(machine, recovery, recorder,
		heartbeat.Config{Interval: cfg.Call.HeartbeatInterval, StaleThreshold: cfg.Call.StaleThreshold},
		logger.Component(log, "signaling"),
		hubOpts...,
	)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	// Initialize gRPC health server
	grpcServer, err := grpcserver.NewServer(cfg.Server.GRPCPort, logger.Component(log, "grpc"))
	if err != nil {
		return fmt.Errorf("failed to create gRPC server: %w", err)
	}

	// Initialize HTTP server
	handlers := httpserver.NewHandlers(machine, recovery, db, log)
	wsHandler := signaling.NewHandler(hub, verifier, logger.Component(log, "ws"))
	router := httpserver.NewRouter(handlers, verifier, wsHandler, log)
	httpServer := httpserver.NewServer(router, cfg.Server.HTTPPort, log)

	// Start servers in goroutines
	grpcErrChan := make(chan error, 1)
	httpErrChan := make(chan error, 1)

	go func() {
		if err := grpcServer.Serve(); err != nil {
			grpcErrChan <- err
		}
	}()

	go func() {
		if err := httpServer.Serve(); err != nil {
			httpErrChan <- err
		}
	}()

	// Sessions orphaned by the previous process are resolved before the
	// server reports ready.
	report, err := recovery.RecoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("orphan recovery failed: %w", err)
	}
	log.Info("server ready",
		zap.Int("resumable_calls", len(report.Resumable)),
		zap.Int("finalized_calls", len(report.Finalized)),
		zap.Int("missed_calls", len(report.Missed)),
		zap.Int("ringing_calls", len(report.Ringing)),
	)
	handlers.SetReady(true)
	grpcServer.SetServing(true)

	// Wait for shutdown signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var serveErr error
	select {
	case serveErr = <-grpcErrChan:
		log.Error("gRPC server error", zap.Error(serveErr))
	case serveErr = <-httpErrChan:
		log.Error("HTTP server error", zap.Error(serveErr))
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
	}

	// Graceful shutdown
	log.Info("shutting down servers...")
	handlers.SetReady(false)
	grpcServer.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("failed to shutdown HTTP server gracefully", zap.Error(err))
	}

	// Accepted calls keep their tokens; the next process recovers them.
	cancel()
	<-hubDone

	grpcServer.GracefulStop()

	log.Info("servers shut down successfully")
	return serveErr
}

func sweepLimiter(ctx context.Context, limiter *ratelimit.RateLimiter) {
	ticker := time.NewTicker(ratelimit.DefaultIdleTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep(ratelimit.DefaultIdleTTL)
		}
	}
}

func closeRedis(client *redis.Client, log *zap.Logger) {
	if err := client.Close(); err != nil {
		log.Error("failed to close redis client", zap.Error(err))
	}
}
