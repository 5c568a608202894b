package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SkynetNext/piecebuf/internal/config"
	"github.com/SkynetNext/piecebuf/internal/logger"
	"github.com/SkynetNext/piecebuf/internal/metrics"
	"github.com/SkynetNext/piecebuf/internal/piecebuffer"
	"github.com/SkynetNext/piecebuf/internal/receiver"
	"github.com/SkynetNext/piecebuf/internal/store"
	"github.com/SkynetNext/piecebuf/internal/tracing"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var configPath string
	var watchInterval time.Duration
	flag.StringVar(&configPath, "config", "config/config.yaml", "Configuration file path")
	flag.DurationVar(&watchInterval, "watch-interval", 10*time.Second, "Configuration file poll interval (0 disables polling; SIGHUP still reloads)")
	flag.Parse()

	// Initialize logger (read from environment variable or use default)
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	if err := logger.Init(logLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.L.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize tracing (optional, if Jaeger endpoint is provided)
	tracingCfg := cfg.Tracing
	if env := os.Getenv("JAEGER_ENDPOINT"); env != "" {
		tracingCfg.JaegerEndpoint = env
	}
	if tracingCfg.JaegerEndpoint != "" {
		if err := tracing.Init("piecebufd", version, tracingCfg); err != nil {
			logger.L.Warn("Failed to initialize tracing", zap.Error(err))
		} else {
			logger.L.Info("Tracing initialized",
				zap.String("endpoint", tracingCfg.JaegerEndpoint),
				zap.Float64("sample_ratio", tracingCfg.SampleRatio),
			)
		}
	}

	// The one buffer pool shared by every connection
	pool := piecebuffer.NewPool(
		piecebuffer.WithInitialCapacity(cfg.Buffer.InitialCapacity),
		piecebuffer.WithPrewarm(cfg.Buffer.Prewarm),
	)
	prometheus.MustRegister(metrics.NewPoolCollector(pool))

	// Pieces are recorded in Redis when configured, otherwise discarded
	sink := receiver.Discard
	var recorder *store.Recorder
	if cfg.Redis.Addr != "" {
		recorder = store.NewRecorder(&cfg.Redis, &cfg.Store)
		pingCtx, pingCancel := context.WithTimeout(context.Background(), cfg.Redis.DialTimeout)
		if err := recorder.Ping(pingCtx); err != nil {
			logger.L.Warn("Redis not reachable at startup, pieces will be rejected until it is",
				zap.String("addr", cfg.Redis.Addr),
				zap.Error(err),
			)
		}
		pingCancel()
		sink = recorder
	}

	srv := receiver.New(cfg, pool, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.L.Fatal("Failed to start receiver", zap.Error(err))
	}

	onReloadError := func(err error) {
		metrics.ConfigReloadErrors.Inc()
		logger.L.Warn("Configuration reload failed", zap.Error(err))
	}
	reloader := config.NewHotReloadManager(cfg, srv.UpdateConfig, onReloadError)
	if watchInterval > 0 {
		go func() {
			if err := reloader.WatchConfigFile(ctx, configPath, watchInterval); err != nil && ctx.Err() == nil {
				logger.L.Error("Configuration watcher stopped", zap.Error(err))
			}
		}()
	}

	logger.L.Info("piecebufd started successfully",
		zap.String("version", version),
		zap.String("build_time", buildTime),
		zap.String("git_commit", gitCommit),
		zap.String("listen_addr", cfg.Server.ListenAddr),
		zap.Int("initial_capacity", cfg.Buffer.InitialCapacity),
		zap.Int("prewarm", cfg.Buffer.Prewarm),
	)

	// SIGHUP reloads the configuration file; SIGINT and SIGTERM stop the daemon
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		if err := reloader.ReloadFile(configPath); err != nil {
			onReloadError(err)
			continue
		}
		logger.L.Info("Configuration reloaded", zap.String("path", configPath))
	}

	logger.L.Info("Received stop signal, starting graceful shutdown...")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), srv.GetConfig().GracefulShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.L.Error("Error during receiver shutdown", zap.Error(err))
	}

	if recorder != nil {
		if err := recorder.Close(); err != nil {
			logger.L.Warn("Error closing Redis client", zap.Error(err))
		}
	}

	// Shutdown tracing
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.L.Warn("Error during tracing shutdown", zap.Error(err))
	}

	stats := pool.Stats()
	logger.L.Info("piecebufd closed",
		zap.Int("buffers_allocated", stats.Allocated),
		zap.Uint64("acquires", stats.Acquires),
	)
}
