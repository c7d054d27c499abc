package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairline/internal/core/services"
	"pairline/internal/infrastructure/distributed"
	httphandlers "pairline/internal/handlers/http"
	"pairline/internal/infrastructure/middleware"
	"pairline/internal/infrastructure/monitoring"
	"pairline/internal/infrastructure/repositories"
	signalinfra "pairline/internal/infrastructure/signal"
	"pairline/pkg/config"
	"pairline/pkg/logger"
	"pairline/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var configPaths = []string{
	"configs/pairline.yaml",
	"./configs/pairline.yaml",
	"/etc/pairline/pairline.yaml",
	"pairline.yaml",
}

// loadConfig uses the first config file that exists, or defaults.
func loadConfig() (*config.Config, string, error) {
	if path := os.Getenv("PAIRLINE_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			cfg, err := config.Load(path)
			return cfg, path, err
		}
	}
	cfg, err := config.Load("")
	return cfg, "", err
}

func main() {
	cfg, path, err := loadConfig()
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err != nil {
		log.Warnw("config rejected, using defaults", "path", path, "error", err)
	} else {
		log.Infow("config loaded", "path", path)
	}

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
		tp, _ = tracing.Init(tracing.Config{})
	}

	repoFactory := repositories.NewRepositoryFactory(cfg, log)
	peerRepo := repoFactory.CreatePeerRepository()
	directory := services.NewDirectoryService(peerRepo, log)

	relayMetrics := monitoring.NewRelayCollector(prometheus.DefaultRegisterer)
	wsServer := signalinfra.NewWebSocketServer(directory, relayMetrics, signalinfra.ServerConfigFrom(cfg), log)

	// Relays sharing a Redis directory hand each other signals for peers
	// connected elsewhere.
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	if client := repoFactory.RedisClient(); client != nil {
		bus := distributed.NewSignalBus(client, uuid.NewString(), log)
		defer bus.Close()
		wsServer.EnableForwarding(bgCtx, bus)
		log.Infow("cross-instance signal forwarding enabled", "instance_id", bus.InstanceID())
	}

	checker := monitoring.NewHealthChecker()
	checker.AddRepositoryCheck(peerRepo, 30*time.Second, 2*time.Second)
	if repoFactory.UsingRedis() {
		checker.AddBackendCheck("redis", repoFactory, 30*time.Second, 2*time.Second)
	}
	checker.StartBackgroundChecks(bgCtx)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware(logger.NewContextLogger(zapLogger)),
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	router.GET("/ws", middleware.NewWebSocketConnectLimiter(cfg), gin.WrapF(wsServer.HandleWebSocket))
	httphandlers.NewDirectoryHandler(directory).SetupRoutes(router)
	httphandlers.NewHealthHandler(checker).SetupRoutes(router)

	if cfg.Monitoring.PrometheusEnabled {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	// WriteTimeout stays unset: it would cut long-lived websocket connections.
	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting pairline relay",
			"address", cfg.Server.Address,
			"redis", repoFactory.UsingRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// Hijacked websocket connections are not tracked by srv.Shutdown.
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("relay connections not closed cleanly", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	} else {
		log.Info("server shutdown gracefully")
	}

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("tracer shutdown", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("pairline relay stopped")
}
