package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pairline/internal/core/domain"
	"pairline/internal/core/services"
	"pairline/internal/infrastructure/console"
	"pairline/internal/infrastructure/directory"
	"pairline/internal/infrastructure/media"
	"pairline/internal/infrastructure/monitoring"
	"pairline/internal/infrastructure/reliability"
	signalinfra "pairline/internal/infrastructure/signal"
	webrtcinfra "pairline/internal/infrastructure/webrtc"
	"pairline/pkg/config"
	"pairline/pkg/logger"
	"pairline/pkg/tracing"

	"github.com/chzyer/readline"
	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

type options struct {
	configPath  string
	relayURL    string
	logLevel    string
	logFile     string
	facing      string
	metricsAddr string
	autoStart   bool
}

func parseFlags() options {
	var o options
	pflag.StringVarP(&o.configPath, "config", "c", "configs/pairline.yaml", "path to the YAML config")
	pflag.StringVarP(&o.relayURL, "relay", "r", "", "relay websocket URL (overrides config)")
	pflag.StringVar(&o.logLevel, "log-level", "", "log level (overrides config)")
	pflag.StringVar(&o.logFile, "log-file", "pairline.log", "where structured logs are written")
	pflag.StringVar(&o.facing, "facing", "", "preferred camera facing: user or environment")
	pflag.StringVar(&o.metricsAddr, "metrics", "", "serve session metrics on this address (default monitoring.metrics_address)")
	pflag.BoolVarP(&o.autoStart, "start", "s", false, "start searching right away")
	pflag.Parse()
	return o
}

func (o options) apply(cfg *config.Config) {
	if o.relayURL != "" {
		cfg.Signal.RelayURL = o.relayURL
	}
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	if o.facing != "" {
		cfg.Media.PreferredFacing = o.facing
	}
}

func main() {
	opts := parseFlags()

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		color.Red("config: %v", err)
		os.Exit(1)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		color.Red("config: %v", err)
		os.Exit(1)
	}

	zapLogger := logger.NewWithOutput(cfg.Logging.Level, opts.logFile)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	if err := run(cfg, opts, log); err != nil {
		log.Errorw("pairline exited", "error", err)
		color.Red("%v", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, opts options, log *zap.SugaredLogger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName + "-client",
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Warnw("tracing disabled", "error", err)
	} else {
		defer tp.Shutdown(context.Background())
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          color.GreenString("pairline> "),
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "/quit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	renderer := console.NewRenderer(rl.Stdout(), log)
	renderer.SetStatus("connecting")

	factory, err := webrtcinfra.NewPeerFactory(webrtcinfra.FactoryConfigFrom(cfg), log)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 30*time.Second)
	relay, err := signalinfra.Dial(dialCtx, signalinfra.ClientConfigFrom(cfg), factory, log)
	dialCancel()
	if err != nil {
		renderer.SetStatus("relay unreachable")
		return err
	}
	defer relay.Close()

	dirCfg, err := directory.ConfigFrom(cfg)
	if err != nil {
		return err
	}
	peers := reliability.NewDirectoryWrapper(
		directory.NewHTTPDirectory(dirCfg, relay.ID, log),
		reliability.BreakerConfigFrom(cfg),
		log,
	)

	devices := media.NewSyntheticDevices(media.ConfigFrom(cfg), log)
	controller := services.NewMediaController(devices, domain.Facing(cfg.Media.PreferredFacing), log)
	defer controller.Release()

	registry := prometheus.NewRegistry()
	machine := services.NewSessionMachine(matchmakingConfig(cfg), services.SessionDeps{
		Relay:     relay,
		Directory: peers,
		Media:     controller,
		Renderer:  renderer,
		Recorder:  monitoring.NewSessionMetrics(registry),
		Logger:    log,
	})

	metricsAddr := opts.metricsAddr
	if metricsAddr == "" && cfg.Monitoring.PrometheusEnabled {
		metricsAddr = cfg.Monitoring.MetricsAddress
	}
	if metricsAddr != "" {
		go serveMetrics(ctx, metricsAddr, registry, log)
	}

	// Media is acquired up front; a failure leaves the actor idle until
	// the user asks to start again.
	if _, err := controller.Start(ctx); err != nil {
		renderer.SetStatus("camera access denied")
		renderer.Log(err.Error())
	}

	machineDone := make(chan error, 1)
	go func() { machineDone <- machine.Run(ctx) }()

	if opts.autoStart && controller.HasTracks() {
		if err := machine.StartSearch(ctx); err != nil {
			renderer.Log(err.Error())
		}
	}

	host := &host{
		machine:  machine,
		media:    controller,
		renderer: renderer,
		out:      rl.Stdout(),
	}
	// A lost relay only stops new searches; a running session carries on
	// until its media connection ends or the user quits.
	go func() {
		select {
		case <-relay.Done():
			renderer.Log("relay connection lost, /quit to exit")
		case <-ctx.Done():
		}
		<-ctx.Done()
		rl.Close()
	}()

	printHelp(rl.Stdout())
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if len(line) == 0 {
				break
			}
			continue
		}
		if err != nil {
			break
		}
		if quit := host.execute(ctx, line); quit {
			break
		}
	}

	cancel()
	if err := <-machineDone; err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func matchmakingConfig(cfg *config.Config) services.MatchmakingConfig {
	return services.MatchmakingConfig{
		EmptyBackoff:   cfg.Matchmaking.EmptyBackoff,
		NetworkBackoff: cfg.Matchmaking.NetworkBackoff,
		MaxJitter:      cfg.Matchmaking.MaxJitter,
		DialTimeoutMin: cfg.Matchmaking.DialTimeoutMin,
		DialTimeoutMax: cfg.Matchmaking.DialTimeoutMax,
	}
}

func serveMetrics(ctx context.Context, addr string, registry *prometheus.Registry, log *zap.SugaredLogger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Infow("serving session metrics", "address", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Warnw("metrics server failed", "error", err)
	}
}
