package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"

	"github.com/muco-project/muco-relay/internal/api"
	"github.com/muco-project/muco-relay/internal/cli"
	"github.com/muco-project/muco-relay/internal/config"
	"github.com/muco-project/muco-relay/internal/db"
	"github.com/muco-project/muco-relay/internal/events"
	"github.com/muco-project/muco-relay/internal/health"
	"github.com/muco-project/muco-relay/internal/notify"
	"github.com/muco-project/muco-relay/internal/relay"
	"github.com/muco-project/muco-relay/internal/replication"
	"github.com/muco-project/muco-relay/internal/scheduler"
	"github.com/muco-project/muco-relay/internal/telemetry"
	"github.com/muco-project/muco-relay/internal/util"
)

type runOptions struct {
	configDir string
	setup     bool
	port      int
}

func run(parent context.Context, opts runOptions) error {
	fmt.Printf(banner, util.Version)
	fmt.Println()

	// Initialize logger with defaults first (will be reconfigured after config load)
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting muco-relay")

	cfg, err := config.Load(opts.configDir)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	app := cfg.GetApplicationData()
	logCfg := util.LogConfig{
		Level:      app.Logging.Level,
		Directory:  app.Logging.Directory,
		MaxSizeMB:  app.Logging.MaxSizeMB,
		MaxBackups: app.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if opts.setup {
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			return fmt.Errorf("setup wizard failed: %w", err)
		}
	}
	if opts.port != 0 {
		relayCfg := cfg.GetRelayData()
		relayCfg.Port = opts.port
		cfg.SetRelayData(relayCfg)
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app = cfg.GetApplicationData()
	relayCfg := cfg.GetRelayData()
	eventBus := events.NewEventBus()

	// Metrics
	var (
		observer relay.Observer
		gatherer prometheus.Gatherer
	)
	if app.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := telemetry.NewMetrics(registry)
		metrics.Subscribe(eventBus)
		observer = metrics
		gatherer = registry
	}

	transport, err := replication.NewTransport(relayCfg)
	if err != nil {
		return err
	}
	mgr := replication.NewManager(cfg, eventBus, transport, observer)

	// Session journal
	var journal *db.Journal
	if app.Journal.Enabled {
		journal, err = db.NewJournal(app.Journal.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session journal, journaling disabled")
			journal = nil
		} else {
			journal.Subscribe(eventBus)
			defer journal.Close()
		}
	}

	if app.Notify.WebhookURL != "" {
		notify.NewNotifier(cfg).Subscribe(eventBus)
	}

	var mqttHandler *telemetry.MQTTHandler
	if app.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus, func() interface{} { return mgr.Stats() })
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
			mqttHandler = nil
		}
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Relay loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := mgr.Run(ctx); err != nil {
			errCh <- fmt.Errorf("relay: %w", err)
		}
	}()

	var healthMgr *health.Manager
	if app.Health.Enabled {
		healthMgr = health.NewManager(cfg, eventBus, mgr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthMgr.Start(ctx)
		}()
	}

	if app.API.Enabled {
		apiServer := api.NewServer(cfg, mgr)
		apiServer.SetDependencies(journal, gatherer)
		if healthMgr != nil {
			apiServer.SetHealth(healthMgr)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", app.API.Port).Msg("starting REST API server")
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil {
				log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
			}
		}()
	}

	// Daily maintenance (journal pruning, log cleanup, stats)
	var pruner scheduler.Pruner
	if journal != nil {
		pruner = journal
	}
	sched := scheduler.NewScheduler(cfg, pruner, mgr.Stats)
	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	if mqttHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Msg("starting MQTT telemetry")
			if err := mqttHandler.Start(ctx); err != nil {
				log.Warn().Err(err).Msg("MQTT telemetry failed")
			}
		}()
	}

	// The console blocks on stdin, so it is not waited for on shutdown.
	if app.Console.Enabled {
		console := cli.NewCLI(cfg, mgr, os.Stdin, os.Stdout, cancel)
		go console.Start(ctx)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
		cancel()
	}

	log.Info().Msg("initiating graceful shutdown...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	// Stop the event bus last so the journal sees relay_stopped
	eventBus.Stop()

	log.Info().Msg("muco-relay stopped")
	return nil
}

// startWithRetry attempts to start a server with retry on bind errors.
// Returns nil on success, or the last error after all retries fail.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
