// Bastion - authoritative tower-defense session server.
//
// Bastion hosts many concurrent matches on one UDP port, runs each as a
// deterministic fixed-tick simulation, journals every match for replay
// verification and exposes a REST API for session handoff and monitoring.
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

	"github.com/rs/zerolog/log"

	"github.com/bastion-project/bastion/internal/api"
	"github.com/bastion-project/bastion/internal/auth"
	"github.com/bastion-project/bastion/internal/cache"
	"github.com/bastion-project/bastion/internal/cli"
	"github.com/bastion-project/bastion/internal/config"
	"github.com/bastion-project/bastion/internal/connector"
	"github.com/bastion-project/bastion/internal/db"
	"github.com/bastion-project/bastion/internal/events"
	"github.com/bastion-project/bastion/internal/health"
	"github.com/bastion-project/bastion/internal/match"
	"github.com/bastion-project/bastion/internal/network"
	"github.com/bastion-project/bastion/internal/scheduler"
	"github.com/bastion-project/bastion/internal/server"
	"github.com/bastion-project/bastion/internal/telemetry"
	"github.com/bastion-project/bastion/internal/util"
)

const (
	AppName    = "Bastion"
	AppVersion = "1.0.0"
	Banner     = `
  ____            _   _
 | __ )  __ _ ___| |_(_) ___  _ __
 |  _ \ / _' / __| __| |/ _ \| '_ \
 | |_) | (_| \__ \ |_| | (_) | | | |
 |____/ \__,_|___/\__|_|\___/|_| |_|  v%s
 Tower-defense session server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first, reconfigured after config load
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Bastion")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetApplicationData().Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		MaxAgeDays: logging.MaxAgeDays,
		Console:    logging.Console,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		if !cfg.IsFirstRun() {
			log.Fatal().Msg("configuration validation failed, please fix the errors above")
		}
		log.Info().Msg("first run detected, launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
		if result := config.Validate(cfg); !result.IsValid() {
			log.Fatal().Interface("errors", result.Errors).Msg("configuration still invalid after setup")
		}
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	sd := cfg.GetServerData()
	ad := cfg.GetApplicationData()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()
	services := connector.NewServices(cfg)

	// Storage: replay journal and, optionally, local loadouts
	var (
		database *db.Database
		replays  *db.ReplayStore
	)
	if ad.Replay.Enabled || ad.Collaborators.DataBackend == "sqlite" {
		database, err = db.NewDatabase(ad.Replay.DatabasePath)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open database")
		}
		defer database.Close()
	}
	if ad.Replay.Enabled {
		replays = db.NewReplayStore(database, 4096, ad.Replay.BatchSize)
	}

	var loader match.LoadoutLoader = services.Data
	if ad.Collaborators.DataBackend == "sqlite" {
		loader = db.NewLoadoutStore(database)
	}

	var verifier auth.Verifier = services.Auth
	if ad.Collaborators.AuthDevMode {
		log.Warn().Msg("auth dev mode enabled, connection tokens are not verified")
		verifier = auth.DevVerifier{}
	}
	authenticator := auth.NewAuthenticator(verifier, ad.Collaborators.RequestTimeout())

	var bonuses *cache.BonusCache
	if ad.Collaborators.BonusURL != "" {
		bonuses = cache.NewBonusCache(services.Bonus, ad.Cache.BonusSize,
			time.Duration(ad.Cache.BonusTTLSec)*time.Second, ad.Collaborators.RequestTimeout())
		defer bonuses.Close()
	}

	transport := network.NewTransport(network.Options{
		Addr:             fmt.Sprintf("%s:%d", sd.BindAddress, sd.GamePort),
		HandshakeTimeout: sd.Transport.HandshakeTimeout(),
		PeerTimeout:      sd.Transport.PeerTimeout(),
		ResendInterval:   sd.Transport.ResendInterval(),
		PingInterval:     sd.Transport.PingInterval(),
		MaxResends:       sd.Transport.MaxResends,
		MaxQueuedEvents:  sd.Transport.MaxQueuedEvents,
		MaxDatagramSize:  sd.Transport.MaxDatagramSize,
	})

	lag := server.NewLagMonitor(eventBus, ad.Timers.LagAlertCount)
	mgr, err := server.NewManager(cfg, server.Deps{
		Transport:     transport,
		Authenticator: authenticator,
		Loader:        loader,
		Bonuses:       bonuses,
		Replays:       replays,
		Orchestrator:  services.Orchestrator,
		EventBus:      eventBus,
		Lag:           lag,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create session manager")
	}

	var mqttSink *telemetry.MQTTSink
	if ad.MQTT.Enabled {
		mqttSink, err = telemetry.NewMQTTSink(cfg, AppVersion)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, event sink disabled")
		} else {
			mqttSink.Attach(eventBus)
		}
	}

	apiServer := api.NewServer(cfg, eventBus, mgr, AppVersion)
	healthMgr := health.NewManager(cfg, eventBus, mgr, services.Orchestrator, AppVersion)

	var pruner scheduler.Pruner
	if replays != nil {
		pruner = replays
	}
	sched := scheduler.NewScheduler(cfg, pruner)
	cliHandler := cli.NewCLI(eventBus, mgr, os.Stdin, os.Stdout)

	// quit from the console or an operator shutdown event
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(context.Context, events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// The game transport is the only fatal component
	if err := startWithRetry(ctx, "UDP transport", transport.Listen, 15); err != nil {
		log.Fatal().Err(err).Msg("UDP transport failed to bind")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := transport.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("udp transport: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("tick_rate", sd.Session.TickRate).Msg("starting session manager")
		if err := mgr.Serve(ctx); err != nil {
			errCh <- fmt.Errorf("session manager: %w", err)
		}
	}()

	if sd.DiscoveryPort != 0 {
		discovery := network.NewDiscoveryResponder(
			fmt.Sprintf("%s:%d", sd.BindAddress, sd.DiscoveryPort), sd.Name, sd.ServerVersion, mgr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Int("port", sd.DiscoveryPort).Msg("starting LAN discovery responder")
			if err := startWithRetry(ctx, "discovery", discovery.Start, 5); err != nil {
				log.Warn().Err(err).Msg("discovery responder failed (non-fatal)")
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", sd.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
	}()

	if mqttSink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			connectCtx, connectCancel := context.WithTimeout(ctx, 10*time.Second)
			defer connectCancel()
			if err := mqttSink.Connect(connectCtx); err != nil {
				log.Warn().Err(err).Msg("MQTT broker not reachable yet, retrying in background")
			}
		}()
	}

	if ad.Timers.LagCheckInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lag.Start(ctx, time.Duration(ad.Timers.LagCheckInterval)*time.Second)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		healthMgr.Start(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		sched.Start(ctx)
	}()

	// The console reader blocks on stdin, so it is not waited for
	go cliHandler.Start(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	reason := network.ReasonShutdown
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")

	// Sessions end first so their journals and final events are written
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	mgr.Shutdown(shutdownCtx)
	shutdownCancel()

	if mqttSink != nil {
		mqttSink.PublishShutdown(reason)
	}

	cancel()

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

	if replays != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := replays.Close(closeCtx); err != nil {
			log.Warn().Err(err).Msg("replay journal did not flush")
		}
		closeCancel()
	}

	eventBus.Stop()
	if mqttSink != nil {
		mqttSink.Close()
	}

	log.Info().Msg("Bastion stopped")
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors, waiting 3 seconds between attempts.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = startFn(ctx)
		if lastErr == nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
