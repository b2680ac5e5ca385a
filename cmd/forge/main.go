// forge - LAN session daemon.
//
// forge owns the session lifecycle of a game client: local sessions with
// in-process peers, opening them to the LAN over QUIC, joining LAN hosts
// found by broadcast discovery, and shutting each of them down in order.
// It exposes a local HTTP API and console for lifecycle requests and
// publishes transitions to MQTT and a SQLite journal.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/forge-project/forge/internal/api"
	"github.com/forge-project/forge/internal/cli"
	"github.com/forge-project/forge/internal/client"
	"github.com/forge-project/forge/internal/config"
	"github.com/forge-project/forge/internal/db"
	"github.com/forge-project/forge/internal/discovery"
	"github.com/forge-project/forge/internal/events"
	"github.com/forge-project/forge/internal/health"
	"github.com/forge-project/forge/internal/host"
	"github.com/forge-project/forge/internal/local"
	"github.com/forge-project/forge/internal/scheduler"
	"github.com/forge-project/forge/internal/session"
	"github.com/forge-project/forge/internal/telemetry"
	"github.com/forge-project/forge/internal/transport"
	"github.com/forge-project/forge/internal/util"
)

const Banner = `
   __                      
  / _| ___  _ __ __ _  ___ 
 | |_ / _ \| '__/ _' |/ _ \
 |  _| (_) | | | (_| |  __/
 |_|  \___/|_|  \__, |\___|
                |___/  v%s
 LAN session daemon
`

func main() {
	configDir := flag.String("config", config.DefaultConfigDir, "configuration directory")
	setup := flag.Bool("setup", false, "run the interactive setup wizard before starting")
	noCLI := flag.Bool("no-cli", false, "disable the interactive console")
	flag.Parse()

	fmt.Printf(Banner, util.Version)
	fmt.Println()

	// Defaults first; reconfigured once the config is loaded.
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", util.Version).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting forge")

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging := cfg.GetApplicationData().Logging
	if err := util.InitLogger(util.LogConfig{
		Level:      logging.Level,
		Directory:  logging.Directory,
		MaxSizeMB:  logging.MaxSizeMB,
		MaxBackups: logging.MaxBackups,
		Console:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	if *setup || cfg.IsFirstRun() {
		log.Info().Msg("launching setup wizard")
		if err := config.RunSetupWizard(cfg, os.Stdin, os.Stdout); err != nil {
			log.Fatal().Err(err).Msg("setup wizard failed")
		}
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		log.Fatal().Str("path", cfg.Path()).Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Str("lan_ip", util.GetLocalIP()).
		Msg("system information")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	// Session journal
	var journal *db.Journal
	if storage := cfg.GetApplicationData().Storage; storage.Enabled {
		journal, err = db.OpenJournal(storage.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open session journal, history disabled")
		} else {
			journal.Attach(eventBus)
		}
	}

	hostMgr := host.NewManager(host.ConfigFrom(cfg))

	var disc *discovery.Service
	if d := cfg.GetDiscovery(); d.Enabled {
		disc = discovery.NewService(
			discovery.Config{Interval: d.Interval(), StaleAfter: d.StaleAfter()},
			&discovery.UDPProber{BroadcastAddr: d.BroadcastAddress, Port: d.Port, Window: d.Window()},
		)
	}

	startMenu, ok := session.ParseMenuContext(cfg.GetSession().StartMenu)
	if !ok {
		log.Warn().Str("start_menu", cfg.GetSession().StartMenu).Msg("unknown start menu, using main")
		startMenu = session.MenuMain
	}

	machine := session.NewMachine(ctx, session.Deps{
		Host:      hostMgr,
		Discovery: disc,
		Bus:       eventBus,
		NewLocal: func() *local.Session {
			return local.NewSession(cfg.GetSession().LocalBots)
		},
		NewClient: func(fingerprint string) *client.Orchestrator {
			return newOrchestrator(cfg, fingerprint)
		},
		ErrorDisplay: cfg.GetSession().ErrorDisplay(),
		StartMenu:    startMenu,
	})
	loop := session.NewLoop(machine, cfg.GetSession().TickInterval())

	// Nil journals must stay nil interfaces.
	var (
		journalReader api.JournalReader
		history       cli.History
	)
	if journal != nil {
		journalReader = journal
		history = journal
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)

	// Shutdown requested from the console.
	quitCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main.quit", func(context.Context, events.Event) error {
		select {
		case quitCh <- struct{}{}:
		default:
		}
		return nil
	})

	// Task 1: session control loop
	wg.Add(1)
	go func() {
		defer wg.Done()
		loop.Run(ctx)
	}()

	// Task 2: HTTP API
	if cfg.GetApplicationData().API.Enabled {
		apiServer := api.NewServer(cfg, eventBus, loop, journalReader)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := startWithRetry(ctx, "API server", apiServer.Start, 5); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Msg("API server failed after retries")
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	// Task 3: health checks
	if cfg.GetApplicationData().Health.Enabled {
		healthMgr := health.NewManager(cfg, eventBus, hostMgr, loop)
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthMgr.Start(ctx)
		}()
	}

	// Task 4: MQTT telemetry
	var mqttHandler *telemetry.MQTTHandler
	if cfg.GetApplicationData().MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := mqttHandler.Start(ctx); err != nil {
					log.Warn().Err(err).Msg("MQTT telemetry failed (non-fatal)")
				}
			}()
		}
	}

	// Task 5: journal retention
	if journal != nil {
		sched := scheduler.NewScheduler(cfg, journal)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	}

	// Task 6: interactive console. Not waited for; it may be blocked on stdin.
	if !*noCLI {
		console := cli.NewCLI(cfg, eventBus, loop, history, os.Stdin, os.Stdout)
		go console.Start(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-quitCh:
		log.Info().Msg("shutdown requested from console")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
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

	eventBus.Stop()

	if journal != nil {
		if err := journal.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close session journal")
		}
	}

	log.Info().Msg("forge stopped")
}

// newOrchestrator builds the client side of one session. A fingerprint
// from the request overrides the configured one.
func newOrchestrator(cfg *config.Config, fingerprint string) *client.Orchestrator {
	n := cfg.GetNetwork()
	if fingerprint == "" {
		fingerprint = n.ExpectedFingerprint
	}

	dialer := &transport.QUICDialer{
		Pin: transport.PinPolicy{
			Fingerprint:   fingerprint,
			AllowInsecure: n.AllowInsecure,
		},
		Options: transport.Options{
			KeepAlive:        n.KeepAlive(),
			MaxIdle:          n.MaxIdle(),
			HandshakeTimeout: n.HandshakeTimeout(),
			ALPN:             n.ALPN,
		},
	}
	log.Debug().Str("validation", dialer.Pin.Mode()).Msg("client transport configured")

	return client.NewOrchestrator(dialer, client.Policy{FailOnUserDisconnect: n.FailOnUserDisconnect})
}

// startWithRetry retries startFn on bind errors with a fixed 3s pause.
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
