// Moonlight - rhythm game tournament server
//
// Moonlight coordinates tournaments over a dual TLS-TCP and WebSocket
// protocol: live matches, qualifier leaderboards with persistent
// scores, Discord OAuth for coordinator identity, a REST control
// plane, and MQTT telemetry.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/moonlight-project/moonlight/internal/api"
	"github.com/moonlight-project/moonlight/internal/auth"
	"github.com/moonlight-project/moonlight/internal/cli"
	"github.com/moonlight-project/moonlight/internal/config"
	"github.com/moonlight-project/moonlight/internal/connector"
	"github.com/moonlight-project/moonlight/internal/db"
	"github.com/moonlight-project/moonlight/internal/events"
	"github.com/moonlight-project/moonlight/internal/handlers"
	"github.com/moonlight-project/moonlight/internal/network"
	"github.com/moonlight-project/moonlight/internal/server"
	"github.com/moonlight-project/moonlight/internal/state"
	"github.com/moonlight-project/moonlight/internal/telemetry"
	"github.com/moonlight-project/moonlight/internal/util"
)

const (
	AppName    = "Moonlight"
	AppVersion = "1.0.0"
	Banner     = `
  __  __                  _ _       _     _
 |  \/  | ___  ___  _ __ | (_) __ _| |__ | |_
 | |\/| |/ _ \/ _ \| '_ \| | |/ _' | '_ \| __|
 | |  | | (_) | (_) | | | | | | (_| | | | | |_
 |_|  |_|\___/\___/|_| |_|_|_|\__, |_| |_|\__|
                              |___/  v%s
 Tournament Server
`
)

func main() {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	// Defaults first; reconfigured after the config loads
	if err := util.InitLogger(util.DefaultLogConfig()); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting Moonlight")

	cfg, err := config.Load(config.DefaultConfigDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logCfg := util.LogConfig{
		Level:      cfg.ApplicationData.Logging.Level,
		Directory:  cfg.ApplicationData.Logging.Directory,
		MaxBackups: cfg.ApplicationData.Logging.MaxBackups,
		Console:    true,
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}

	validation := cfg.Validate()
	for _, w := range validation.Warnings {
		log.Warn().Msg(w)
	}
	if !validation.OK() {
		for _, e := range validation.Errors {
			log.Error().Msg(e)
		}
		log.Fatal().Msg("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	// First-run secrets: token signing key and TLS material
	if cfg.ServerData.TokenSigningKey == "" {
		key, err := auth.GenerateSigningKey()
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate token signing key")
		}
		if err := cfg.SetTokenSigningKey(key); err != nil {
			log.Fatal().Err(err).Msg("failed to persist token signing key")
		}
		log.Info().Msg("generated token signing key")
	}

	tlsConfig, err := loadTLSConfig(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load TLS configuration")
	}

	// Persistence
	database, err := db.NewDatabase(cfg.ApplicationData.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	defer database.Close()

	tournamentStore := db.NewTournamentStore(database)
	qualifierStore := db.NewQualifierStore(database)
	tokenStore := db.NewTokenStore(database)

	// Core components
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventBus := events.NewEventBus()

	manager, err := state.NewManager(eventBus, tournamentStore, qualifierStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load tournament state")
	}

	authSvc, err := auth.NewService([]byte(cfg.ServerData.TokenSigningKey), cfg.ServerData.Name, tokenStore)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth service")
	}

	registry := network.NewRegistry()
	srv := server.New(registry, eventBus)

	discordConn := connector.NewDiscordConnector(connector.DiscordConfig{
		Enabled:      cfg.ApplicationData.Discord.Enabled,
		BotToken:     cfg.ApplicationData.Discord.BotToken,
		ClientID:     cfg.ServerData.OAuthClientID,
		ClientSecret: cfg.ServerData.OAuthClientSecret,
		RedirectURI: fmt.Sprintf("https://%s:%d/oauth/callback",
			cfg.ServerData.Address, cfg.ServerData.APIPort),
	}, eventBus, manager)

	coordinator := handlers.New(handlers.Options{
		ServerName:    cfg.ServerData.Name,
		Address:       cfg.ServerData.Address,
		Port:          cfg.ServerData.Port,
		WebsocketPort: cfg.ServerData.WebsocketPort,
		ServerVersion: config.ClientVersionCode,
		AuthorizeURL: func(connectionID uuid.UUID) (string, error) {
			if cfg.ServerData.OAuthClientID == "" {
				return "", fmt.Errorf("oauth is not configured")
			}
			signed, err := authSvc.SignState(connectionID)
			if err != nil {
				return "", err
			}
			return discordConn.AuthorizeURL(signed), nil
		},
	}, srv, manager, authSvc, tournamentStore)

	// A dropped socket removes its player from every tournament
	eventBus.Subscribe(events.EventClientDisconnected, "coordinator", func(ctx context.Context, event events.Event) error {
		if p, ok := event.Payload.(events.ConnectionPayload); ok {
			coordinator.HandleDisconnect(ctx, p.ConnectionID)
		}
		return nil
	})

	// Listeners and surfaces
	tcpListener := network.NewTCPListener(cfg.ServerData.Port, tlsConfig, srv)
	wsListener := network.NewWebsocketListener(cfg.ServerData.WebsocketPort, tlsConfig, srv)
	apiServer := api.NewServer(cfg, eventBus, manager, registry, srv, authSvc, discordConn, tlsConfig)

	var mqttHandler *telemetry.MQTTHandler
	if cfg.ApplicationData.MQTT.Enabled {
		mqttHandler, err = telemetry.NewMQTTHandler(cfg, eventBus)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize MQTT, telemetry disabled")
		}
	}

	cliHandler := cli.NewCLI(cfg, eventBus, manager, registry)

	// ---------------------------------------------------------------
	// Launch concurrent tasks
	// ---------------------------------------------------------------
	var wg sync.WaitGroup
	errCh := make(chan error, 10)

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.ServerData.Port).Msg("starting TCP listener")
		if err := startWithRetry(ctx, "TCP listener", tcpListener.Start, 15); err != nil {
			log.Error().Err(err).Msg("TCP listener failed after retries")
			errCh <- fmt.Errorf("tcp listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.ServerData.WebsocketPort).Msg("starting WebSocket listener")
		if err := startWithRetry(ctx, "WebSocket listener", wsListener.Start, 15); err != nil {
			log.Error().Err(err).Msg("WebSocket listener failed after retries")
			errCh <- fmt.Errorf("websocket listener: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Int("port", cfg.ServerData.APIPort).Msg("starting REST API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			log.Warn().Err(err).Msg("API server failed after retries (non-fatal)")
		}
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

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Info().Msg("starting operator console")
		cliHandler.Start(ctx)
	}()

	// ---------------------------------------------------------------
	// Graceful shutdown handling
	// ---------------------------------------------------------------
	shutdownCh := make(chan struct{}, 1)
	eventBus.Subscribe(events.EventShutdown, "main", func(ctx context.Context, event events.Event) error {
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
		return nil
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case <-shutdownCh:
		log.Info().Msg("shutdown requested")
	case err := <-errCh:
		log.Error().Err(err).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()
	registry.CloseAll()

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

	log.Info().Msg("Moonlight stopped")
}

// loadTLSConfig loads the configured certificate, generating a
// self-signed pair on first run when none is configured.
func loadTLSConfig(cfg *config.Config) (*tls.Config, error) {
	certFile := cfg.ServerData.CertFile
	keyFile := cfg.ServerData.KeyFile

	if certFile == "" || keyFile == "" {
		certFile = filepath.Join(config.DefaultConfigDir, "cert.pem")
		keyFile = filepath.Join(config.DefaultConfigDir, "key.pem")

		if !util.FileExists(certFile) || !util.FileExists(keyFile) {
			log.Info().Str("cert", certFile).Msg("no TLS material configured, generating self-signed certificate")
			if err := util.GenerateSelfSignedCert(certFile, keyFile); err != nil {
				return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
		}

		cfg.ServerData.CertFile = certFile
		cfg.ServerData.KeyFile = keyFile
		if err := cfg.Save(); err != nil {
			log.Warn().Err(err).Msg("failed to persist TLS file paths")
		}
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// startWithRetry attempts to start a listener/server with retry on bind
// errors. A fixed 3-second interval gives the OS time to release
// sockets after a previous instance was force-killed.
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
			time.Sleep(3 * time.Second)
		}
	}
	return lastErr
}
