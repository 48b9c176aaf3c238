package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goodtune/voicetime/internal/api"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/goodtune/voicetime/internal/directory"
	"github.com/goodtune/voicetime/internal/feed"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/stats"
	"github.com/goodtune/voicetime/internal/systemd"
	"github.com/goodtune/voicetime/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start voicetime server",
	Long:  `Start the presence feed consumer, the accounting flush loop, the HTTP API and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting voicetime")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize ledger
	store, err := openLedger(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Msg("Ledger initialized")

	loc, err := cfg.Accounting.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	// Initialize accounting engine
	engine := usage.NewEngine(store, usage.Config{
		FlushInterval: parseDuration(cfg.Accounting.FlushInterval, usage.DefaultFlushInterval),
		Location:      loc,
	}, logger)

	dir, err := directory.NewMemory(cfg.Directory.Groups, cfg.Directory.NameCacheSize)
	if err != nil {
		return fmt.Errorf("failed to initialize directory: %w", err)
	}

	svc := stats.NewService(engine, dir, logger)

	// Initialize retention scheduler
	retention, err := usage.NewRetentionScheduler(
		store,
		cfg.Accounting.RetentionDays,
		cfg.Accounting.RetentionTime,
		loc,
		logger,
	)
	if err != nil {
		return fmt.Errorf("failed to initialize retention scheduler: %w", err)
	}
	retention.Start()

	// Initialize presence feed
	source, err := openFeed(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize presence feed: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		// Names are learned before the engine sees the transition
		if err := source.Run(ctx, feed.Tee(dir, engine)); err != nil {
			logger.Error().Err(err).Str("feed", cfg.Feed.Type).Msg("Presence feed stopped")
		}
	}()

	logger.Info().Str("feed", cfg.Feed.Type).Msg("Presence feed started")

	// Initialize API server
	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer, err = api.NewServer(api.Config{
			ListenAddr:      fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort),
			Password:        cfg.API.Password,
			JWTSecret:       cfg.API.JWTSecret,
			TokenExpiration: parseDuration(cfg.API.TokenExpiration, api.DefaultTokenExpiration),
			DefaultDays:     cfg.Accounting.DefaultDays,
		}, svc, logger)
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("failed to initialize API server: %w", err)
		}
		if sdListeners.API != nil {
			apiServer.SetListener(sdListeners.API)
		}
		if err := apiServer.Start(); err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("failed to start API server: %w", err)
		}
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Failed to start Metrics Server")
		}
	}

	logger.Info().Msg("voicetime startup complete")

	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for shutdown signal
	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received, gracefully stopping...")

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping API server")
		}
	}

	// The engine performs its final flush before returning
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("Timed out waiting for feed and flush loop to stop")
	}

	retention.Stop()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("voicetime stopped")

	return nil
}
