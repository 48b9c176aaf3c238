package main

import (
	"fmt"
	"os"
	"time"

	"github.com/goodtune/voicetime/internal/config"
	"github.com/goodtune/voicetime/internal/feed"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/goodtune/voicetime/internal/storage/file"
	"github.com/goodtune/voicetime/internal/storage/redis"
	"github.com/rs/zerolog"
)

func openLedger(cfg config.StorageConfig, logger zerolog.Logger) (storage.LedgerStore, error) {
	switch cfg.Type {
	case "file", "":
		return file.Open(cfg.Path, logger)
	case "redis":
		return redis.Open(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be 'file' or 'redis')", cfg.Type)
	}
}

func openFeed(cfg *config.Config, logger zerolog.Logger) (feed.Source, error) {
	switch cfg.Feed.Type {
	case "discord":
		return feed.NewDiscordSource(cfg.Feed.Discord.Token, logger), nil
	case "redis":
		client, err := redis.Connect(cfg.Storage.Redis, logger.With().Str("component", "feed-redis").Logger())
		if err != nil {
			return nil, err
		}
		return feed.NewRedisSource(client, cfg.Feed.Redis.Channel, logger), nil
	case "kafka":
		return feed.NewKafkaSource(cfg.Feed.Kafka.Brokers, cfg.Feed.Kafka.Topic, cfg.Feed.Kafka.GroupID, logger)
	default:
		return nil, fmt.Errorf("unsupported feed type: %s", cfg.Feed.Type)
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
