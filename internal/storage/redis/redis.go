package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Store implements storage.LedgerStore using Redis. Commits are applied by
// Lua scripts so several processes may share one ledger.
type Store struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// Open creates a new Redis-backed ledger, retrying the initial connection
// with exponential backoff.
func Open(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	logger = logger.With().Str("component", "ledger-redis").Logger()

	client, err := Connect(cfg, logger)
	if err != nil {
		return nil, err
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "voicetime"
	}

	return &Store{
		client: client,
		prefix: prefix,
		logger: logger,
	}, nil
}

// Connect builds a client from cfg and pings it until it answers or
// connect_wait runs out.
func Connect(cfg config.RedisConfig, logger zerolog.Logger) (*redis.Client, error) {
	// Parse timeouts
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	connectWait, err := time.ParseDuration(cfg.ConnectWait)
	if err != nil {
		return nil, fmt.Errorf("invalid connect_wait: %w", err)
	}

	// Determine address
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = connectWait

	ping := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return client.Ping(ctx).Err()
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn().Err(err).Str("addr", addr).Dur("retry_in", wait).Msg("Redis not reachable yet")
	}

	if err := backoff.RetryNotify(ping, b, notify); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// groupsKey sits outside the ledger:<group> namespace so no group ID can
// collide with it.
func (s *Store) groupsKey() string {
	return s.prefix + ":ledger-groups"
}

func (s *Store) ledgerKey(group string) string {
	return fmt.Sprintf("%s:ledger:%s", s.prefix, group)
}
