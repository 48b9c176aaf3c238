package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Accounting AccountingConfig `mapstructure:"accounting"`
	Feed       FeedConfig       `mapstructure:"feed"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	API        APIConfig        `mapstructure:"api"`
}

// ServerConfig defines server ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	APIPort     int    `mapstructure:"api_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// StorageConfig defines the ledger backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "file" or "redis"
	Path  string      `mapstructure:"path"` // ledger document for the file backend
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	ConnectWait  string `mapstructure:"connect_wait"` // how long to retry the initial connection
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AccountingConfig defines how presence time is committed to the ledger
type AccountingConfig struct {
	FlushInterval string `mapstructure:"flush_interval"`
	Timezone      string `mapstructure:"timezone"`       // reference zone for calendar days
	RetentionDays int    `mapstructure:"retention_days"` // 0 keeps history forever
	RetentionTime string `mapstructure:"retention_time"` // HH:MM, daily prune time
	DefaultDays   int    `mapstructure:"default_days"`   // query window when none is given
}

// FeedConfig selects and configures the presence event source
type FeedConfig struct {
	Type    string        `mapstructure:"type"` // "discord", "redis" or "kafka"
	Discord DiscordConfig `mapstructure:"discord"`
	Redis   RedisFeed     `mapstructure:"redis"`
	Kafka   KafkaFeed     `mapstructure:"kafka"`
}

// DiscordConfig defines the Discord gateway connection
type DiscordConfig struct {
	Token string `mapstructure:"token"`
}

// RedisFeed defines a Redis pub/sub presence channel. The connection
// settings are shared with storage.redis.
type RedisFeed struct {
	Channel string `mapstructure:"channel"`
}

// KafkaFeed defines a Kafka presence topic
type KafkaFeed struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// DirectoryConfig defines static display names and the member name cache
type DirectoryConfig struct {
	Groups        map[string]string `mapstructure:"groups"` // group ID -> display name
	NameCacheSize int               `mapstructure:"name_cache_size"`
}

// APIConfig defines the HTTP API used by the dashboard
type APIConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Password        string `mapstructure:"password"`
	JWTSecret       string `mapstructure:"jwt_secret"`
	TokenExpiration string `mapstructure:"token_expiration"`
}

// Location resolves the accounting reference time zone
func (c AccountingConfig) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	SetDefaults(v)

	// Configure viper
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("voicetime")
		v.AddConfigPath("/etc/voicetime")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("VOICETIME")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns a configuration populated only with default values
func Defaults() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)

	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.api_port", 5000)
	v.SetDefault("server.metrics_port", 9090)

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "/var/lib/voicetime/voice_data.json")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.connect_wait", "30s")
	v.SetDefault("storage.redis.key_prefix", "voicetime")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Accounting defaults
	v.SetDefault("accounting.flush_interval", "60s")
	v.SetDefault("accounting.timezone", "Local")
	v.SetDefault("accounting.retention_days", 0)
	v.SetDefault("accounting.retention_time", "03:00")
	v.SetDefault("accounting.default_days", 7)

	// Feed defaults
	v.SetDefault("feed.type", "discord")
	v.SetDefault("feed.discord.token", "")
	v.SetDefault("feed.redis.channel", "voicetime:presence")
	v.SetDefault("feed.kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("feed.kafka.topic", "voicetime.presence")
	v.SetDefault("feed.kafka.group_id", "voicetime")

	// Directory defaults
	v.SetDefault("directory.groups", map[string]string{})
	v.SetDefault("directory.name_cache_size", 4096)

	// API defaults
	v.SetDefault("api.enabled", true)
	v.SetDefault("api.password", "")
	v.SetDefault("api.jwt_secret", "")
	v.SetDefault("api.token_expiration", "24h")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.APIPort <= 0 || cfg.Server.APIPort > 65535 {
		return fmt.Errorf("invalid API port: %d", cfg.Server.APIPort)
	}
	if cfg.Server.MetricsPort < 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}

	switch cfg.Storage.Type {
	case "file":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for the file backend")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for the redis backend")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s (must be 'file' or 'redis')", cfg.Storage.Type)
	}

	interval, err := time.ParseDuration(cfg.Accounting.FlushInterval)
	if err != nil {
		return fmt.Errorf("invalid accounting.flush_interval: %w", err)
	}
	if interval < time.Second {
		return fmt.Errorf("accounting.flush_interval must be at least 1s, got %s", interval)
	}

	if _, err := cfg.Accounting.Location(); err != nil {
		return fmt.Errorf("invalid accounting.timezone: %w", err)
	}

	if cfg.Accounting.RetentionDays < 0 {
		return fmt.Errorf("accounting.retention_days must not be negative")
	}
	if _, err := time.Parse("15:04", cfg.Accounting.RetentionTime); err != nil {
		return fmt.Errorf("invalid accounting.retention_time (expected HH:MM): %w", err)
	}

	switch cfg.Feed.Type {
	case "discord":
		if cfg.Feed.Discord.Token == "" {
			return fmt.Errorf("feed.discord.token is required for the discord feed")
		}
	case "redis":
		if cfg.Feed.Redis.Channel == "" {
			return fmt.Errorf("feed.redis.channel is required for the redis feed")
		}
	case "kafka":
		if len(cfg.Feed.Kafka.Brokers) == 0 || cfg.Feed.Kafka.Topic == "" || cfg.Feed.Kafka.GroupID == "" {
			return fmt.Errorf("feed.kafka requires brokers, topic and group_id")
		}
	default:
		return fmt.Errorf("unsupported feed type: %s (must be 'discord', 'redis' or 'kafka')", cfg.Feed.Type)
	}

	if cfg.Directory.NameCacheSize <= 0 {
		return fmt.Errorf("directory.name_cache_size must be positive")
	}

	if _, err := time.ParseDuration(cfg.API.TokenExpiration); err != nil {
		return fmt.Errorf("invalid api.token_expiration: %w", err)
	}

	return nil
}

func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	return errors.Is(err, fs.ErrNotExist)
}
