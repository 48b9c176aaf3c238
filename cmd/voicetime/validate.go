package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the voicetime configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with --dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults(), unknownKeys)
	}

	return nil
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	return unknownKeys(v.AllKeys(), validKeys()), nil
}

// validKeys returns every key that has a registered default
func validKeys() map[string]bool {
	v := viper.New()
	config.SetDefaults(v)

	keys := make(map[string]bool)
	for _, key := range v.AllKeys() {
		keys[key] = true
	}
	return keys
}

func unknownKeys(keys []string, valid map[string]bool) []string {
	unknown := []string{}
	for _, key := range keys {
		if valid[key] {
			continue
		}
		// Group names are free-form: directory.groups.<id>
		if strings.HasPrefix(key, "directory.groups.") {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)
	return unknown
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config, unknownKeys []string) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	// Server
	_, _ = cyan.Println("\n[server]")
	dumpField("  bind_address", cfg.Server.BindAddress, defaultCfg.Server.BindAddress, yellow, green)
	dumpField("  api_port", cfg.Server.APIPort, defaultCfg.Server.APIPort, yellow, green)
	dumpField("  metrics_port", cfg.Server.MetricsPort, defaultCfg.Server.MetricsPort, yellow, green)

	// Storage
	_, _ = cyan.Println("\n[storage]")
	dumpField("  type", cfg.Storage.Type, defaultCfg.Storage.Type, yellow, green)
	dumpField("  path", cfg.Storage.Path, defaultCfg.Storage.Path, yellow, green)
	_, _ = cyan.Println("  [storage.redis]")
	dumpField("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host, yellow, green)
	dumpField("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port, yellow, green)
	dumpField("    password", redactSecret(cfg.Storage.Redis.Password), redactSecret(defaultCfg.Storage.Redis.Password), yellow, green)
	dumpField("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB, yellow, green)
	dumpField("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize, yellow, green)
	dumpField("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns, yellow, green)
	dumpField("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout, yellow, green)
	dumpField("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout, yellow, green)
	dumpField("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout, yellow, green)
	dumpField("    connect_wait", cfg.Storage.Redis.ConnectWait, defaultCfg.Storage.Redis.ConnectWait, yellow, green)
	dumpField("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix, yellow, green)

	// Logging
	_, _ = cyan.Println("\n[logging]")
	dumpField("  level", cfg.Logging.Level, defaultCfg.Logging.Level, yellow, green)
	dumpField("  format", cfg.Logging.Format, defaultCfg.Logging.Format, yellow, green)

	// Accounting
	_, _ = cyan.Println("\n[accounting]")
	dumpField("  flush_interval", cfg.Accounting.FlushInterval, defaultCfg.Accounting.FlushInterval, yellow, green)
	dumpField("  timezone", cfg.Accounting.Timezone, defaultCfg.Accounting.Timezone, yellow, green)
	dumpField("  retention_days", cfg.Accounting.RetentionDays, defaultCfg.Accounting.RetentionDays, yellow, green)
	dumpField("  retention_time", cfg.Accounting.RetentionTime, defaultCfg.Accounting.RetentionTime, yellow, green)
	dumpField("  default_days", cfg.Accounting.DefaultDays, defaultCfg.Accounting.DefaultDays, yellow, green)

	// Feed
	_, _ = cyan.Println("\n[feed]")
	dumpField("  type", cfg.Feed.Type, defaultCfg.Feed.Type, yellow, green)
	_, _ = cyan.Println("  [feed.discord]")
	dumpField("    token", redactSecret(cfg.Feed.Discord.Token), redactSecret(defaultCfg.Feed.Discord.Token), yellow, green)
	_, _ = cyan.Println("  [feed.redis]")
	dumpField("    channel", cfg.Feed.Redis.Channel, defaultCfg.Feed.Redis.Channel, yellow, green)
	_, _ = cyan.Println("  [feed.kafka]")
	dumpField("    brokers", cfg.Feed.Kafka.Brokers, defaultCfg.Feed.Kafka.Brokers, yellow, green)
	dumpField("    topic", cfg.Feed.Kafka.Topic, defaultCfg.Feed.Kafka.Topic, yellow, green)
	dumpField("    group_id", cfg.Feed.Kafka.GroupID, defaultCfg.Feed.Kafka.GroupID, yellow, green)

	// Directory
	_, _ = cyan.Println("\n[directory]")
	dumpField("  name_cache_size", cfg.Directory.NameCacheSize, defaultCfg.Directory.NameCacheSize, yellow, green)
	ids := make([]string, 0, len(cfg.Directory.Groups))
	for id := range cfg.Directory.Groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		dumpField("  groups."+id, cfg.Directory.Groups[id], "", yellow, green)
	}

	// API
	_, _ = cyan.Println("\n[api]")
	dumpField("  enabled", cfg.API.Enabled, defaultCfg.API.Enabled, yellow, green)
	dumpField("  password", redactSecret(cfg.API.Password), redactSecret(defaultCfg.API.Password), yellow, green)
	dumpField("  jwt_secret", redactSecret(cfg.API.JWTSecret), redactSecret(defaultCfg.API.JWTSecret), yellow, green)
	dumpField("  token_expiration", cfg.API.TokenExpiration, defaultCfg.API.TokenExpiration, yellow, green)

	// Display unknown keys if any
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)

		_, _ = cyan.Println("\n[UNKNOWN KEYS - These will be ignored!]")
		for _, key := range unknownKeys {
			_, _ = red.Printf("  %s = (unknown key - check for typos)\n", key)
		}
	}

	_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactSecret redacts a password or token if not empty
func redactSecret(secret string) string {
	if secret == "" {
		return ""
	}
	return "***REDACTED***"
}
