package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/goodtune/voicetime/internal/directory"
	"github.com/goodtune/voicetime/internal/stats"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/goodtune/voicetime/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var statsDays int

var statsCmd = &cobra.Command{
	Use:   "stats [flags] GROUP",
	Short: "Show committed voice time for a group",
	Long: `Read the ledger directly and print the ranking for a group.

Only committed time is shown; sessions held by a running server are not visible
until its next flush.`,
	Example: `  voicetime -c config.yaml stats 123456789012345678
  voicetime stats --days 30 123456789012345678`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

var resetCmd = &cobra.Command{
	Use:   "reset GROUP",
	Short: "Erase all committed voice time for a group",
	Long: `Purge every ledger entry for a group. A running server keeps its in-memory
sessions; use the API reset endpoint to clear those as well.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	statsCmd.Flags().IntVar(&statsDays, "days", 0, "Number of days ending today (defaults to accounting.default_days)")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(resetCmd)
}

// openOffline loads configuration and opens the ledger with a quiet logger
func openOffline() (*config.Config, storage.LedgerStore, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	store, err := openLedger(cfg.Storage, logger)
	if err != nil {
		return nil, nil, logger, fmt.Errorf("failed to initialize storage: %w", err)
	}
	return cfg, store, logger, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	group := args[0]

	cfg, store, logger, err := openOffline()
	if err != nil {
		return err
	}
	defer store.Close()

	loc, err := cfg.Accounting.Location()
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}

	days := statsDays
	if days <= 0 {
		days = cfg.Accounting.DefaultDays
	}

	dir, err := directory.NewMemory(cfg.Directory.Groups, cfg.Directory.NameCacheSize)
	if err != nil {
		return err
	}

	engine := usage.NewEngine(store, usage.Config{Location: loc}, logger)
	svc := stats.NewService(engine, dir, logger)

	entries, err := svc.Query(context.Background(), group, days)
	if err != nil {
		return err
	}

	printStats(os.Stdout, dir.GroupName(group), days, entries)
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	group := args[0]

	_, store, _, err := openOffline()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Purge(context.Background(), group); err != nil {
		return fmt.Errorf("failed to reset group %s: %w", group, err)
	}

	green := color.New(color.FgGreen, color.Bold)
	_, _ = green.Fprintf(os.Stdout, "Reset group %s\n", group)
	return nil
}

func printStats(w io.Writer, groupName string, days int, entries []stats.Entry) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)

	rule := strings.Repeat("━", 50)
	fmt.Fprintln(w)
	_, _ = cyan.Fprintln(w, rule)
	_, _ = cyan.Fprintf(w, "VOICE TIME: %s (last %d days)\n", groupName, days)
	_, _ = cyan.Fprintln(w, rule)
	fmt.Fprintln(w)

	if len(entries) == 0 {
		fmt.Fprintln(w, "No voice time recorded.")
		return
	}

	for i, e := range entries {
		fmt.Fprintf(w, "%3d. %-32s ", i+1, e.Name)
		_, _ = green.Fprintln(w, e.Formatted)
	}
}
