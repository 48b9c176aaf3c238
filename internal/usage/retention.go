package usage

import (
	"context"
	"time"

	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
)

// RetentionScheduler prunes ledger days older than the retention window
// once a day.
type RetentionScheduler struct {
	store     storage.LedgerStore
	days      int
	pruneTime time.Time // Time of day to prune (only hour and minute are used)
	loc       *time.Location
	clock     Clock
	logger    zerolog.Logger
	stopChan  chan struct{}
}

// NewRetentionScheduler creates a new retention scheduler. days <= 0 keeps
// history forever; Start is then a no-op.
func NewRetentionScheduler(store storage.LedgerStore, days int, pruneTime string, loc *time.Location, logger zerolog.Logger) (*RetentionScheduler, error) {
	// Parse prune time (HH:MM format)
	parsedTime, err := time.Parse("15:04", pruneTime)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	rs := &RetentionScheduler{
		store:     store,
		days:      days,
		pruneTime: parsedTime,
		loc:       loc,
		clock:     RealClock{},
		logger:    logger.With().Str("component", "retention").Logger(),
		stopChan:  make(chan struct{}),
	}

	return rs, nil
}

// Start begins the retention scheduler
func (rs *RetentionScheduler) Start() {
	if rs.days <= 0 {
		rs.logger.Debug().Msg("Retention disabled, ledger history kept forever")
		return
	}
	go rs.run()
	rs.logger.Info().
		Str("prune_time", rs.pruneTime.Format("15:04")).
		Int("retention_days", rs.days).
		Msg("Ledger retention scheduler started")
}

// Stop stops the retention scheduler
func (rs *RetentionScheduler) Stop() {
	select {
	case <-rs.stopChan:
	default:
		close(rs.stopChan)
	}
}

// run is the main scheduler loop
func (rs *RetentionScheduler) run() {
	for {
		next := rs.nextRun(rs.clock.Now())
		wait := next.Sub(rs.clock.Now())

		rs.logger.Debug().
			Time("next_prune", next).
			Dur("wait_duration", wait).
			Msg("Scheduled next ledger prune")

		select {
		case <-time.After(wait):
			if _, err := rs.Prune(context.Background()); err != nil {
				rs.logger.Error().Err(err).Msg("Failed to prune ledger")
			}
		case <-rs.stopChan:
			return
		}
	}
}

// nextRun calculates the next prune instant after now
func (rs *RetentionScheduler) nextRun(now time.Time) time.Time {
	now = now.In(rs.loc)

	todayRun := time.Date(
		now.Year(), now.Month(), now.Day(),
		rs.pruneTime.Hour(), rs.pruneTime.Minute(), 0, 0,
		rs.loc,
	)

	// If we've already passed today's prune time, schedule for tomorrow
	if !now.Before(todayRun) {
		return todayRun.AddDate(0, 0, 1)
	}

	return todayRun
}

// Cutoff returns the oldest day kept by the retention window.
func (rs *RetentionScheduler) Cutoff(now time.Time) string {
	return storage.Day(now.In(rs.loc).AddDate(0, 0, -(rs.days-1)), rs.loc)
}

// Prune removes ledger days outside the retention window.
func (rs *RetentionScheduler) Prune(ctx context.Context) (int, error) {
	if rs.days <= 0 {
		return 0, nil
	}

	cutoff := rs.Cutoff(rs.clock.Now())
	removed, err := rs.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	metrics.PrunedEntries.Add(float64(removed))

	rs.logger.Info().
		Int("entries_removed", removed).
		Str("cutoff_day", cutoff).
		Msg("Ledger pruned")

	return removed, nil
}
