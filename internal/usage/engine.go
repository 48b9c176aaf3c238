package usage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goodtune/voicetime/internal/feed"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
)

const (
	// DefaultFlushInterval is how often open sessions are committed
	DefaultFlushInterval = 60 * time.Second

	// finalFlushTimeout bounds the flush performed when Run stops
	finalFlushTimeout = 10 * time.Second
)

// Config holds engine configuration
type Config struct {
	FlushInterval time.Duration
	Location      *time.Location // reference zone for calendar days
	Clock         Clock
}

// Engine turns presence transitions into ledger commits and answers
// windowed totals by merging committed history with open sessions.
type Engine struct {
	store    storage.LedgerStore
	tracker  *Tracker
	clock    Clock
	loc      *time.Location
	interval time.Duration
	logger   zerolog.Logger

	// commitMu is shared by anything that moves time from the tracker into
	// the ledger and held exclusively by Reset.
	commitMu sync.RWMutex

	pendingMu sync.Mutex
	pending   map[entryKey]int64
}

// NewEngine creates a new accounting engine
func NewEngine(store storage.LedgerStore, config Config, logger zerolog.Logger) *Engine {
	if config.FlushInterval <= 0 {
		config.FlushInterval = DefaultFlushInterval
	}
	if config.Location == nil {
		config.Location = time.Local
	}
	if config.Clock == nil {
		config.Clock = RealClock{}
	}

	return &Engine{
		store:    store,
		tracker:  NewTracker(),
		clock:    config.Clock,
		loc:      config.Location,
		interval: config.FlushInterval,
		logger:   logger.With().Str("component", "accounting").Logger(),
		pending:  make(map[entryKey]int64),
	}
}

// Tracker exposes the engine's session registry
func (e *Engine) Tracker() *Tracker {
	return e.tracker
}

// HandleTransition applies one presence transition. Moves between channels
// of the same group keep the session running; duplicate or unmatched events
// are tolerated.
func (e *Engine) HandleTransition(ctx context.Context, t feed.Transition) {
	kind := t.Kind()
	metrics.PresenceEventsTotal.WithLabelValues(kind.String()).Inc()

	if t.GroupID == "" {
		return
	}

	at := e.eventTime(t.Timestamp)

	if t.Resync {
		e.Resync(ctx, t.GroupID, t.Present, at)
	}
	if t.SubjectID == "" {
		return
	}

	switch kind {
	case feed.KindJoin:
		e.Join(t.SubjectID, t.GroupID, at)
	case feed.KindLeave:
		e.Leave(ctx, t.SubjectID, t.GroupID, at)
	}
}

// eventTime clamps a transition timestamp to the engine clock. Missing and
// future timestamps become now.
func (e *Engine) eventTime(ts time.Time) time.Time {
	now := e.clock.Now()
	if ts.IsZero() || ts.After(now) {
		return now
	}
	return ts
}

// Join opens a session for subject in group
func (e *Engine) Join(subject, group string, at time.Time) {
	if !e.tracker.Open(subject, group, at) {
		e.logger.Debug().
			Str("subject_id", subject).
			Str("group_id", group).
			Msg("Duplicate join ignored, session already open")
		return
	}
	metrics.ActiveSessions.Set(float64(e.tracker.Len()))

	e.logger.Debug().
		Str("subject_id", subject).
		Str("group_id", group).
		Time("at", at).
		Msg("Session opened")
}

// Leave closes the subject's session in group and commits its remaining
// time to the day of the leave.
func (e *Engine) Leave(ctx context.Context, subject, group string, at time.Time) {
	e.commitMu.RLock()
	defer e.commitMu.RUnlock()

	seconds, ok := e.tracker.Close(subject, group, at)
	if !ok {
		e.logger.Debug().
			Str("subject_id", subject).
			Str("group_id", group).
			Msg("Leave without open session ignored")
		return
	}
	metrics.ActiveSessions.Set(float64(e.tracker.Len()))

	e.logger.Debug().
		Str("subject_id", subject).
		Str("group_id", group).
		Int64("seconds", seconds).
		Msg("Session closed")

	e.commit(ctx, entryKey{group: group, subject: subject, day: storage.Day(at, e.loc)}, seconds)
}

// Resync closes, as of at, every open session in group whose subject is not
// in present. It returns the number of sessions closed.
func (e *Engine) Resync(ctx context.Context, group string, present []string, at time.Time) int {
	keep := make(map[string]bool, len(present))
	for _, subject := range present {
		keep[subject] = true
	}

	closed := 0
	for _, live := range e.Active(group) {
		if keep[live.Subject] {
			continue
		}
		e.Leave(ctx, live.Subject, group, at)
		closed++
	}

	if closed > 0 {
		e.logger.Info().
			Str("group_id", group).
			Int("closed_sessions", closed).
			Msg("Closed sessions missing from group roster")
	}
	return closed
}

// Flush retries queued commits, then checkpoints every open session into
// today's ledger entries.
func (e *Engine) Flush(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}()

	e.commitMu.RLock()
	defer e.commitMu.RUnlock()

	e.retryPending(ctx)

	now := e.clock.Now()
	day := storage.Day(now, e.loc)
	segments := e.tracker.Checkpoint(now)
	for _, seg := range segments {
		e.commit(ctx, entryKey{group: seg.Group, subject: seg.Subject, day: day}, seg.Seconds)
	}

	if len(segments) > 0 {
		e.logger.Debug().
			Int("sessions", len(segments)).
			Str("day", day).
			Msg("Flushed open sessions")
	}
}

// commit writes one amount to the ledger, queueing it for the next flush on
// failure. Callers hold commitMu for reading.
func (e *Engine) commit(ctx context.Context, key entryKey, seconds int64) {
	if seconds <= 0 {
		return
	}

	if err := e.store.Commit(ctx, key.group, key.subject, key.day, seconds); err != nil {
		metrics.CommitFailures.Inc()
		e.logger.Error().
			Err(err).
			Str("group_id", key.group).
			Str("subject_id", key.subject).
			Str("day", key.day).
			Int64("seconds", seconds).
			Msg("Ledger commit failed, queued for retry")
		e.enqueue(key, seconds)
		return
	}

	metrics.CommittedSeconds.WithLabelValues(key.group).Add(float64(seconds))
}

func (e *Engine) enqueue(key entryKey, seconds int64) {
	e.pendingMu.Lock()
	e.pending[key] += seconds
	metrics.PendingEntries.Set(float64(len(e.pending)))
	e.pendingMu.Unlock()
}

// retryPending drains the pending queue through commit. Entries that fail
// again are queued again.
func (e *Engine) retryPending(ctx context.Context) {
	e.pendingMu.Lock()
	if len(e.pending) == 0 {
		e.pendingMu.Unlock()
		return
	}
	batch := e.pending
	e.pending = make(map[entryKey]int64)
	metrics.PendingEntries.Set(0)
	e.pendingMu.Unlock()

	e.logger.Info().Int("entries", len(batch)).Msg("Retrying queued ledger commits")

	for key, seconds := range batch {
		e.commit(ctx, key, seconds)
	}
}

// Pending returns the number of ledger entries waiting for retry.
func (e *Engine) Pending() int {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	return len(e.pending)
}

// Run flushes at the configured interval until ctx is cancelled, then
// performs a final flush.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", e.interval).Msg("Accounting flush loop started")

	for {
		select {
		case <-ticker.C:
			e.Flush(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			e.Flush(flushCtx)
			cancel()
			e.logger.Info().Msg("Accounting flush loop stopped")
			return
		}
	}
}

// Totals returns every subject's time in group over the days-day window
// ending today, including live time from open sessions. Subjects with no
// time and no open session are omitted. Order is unspecified.
func (e *Engine) Totals(ctx context.Context, group string, days int) []Total {
	now := e.clock.Now()
	today := storage.Day(now, e.loc)
	cutoff := today
	if days > 1 {
		cutoff = storage.Day(now.In(e.loc).AddDate(0, 0, -(days-1)), e.loc)
	}

	sums := make(map[string]int64)
	active := make(map[string]bool)

	ledger := e.store.Load(ctx)
	for subject, entries := range ledger[group] {
		for day, seconds := range entries {
			if day >= cutoff || day == today {
				sums[subject] += seconds
			}
		}
	}

	e.pendingMu.Lock()
	for key, seconds := range e.pending {
		if key.group == group && (key.day >= cutoff || key.day == today) {
			sums[key.subject] += seconds
		}
	}
	e.pendingMu.Unlock()

	for _, live := range e.tracker.Snapshot(now) {
		if live.Group != group {
			continue
		}
		sums[live.Subject] += live.Seconds
		active[live.Subject] = true
	}

	totals := make([]Total, 0, len(sums))
	for subject, seconds := range sums {
		if seconds <= 0 && !active[subject] {
			continue
		}
		totals = append(totals, Total{SubjectID: subject, Seconds: seconds, Active: active[subject]})
	}
	return totals
}

// Groups returns every group with committed history or an open session,
// sorted.
func (e *Engine) Groups(ctx context.Context) []string {
	seen := make(map[string]bool)
	for _, group := range e.store.Load(ctx).Groups() {
		seen[group] = true
	}
	for _, live := range e.tracker.Snapshot(e.clock.Now()) {
		seen[live.Group] = true
	}

	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// Active returns the open sessions in group.
func (e *Engine) Active(group string) []Live {
	var live []Live
	for _, l := range e.tracker.Snapshot(e.clock.Now()) {
		if l.Group == group {
			live = append(live, l)
		}
	}
	return live
}

// Reset purges the group's history and rebases its open sessions to now,
// so time accrued before the reset is never committed afterwards.
func (e *Engine) Reset(ctx context.Context, group string) error {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if err := e.store.Purge(ctx, group); err != nil {
		return fmt.Errorf("failed to purge group %s: %w", group, err)
	}

	dropped := 0
	e.pendingMu.Lock()
	for key := range e.pending {
		if key.group == group {
			delete(e.pending, key)
			dropped++
		}
	}
	metrics.PendingEntries.Set(float64(len(e.pending)))
	e.pendingMu.Unlock()

	rebased := e.tracker.RebaseGroup(group, e.clock.Now())
	metrics.ResetsTotal.Inc()

	e.logger.Info().
		Str("group_id", group).
		Int("rebased_sessions", rebased).
		Int("dropped_pending", dropped).
		Msg("Group history reset")

	return nil
}
