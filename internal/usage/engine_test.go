package usage

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/goodtune/voicetime/internal/feed"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/goodtune/voicetime/internal/storage/file"
	"github.com/rs/zerolog"
)

// memStore is an in-memory LedgerStore whose commits can be made to fail.
type memStore struct {
	mu      sync.Mutex
	ledger  storage.Ledger
	fail    bool
	commits int
}

func newMemStore() *memStore {
	return &memStore{ledger: make(storage.Ledger)}
}

func (m *memStore) Load(ctx context.Context) storage.Ledger {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(storage.Ledger)
	for g, subjects := range m.ledger {
		for s, days := range subjects {
			for d, secs := range days {
				copied.Add(g, s, d, secs)
			}
		}
	}
	return copied
}

func (m *memStore) Commit(ctx context.Context, group, subject, day string, seconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.fail {
		return errors.New("disk full")
	}
	m.commits++
	m.ledger.Add(group, subject, day, seconds)
	return nil
}

func (m *memStore) Purge(ctx context.Context, group string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ledger, group)
	return nil
}

func (m *memStore) PruneBefore(ctx context.Context, day string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.PruneBefore(day), nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) setFail(fail bool) {
	m.mu.Lock()
	m.fail = fail
	m.mu.Unlock()
}

func (m *memStore) get(group, subject, day string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.Get(group, subject, day)
}

func newTestEngine(t *testing.T, store storage.LedgerStore) (*Engine, *TestClock) {
	t.Helper()
	clock := NewTestClock(t0)
	engine := NewEngine(store, Config{
		FlushInterval: time.Minute,
		Location:      time.UTC,
		Clock:         clock,
	}, zerolog.Nop())
	return engine, clock
}

func totalFor(totals []Total, subject string) (Total, bool) {
	for _, tot := range totals {
		if tot.SubjectID == subject {
			return tot, true
		}
	}
	return Total{}, false
}

func TestEngine_FlushThenLeave(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	engine.Join("alice", "g1", clock.Now())

	clock.Advance(90 * time.Second)
	engine.Flush(ctx)
	if got := store.get("g1", "alice", "2026-03-10"); got != 90 {
		t.Fatalf("after flush ledger = %d, want 90", got)
	}

	clock.Advance(40 * time.Second)
	engine.Leave(ctx, "alice", "g1", clock.Now())
	if got := store.get("g1", "alice", "2026-03-10"); got != 130 {
		t.Errorf("after leave ledger = %d, want 130", got)
	}

	if engine.Tracker().Len() != 0 {
		t.Errorf("session still open after leave")
	}
}

func TestEngine_HandleTransition(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	join := feed.Transition{SubjectID: "alice", GroupID: "g1", AfterChannel: "lobby", Timestamp: clock.Now()}
	engine.HandleTransition(ctx, join)

	clock.Advance(30 * time.Second)
	engine.HandleTransition(ctx, feed.Transition{
		SubjectID: "alice", GroupID: "g1", BeforeChannel: "lobby", AfterChannel: "gaming", Timestamp: clock.Now(),
	})
	if engine.Tracker().Len() != 1 {
		t.Fatal("move closed the session")
	}

	clock.Advance(30 * time.Second)
	engine.HandleTransition(ctx, feed.Transition{
		SubjectID: "alice", GroupID: "g1", BeforeChannel: "gaming", Timestamp: clock.Now(),
	})

	if got := store.get("g1", "alice", "2026-03-10"); got != 60 {
		t.Errorf("ledger = %d, want 60", got)
	}
}

func TestEngine_TransitionTimestamps(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	// Zero timestamp uses the clock
	engine.HandleTransition(ctx, feed.Transition{SubjectID: "alice", GroupID: "g1", AfterChannel: "c"})
	// Future timestamp is clamped to now
	engine.HandleTransition(ctx, feed.Transition{
		SubjectID: "bob", GroupID: "g1", AfterChannel: "c", Timestamp: clock.Now().Add(time.Hour),
	})

	clock.Advance(10 * time.Second)
	for _, l := range engine.Active("g1") {
		if l.Seconds != 10 {
			t.Errorf("%s live = %d, want 10", l.Subject, l.Seconds)
		}
	}
}

func TestEngine_DuplicateJoinAndStrayLeave(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	// A leave with no session is tolerated
	engine.Leave(ctx, "bob", "g1", clock.Now())
	if store.commits != 0 {
		t.Errorf("stray leave committed %d times", store.commits)
	}

	engine.Join("alice", "g1", clock.Now())
	clock.Advance(20 * time.Second)
	engine.Join("alice", "g1", clock.Now())
	clock.Advance(20 * time.Second)
	engine.Leave(ctx, "alice", "g1", clock.Now())

	if got := store.get("g1", "alice", "2026-03-10"); got != 40 {
		t.Errorf("ledger = %d, want 40 (duplicate join must not restart the clock)", got)
	}

	engine.Leave(ctx, "alice", "g1", clock.Now())
	if got := store.get("g1", "alice", "2026-03-10"); got != 40 {
		t.Errorf("duplicate leave changed ledger to %d", got)
	}
}

func TestEngine_ResyncClosesMissingSessions(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	engine.Join("alice", "g1", clock.Now())
	engine.Join("bob", "g1", clock.Now())
	engine.Join("carol", "g2", clock.Now())

	clock.Advance(5 * time.Minute)
	engine.HandleTransition(ctx, feed.Transition{
		GroupID:   "g1",
		Timestamp: clock.Now(),
		Resync:    true,
		Present:   []string{"alice"},
	})

	if got := store.get("g1", "bob", "2026-03-10"); got != 300 {
		t.Errorf("bob ledger = %d, want 300", got)
	}
	if got := len(engine.Active("g1")); got != 1 {
		t.Errorf("g1 open sessions = %d, want 1", got)
	}
	if got := len(engine.Active("g2")); got != 1 {
		t.Errorf("g2 open sessions = %d, want 1 (other groups untouched)", got)
	}

	// An announcement without a roster closes nothing
	engine.HandleTransition(ctx, feed.Transition{GroupID: "g1", GroupName: "Study Hall"})
	if got := len(engine.Active("g1")); got != 1 {
		t.Errorf("g1 open sessions = %d after plain announce, want 1", got)
	}
}

func TestEngine_TotalsIncludeLiveTime(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g1", "alice", "2026-03-09", 100)
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	engine.Join("alice", "g1", clock.Now())
	engine.Join("bob", "g1", clock.Now())
	clock.Advance(45 * time.Second)

	totals := engine.Totals(ctx, "g1", 7)
	alice, ok := totalFor(totals, "alice")
	if !ok || alice.Seconds != 145 || !alice.Active {
		t.Errorf("alice = %+v, want 145s active", alice)
	}
	bob, ok := totalFor(totals, "bob")
	if !ok || bob.Seconds != 45 || !bob.Active {
		t.Errorf("bob = %+v, want 45s active", bob)
	}
}

func TestEngine_TotalsWindow(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g1", "alice", "2026-03-10", 10) // today
	store.ledger.Add("g1", "alice", "2026-03-04", 20) // 6 days ago, inside a 7-day window
	store.ledger.Add("g1", "alice", "2026-03-03", 40) // 7 days ago, outside
	store.ledger.Add("g1", "bob", "2026-02-01", 99)   // long ago
	engine, _ := newTestEngine(t, store)
	ctx := context.Background()

	tests := []struct {
		days      int
		wantAlice int64
		wantBob   bool
	}{
		{7, 30, false},
		{8, 70, false},
		{1, 10, false},
		{0, 10, false},
		{-3, 10, false},
		{60, 70, true},
	}

	for _, tt := range tests {
		totals := engine.Totals(ctx, "g1", tt.days)
		alice, _ := totalFor(totals, "alice")
		if alice.Seconds != tt.wantAlice {
			t.Errorf("days=%d: alice = %d, want %d", tt.days, alice.Seconds, tt.wantAlice)
		}
		if _, ok := totalFor(totals, "bob"); ok != tt.wantBob {
			t.Errorf("days=%d: bob present = %v, want %v", tt.days, ok, tt.wantBob)
		}
	}
}

func TestEngine_TodayOnlyDataInWindow(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g1", "alice", "2026-03-10", 300)
	engine, clock := newTestEngine(t, store)

	// Late in the day, well past the time of day any cutoff was computed from
	clock.Set(time.Date(2026, 3, 10, 23, 59, 59, 0, time.UTC))

	alice, ok := totalFor(engine.Totals(context.Background(), "g1", 7), "alice")
	if !ok || alice.Seconds != 300 {
		t.Errorf("alice = %+v, want 300s", alice)
	}
}

func TestEngine_UnknownGroupIsEmpty(t *testing.T) {
	engine, _ := newTestEngine(t, newMemStore())
	if totals := engine.Totals(context.Background(), "nope", 7); len(totals) != 0 {
		t.Errorf("Totals = %+v, want empty", totals)
	}
}

func TestEngine_Reset(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g1", "carol", "2026-03-10", 500)
	store.ledger.Add("g2", "carol", "2026-03-10", 500)
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	engine.Join("alice", "g1", clock.Now())
	clock.Advance(100 * time.Second)
	engine.Flush(ctx)
	clock.Advance(50 * time.Second)

	if err := engine.Reset(ctx, "g1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	totals := engine.Totals(ctx, "g1", 7)
	if _, ok := totalFor(totals, "carol"); ok {
		t.Error("carol still has time after reset")
	}
	alice, ok := totalFor(totals, "alice")
	if !ok || alice.Seconds != 0 || !alice.Active {
		t.Errorf("alice right after reset = %+v, want 0s active", alice)
	}

	clock.Advance(25 * time.Second)
	engine.Flush(ctx)
	clock.Advance(5 * time.Second)
	engine.Leave(ctx, "alice", "g1", clock.Now())

	if got := store.get("g1", "alice", "2026-03-10"); got != 30 {
		t.Errorf("alice ledger after reset = %d, want 30 (post-reset time only)", got)
	}
	if got := store.get("g2", "carol", "2026-03-10"); got != 500 {
		t.Errorf("other group changed by reset: %d", got)
	}
}

func TestEngine_CommitFailureIsRetried(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	engine.Join("alice", "g1", clock.Now())
	clock.Advance(60 * time.Second)

	store.setFail(true)
	engine.Flush(ctx)
	clock.Advance(10 * time.Second)
	engine.Leave(ctx, "alice", "g1", clock.Now())

	if engine.Pending() != 1 {
		t.Fatalf("Pending = %d, want 1 merged entry", engine.Pending())
	}

	// Queued time still shows up in queries
	alice, _ := totalFor(engine.Totals(ctx, "g1", 7), "alice")
	if alice.Seconds != 70 {
		t.Errorf("alice while queued = %d, want 70", alice.Seconds)
	}

	store.setFail(false)
	engine.Flush(ctx)

	if engine.Pending() != 0 {
		t.Errorf("Pending after recovery = %d, want 0", engine.Pending())
	}
	if got := store.get("g1", "alice", "2026-03-10"); got != 70 {
		t.Errorf("ledger = %d, want 70", got)
	}
}

func TestEngine_ResetDropsPending(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	engine.Join("alice", "g1", clock.Now())
	clock.Advance(60 * time.Second)
	store.setFail(true)
	engine.Leave(ctx, "alice", "g1", clock.Now())
	store.setFail(false)

	if err := engine.Reset(ctx, "g1"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	engine.Flush(ctx)

	if got := store.get("g1", "alice", "2026-03-10"); got != 0 {
		t.Errorf("purged time resurrected: %d", got)
	}
}

func TestEngine_MidnightAttribution(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	clock.Set(time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC))
	engine.Join("alice", "g1", clock.Now())
	clock.Advance(2 * time.Minute)
	engine.Flush(ctx)

	// The whole unflushed duration lands on the day of the flush
	if got := store.get("g1", "alice", "2026-03-11"); got != 120 {
		t.Errorf("2026-03-11 = %d, want 120", got)
	}
	if got := store.get("g1", "alice", "2026-03-10"); got != 0 {
		t.Errorf("2026-03-10 = %d, want 0", got)
	}
}

func TestEngine_RunFinalFlush(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)

	engine.Join("alice", "g1", clock.Now())
	clock.Advance(15 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		engine.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	if got := store.get("g1", "alice", "2026-03-10"); got != 15 {
		t.Errorf("ledger after shutdown = %d, want 15", got)
	}
	if engine.Tracker().Len() != 1 {
		t.Error("final flush closed the session")
	}
}

func TestEngine_FileLedgerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voice_data.json")
	ctx := context.Background()

	store, err := file.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	engine, clock := newTestEngine(t, store)
	engine.Join("alice", "g1", clock.Now())
	clock.Advance(90 * time.Second)
	engine.Flush(ctx)

	reopened, err := file.Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("reopen ledger: %v", err)
	}
	restarted, _ := newTestEngine(t, reopened)

	alice, ok := totalFor(restarted.Totals(ctx, "g1", 7), "alice")
	if !ok || alice.Seconds != 90 || alice.Active {
		t.Errorf("alice after restart = %+v, want 90s inactive", alice)
	}
}

func TestEngine_ConcurrentEventsAndFlushes(t *testing.T) {
	store := newMemStore()
	engine, clock := newTestEngine(t, store)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			subject := string(rune('a' + i))
			engine.Join(subject, "g1", clock.Now())
			engine.Flush(ctx)
			engine.Totals(ctx, "g1", 7)
		}(i)
	}
	wg.Wait()

	clock.Advance(10 * time.Second)
	for i := 0; i < 20; i++ {
		engine.Leave(ctx, string(rune('a'+i)), "g1", clock.Now())
	}

	for i := 0; i < 20; i++ {
		if got := store.get("g1", string(rune('a'+i)), "2026-03-10"); got != 10 {
			t.Errorf("subject %c = %d, want 10", 'a'+i, got)
		}
	}
}

func TestEngine_Groups(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g2", "alice", "2026-03-10", 10)
	engine, clock := newTestEngine(t, store)
	engine.Join("bob", "g1", clock.Now())

	got := engine.Groups(context.Background())
	if len(got) != 2 || got[0] != "g1" || got[1] != "g2" {
		t.Errorf("Groups = %v, want [g1 g2]", got)
	}
}
