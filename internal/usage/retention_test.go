package usage

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRetentionScheduler_NextRun(t *testing.T) {
	rs, err := NewRetentionScheduler(newMemStore(), 30, "03:00", time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRetentionScheduler failed: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{
			name: "before prune time",
			now:  time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "after prune time",
			now:  time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		},
		{
			name: "exactly at prune time",
			now:  time.Date(2026, 3, 10, 3, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 3, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rs.nextRun(tt.now); !got.Equal(tt.want) {
				t.Errorf("nextRun(%v) = %v, want %v", tt.now, got, tt.want)
			}
		})
	}
}

func TestRetentionScheduler_Prune(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g1", "alice", "2026-03-10", 10)
	store.ledger.Add("g1", "alice", "2026-03-04", 20)
	store.ledger.Add("g1", "alice", "2026-03-03", 30)
	store.ledger.Add("g2", "bob", "2026-01-01", 40)

	rs, err := NewRetentionScheduler(store, 7, "03:00", time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRetentionScheduler failed: %v", err)
	}
	rs.clock = NewTestClock(t0)

	if got := rs.Cutoff(t0); got != "2026-03-04" {
		t.Errorf("Cutoff = %s, want 2026-03-04", got)
	}

	removed, err := rs.Prune(context.Background())
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}

	ledger := store.Load(context.Background())
	if ledger.Get("g1", "alice", "2026-03-04") != 20 || ledger.Get("g1", "alice", "2026-03-10") != 10 {
		t.Errorf("days inside the window were pruned: %v", ledger)
	}
	if _, ok := ledger["g2"]; ok {
		t.Error("emptied group g2 still present")
	}
}

func TestRetentionScheduler_Disabled(t *testing.T) {
	store := newMemStore()
	store.ledger.Add("g1", "alice", "2000-01-01", 10)

	rs, err := NewRetentionScheduler(store, 0, "03:00", time.UTC, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRetentionScheduler failed: %v", err)
	}
	rs.Start()
	defer rs.Stop()

	removed, err := rs.Prune(context.Background())
	if err != nil || removed != 0 {
		t.Errorf("Prune = (%d, %v), want (0, nil)", removed, err)
	}
	if store.get("g1", "alice", "2000-01-01") != 10 {
		t.Error("disabled retention removed history")
	}
}

func TestNewRetentionScheduler_BadTime(t *testing.T) {
	if _, err := NewRetentionScheduler(newMemStore(), 7, "noon", time.UTC, zerolog.Nop()); err == nil {
		t.Error("expected error for malformed prune time")
	}
}
