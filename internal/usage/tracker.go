package usage

import (
	"sort"
	"sync"
	"time"
)

// Tracker is the in-memory registry of open sessions and their start
// instants. It performs no I/O; callers copy values out and commit them
// after the lock is released.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[Key]time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[Key]time.Time),
	}
}

// wholeSeconds returns the whole seconds between start and at, never negative.
func wholeSeconds(start, at time.Time) int64 {
	d := at.Sub(start)
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Open registers a session starting at at. If one is already open for the
// key the original start is kept and Open returns false.
func (t *Tracker) Open(subject, group string, at time.Time) bool {
	key := Key{Subject: subject, Group: group}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[key]; exists {
		return false
	}
	t.sessions[key] = at
	return true
}

// Close removes the session and returns the whole seconds elapsed since its
// start (or last checkpoint). The second result is false when no session
// was open.
func (t *Tracker) Close(subject, group string, at time.Time) (int64, bool) {
	key := Key{Subject: subject, Group: group}

	t.mu.Lock()
	defer t.mu.Unlock()

	start, exists := t.sessions[key]
	if !exists {
		return 0, false
	}
	delete(t.sessions, key)
	return wholeSeconds(start, at), true
}

// Snapshot returns a consistent copy of every open session, sorted by group
// then subject.
func (t *Tracker) Snapshot(now time.Time) []Live {
	t.mu.RLock()
	live := make([]Live, 0, len(t.sessions))
	for key, start := range t.sessions {
		live = append(live, Live{Key: key, Since: start, Seconds: wholeSeconds(start, now)})
	}
	t.mu.RUnlock()

	sort.Slice(live, func(i, j int) bool {
		if live[i].Group != live[j].Group {
			return live[i].Group < live[j].Group
		}
		return live[i].Subject < live[j].Subject
	})
	return live
}

// Rebase moves an open session's start to at without closing it.
func (t *Tracker) Rebase(subject, group string, at time.Time) bool {
	key := Key{Subject: subject, Group: group}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[key]; !exists {
		return false
	}
	t.sessions[key] = at
	return true
}

// RebaseGroup moves the start of every open session in group to at and
// returns how many sessions were rebased.
func (t *Tracker) RebaseGroup(group string, at time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for key := range t.sessions {
		if key.Group == group {
			t.sessions[key] = at
			n++
		}
	}
	return n
}

// Checkpoint takes the whole elapsed seconds of every open session and
// advances each start by exactly that amount, in one critical section.
// Sub-second remainders stay in the session for the next checkpoint.
func (t *Tracker) Checkpoint(now time.Time) []Segment {
	t.mu.Lock()
	defer t.mu.Unlock()

	segments := make([]Segment, 0, len(t.sessions))
	for key, start := range t.sessions {
		secs := wholeSeconds(start, now)
		if secs <= 0 {
			continue
		}
		t.sessions[key] = start.Add(time.Duration(secs) * time.Second)
		segments = append(segments, Segment{Key: key, Seconds: secs})
	}
	return segments
}

// Len returns the number of open sessions.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}
