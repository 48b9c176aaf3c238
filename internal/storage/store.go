package storage

import "context"

// LedgerStore is the durable per-day ledger of accumulated voice seconds.
//
// The ledger is the only state that survives a restart. Implementations must
// merge commits additively: committing N seconds for an existing
// (group, subject, day) entry adds N, it never replaces the stored value.
type LedgerStore interface {
	// Load returns every persisted entry. Missing or unreadable storage is
	// reported as an empty ledger, never as an error.
	Load(ctx context.Context) Ledger

	// Commit adds seconds to the (group, subject, day) entry. A non-positive
	// amount or an empty group is a no-op.
	Commit(ctx context.Context, group, subject, day string, seconds int64) error

	// Purge removes all entries for a group.
	Purge(ctx context.Context, group string) error

	// PruneBefore removes day entries strictly older than day and returns how
	// many were removed.
	PruneBefore(ctx context.Context, day string) (int, error)

	Close() error
}
