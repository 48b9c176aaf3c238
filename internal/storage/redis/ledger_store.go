package redis

import (
	"context"

	"github.com/goodtune/voicetime/internal/storage"
	"github.com/redis/go-redis/v9"
)

var (
	commit = redis.NewScript(commitScript)
	purge  = redis.NewScript(purgeScript)
	prune  = redis.NewScript(pruneScript)
)

// Load reads every group's hash. Any Redis failure yields an empty ledger.
func (s *Store) Load(ctx context.Context) storage.Ledger {
	ledger := storage.Ledger{}

	groups, err := s.client.SMembers(ctx, s.groupsKey()).Result()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list ledger groups, treating as empty")
		return ledger
	}

	if len(groups) == 0 {
		return ledger
	}

	// Use pipeline for batch retrieval
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(groups))
	for i, group := range groups {
		cmds[i] = pipe.HGetAll(ctx, s.ledgerKey(group))
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		s.logger.Warn().Err(err).Msg("Failed to read ledger, treating as empty")
		return storage.Ledger{}
	}

	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil || len(data) == 0 {
			continue
		}

		for field, value := range data {
			subject, day, err := parseEntryField(field)
			if err != nil {
				s.logger.Warn().Err(err).Str("group_id", groups[i]).Msg("Skipping ledger entry")
				continue
			}

			seconds, err := parseSeconds(value)
			if err != nil {
				s.logger.Warn().Err(err).Str("group_id", groups[i]).Str("field", field).Msg("Skipping ledger entry")
				continue
			}

			ledger.Add(groups[i], subject, day, seconds)
		}
	}

	return ledger
}

// Commit atomically increments (or creates) a ledger entry
func (s *Store) Commit(ctx context.Context, group, subject, day string, seconds int64) error {
	if seconds <= 0 || group == "" {
		return nil
	}

	keys := []string{s.ledgerKey(group), s.groupsKey()}
	args := []interface{}{group, entryField(subject, day), seconds}

	return commit.Run(ctx, s.client, keys, args...).Err()
}

// Purge removes all entries for a group
func (s *Store) Purge(ctx context.Context, group string) error {
	keys := []string{s.ledgerKey(group), s.groupsKey()}

	return purge.Run(ctx, s.client, keys, group).Err()
}

// PruneBefore removes entries for days before the cutoff across all groups
func (s *Store) PruneBefore(ctx context.Context, day string) (int, error) {
	groups, err := s.client.SMembers(ctx, s.groupsKey()).Result()
	if err != nil {
		return 0, err
	}

	var removed int
	for _, group := range groups {
		keys := []string{s.ledgerKey(group), s.groupsKey()}

		n, err := prune.Run(ctx, s.client, keys, group, day).Int()
		if err != nil {
			return removed, err
		}
		removed += n
	}

	return removed, nil
}
