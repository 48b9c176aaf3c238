// Package stats is the read side used by the API and the CLI: ranked
// per-group totals with display names.
package stats

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/goodtune/voicetime/internal/directory"
	"github.com/goodtune/voicetime/internal/usage"
	"github.com/rs/zerolog"
)

// ErrGroupRequired is returned when a query names no group.
var ErrGroupRequired = errors.New("group id is required")

// Accounting is the part of the accounting engine the service reads from.
type Accounting interface {
	Totals(ctx context.Context, group string, days int) []usage.Total
	Groups(ctx context.Context) []string
	Reset(ctx context.Context, group string) error
}

// Entry is one ranked row of a group query.
type Entry struct {
	SubjectID string `json:"subject_id"`
	Name      string `json:"name"`
	Seconds   int64  `json:"seconds"`
	Formatted string `json:"time_str"`
	Active    bool   `json:"is_active"`
}

// Service answers group listings, ranked queries and resets
type Service struct {
	engine Accounting
	dir    directory.Directory
	logger zerolog.Logger
}

// NewService creates a new stats service
func NewService(engine Accounting, dir directory.Directory, logger zerolog.Logger) *Service {
	return &Service{
		engine: engine,
		dir:    dir,
		logger: logger.With().Str("component", "stats").Logger(),
	}
}

// ListGroups returns the directory's groups plus any group known only from
// the ledger or open sessions, sorted by display name.
func (s *Service) ListGroups(ctx context.Context) []directory.Group {
	groups := s.dir.Groups()

	known := make(map[string]bool, len(groups))
	for _, g := range groups {
		known[g.ID] = true
	}
	for _, id := range s.engine.Groups(ctx) {
		if !known[id] {
			groups = append(groups, directory.Group{ID: id, Name: id})
		}
	}

	directory.SortGroups(groups)
	return groups
}

// Query ranks the subjects of group by their time over the days-day window
// ending today. Ties are broken by subject ID.
func (s *Service) Query(ctx context.Context, group string, days int) ([]Entry, error) {
	if group == "" {
		return nil, ErrGroupRequired
	}

	totals := s.engine.Totals(ctx, group, days)
	entries := make([]Entry, 0, len(totals))
	for _, t := range totals {
		entries = append(entries, Entry{
			SubjectID: t.SubjectID,
			Name:      s.dir.MemberName(group, t.SubjectID),
			Seconds:   t.Seconds,
			Formatted: FormatSeconds(t.Seconds),
			Active:    t.Active,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seconds != entries[j].Seconds {
			return entries[i].Seconds > entries[j].Seconds
		}
		return entries[i].SubjectID < entries[j].SubjectID
	})

	s.logger.Debug().
		Str("group_id", group).
		Int("days", days).
		Int("subjects", len(entries)).
		Msg("Group queried")

	return entries, nil
}

// Reset clears the group's history
func (s *Service) Reset(ctx context.Context, group string) error {
	if group == "" {
		return ErrGroupRequired
	}
	if err := s.engine.Reset(ctx, group); err != nil {
		return fmt.Errorf("reset failed: %w", err)
	}
	return nil
}

// FormatSeconds renders seconds as "1h 1m 1s". Hours and minutes are
// omitted when zero; seconds are always shown.
func FormatSeconds(seconds int64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := seconds / 3600
	m := seconds % 3600 / 60
	sec := seconds % 60

	parts := make([]string, 0, 3)
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	parts = append(parts, fmt.Sprintf("%ds", sec))
	return strings.Join(parts, " ")
}
