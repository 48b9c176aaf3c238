package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
)

// Store implements storage.LedgerStore as a single JSON document that is
// rewritten in full on every commit.
type Store struct {
	path   string
	mu     sync.Mutex
	logger zerolog.Logger
}

// Open prepares a file-backed ledger at path. The file itself is created on
// the first commit.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.New("ledger path is required")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := storage.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	return &Store{
		path:   path,
		logger: logger.With().Str("component", "ledger-file").Logger(),
	}, nil
}

// Load reads the ledger document. A missing or corrupt document yields an
// empty ledger.
func (s *Store) Load(ctx context.Context) storage.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.read()
}

// Commit adds seconds to an entry and rewrites the document.
func (s *Store) Commit(ctx context.Context, group, subject, day string, seconds int64) error {
	if seconds <= 0 || group == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.readStrict()
	if err != nil {
		return err
	}
	ledger.Add(group, subject, day, seconds)

	return s.write(ledger)
}

// Purge removes every entry for group.
func (s *Store) Purge(ctx context.Context, group string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.readStrict()
	if err != nil {
		return err
	}
	if _, ok := ledger[group]; !ok {
		return nil
	}
	delete(ledger, group)

	return s.write(ledger)
}

// PruneBefore removes day entries older than day.
func (s *Store) PruneBefore(ctx context.Context, day string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ledger, err := s.readStrict()
	if err != nil {
		return 0, err
	}
	removed := ledger.PruneBefore(day)
	if removed == 0 {
		return 0, nil
	}

	if err := s.write(ledger); err != nil {
		return 0, err
	}
	return removed, nil
}

// Close is a no-op; the document is flushed on every write.
func (s *Store) Close() error {
	return nil
}

// read is the lenient reader used by Load. Must be called with s.mu held.
func (s *Store) read() storage.Ledger {
	ledger, err := s.readStrict()
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Unreadable ledger, treating as empty")
		return storage.Ledger{}
	}
	return ledger
}

// readStrict reads the document for a rewrite. Only a missing file is an
// empty ledger; anything else is returned so the document is never
// overwritten with less than it holds. Must be called with s.mu held.
func (s *Store) readStrict() (storage.Ledger, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return storage.Ledger{}, nil
		}
		return nil, fmt.Errorf("read ledger: %w", err)
	}

	var ledger storage.Ledger
	if err := json.Unmarshal(data, &ledger); err != nil {
		return nil, fmt.Errorf("corrupt ledger document %s: %w", s.path, err)
	}
	if ledger == nil {
		ledger = storage.Ledger{}
	}

	return ledger, nil
}

// write atomically replaces the document. Must be called with s.mu held.
func (s *Store) write(ledger storage.Ledger) error {
	data, err := json.MarshalIndent(ledger, "", "    ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace ledger: %w", err)
	}

	return nil
}
