// Package storage persists the result cache and per-indexer session state in
// SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

const schema = `
CREATE TABLE IF NOT EXISTS cache (
    key TEXT PRIMARY KEY,
    value BLOB,
    expires_at INTEGER
);
CREATE TABLE IF NOT EXISTS sessions (
    indexer TEXT PRIMARY KEY,
    credentials TEXT NOT NULL DEFAULT '{}',
    snapshot TEXT NOT NULL DEFAULT '{}',
    enabled INTEGER NOT NULL DEFAULT 1,
    updated_at INTEGER NOT NULL
);`

// Store is a SQLite database holding the cache and sessions tables.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open creates the database at dataSourceName and starts the background
// routine that purges expired cache entries every purgeInterval (hourly when
// zero).
func Open(dataSourceName string, purgeInterval time.Duration, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway; a single connection also keeps
	// ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not create tables: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
		now:    time.Now,
		stop:   make(chan struct{}),
	}
	if purgeInterval <= 0 {
		purgeInterval = time.Hour
	}
	s.wg.Add(1)
	go s.purgeLoop(purgeInterval)
	return s, nil
}

func (s *Store) purgeLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n, err := s.Purge(); err != nil {
				s.logger.Error("Error cleaning cache", "error", err)
			} else if n > 0 {
				s.logger.Debug("Purged expired cache entries", "count", n)
			}
		}
	}
}

// Close stops the purge routine and closes the database.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}
