package storage

import (
	"time"
)

// Get retrieves an item from the cache.
func (s *Store) Get(key string) ([]byte, bool) {
	var value []byte
	var expiresAt int64
	err := s.db.QueryRow(`SELECT value, expires_at FROM cache WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err != nil {
		return nil, false
	}

	if s.now().Unix() >= expiresAt {
		if _, err := s.db.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
			s.logger.Warn("Error removing expired cache entry", "key", key, "error", err)
		}
		return nil, false
	}
	return value, true
}

// Set adds an item to the cache with a TTL.
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	expiresAt := s.now().Add(ttl).Unix()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache (key, value, expires_at) VALUES (?, ?, ?)`, key, value, expiresAt)
	if err != nil {
		s.logger.Error("Error setting cache", "key", key, "error", err)
	}
}

// Delete removes key from the cache.
func (s *Store) Delete(key string) {
	if _, err := s.db.Exec(`DELETE FROM cache WHERE key = ?`, key); err != nil {
		s.logger.Error("Error deleting cache entry", "key", key, "error", err)
	}
}

// Purge removes expired entries and returns how many were dropped.
func (s *Store) Purge() (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache WHERE expires_at <= ?`, s.now().Unix())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
