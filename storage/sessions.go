package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"scarf/indexer"
)

// LoadInstanceState returns the persisted credentials, session cookies and
// enabled flag of an indexer. ok is false when nothing was saved yet.
func (s *Store) LoadInstanceState(ctx context.Context, key string) (indexer.InstanceState, bool, error) {
	var (
		st               indexer.InstanceState
		creds, snap      string
		enabled, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT credentials, snapshot, enabled, updated_at FROM sessions WHERE indexer = ?`, key,
	).Scan(&creds, &snap, &enabled, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("load session %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(creds), &st.Credentials); err != nil {
		return st, false, fmt.Errorf("decode credentials of %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(snap), &st.Session); err != nil {
		return st, false, fmt.Errorf("decode session of %s: %w", key, err)
	}
	st.Enabled = enabled != 0
	st.UpdatedAt = time.Unix(updated, 0)
	return st, true, nil
}

// SaveInstanceState replaces the persisted state of an indexer.
func (s *Store) SaveInstanceState(ctx context.Context, key string, st indexer.InstanceState) error {
	creds, err := json.Marshal(st.Credentials)
	if err != nil {
		return err
	}
	snap, err := json.Marshal(st.Session)
	if err != nil {
		return err
	}
	enabled := 0
	if st.Enabled {
		enabled = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO sessions (indexer, credentials, snapshot, enabled, updated_at) VALUES (?, ?, ?, ?, ?)`,
		key, string(creds), string(snap), enabled, s.now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save session %s: %w", key, err)
	}
	return nil
}

// DeleteInstanceState forgets everything stored for an indexer.
func (s *Store) DeleteInstanceState(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE indexer = ?`, key); err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}
