package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS session_snapshots (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s','now'))
)`

// SQLiteStore keeps snapshots in an embedded SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the snapshot table if needed and returns the store.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("create session_snapshots: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM session_snapshots WHERE key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select snapshot: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Set(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_snapshots (key, value, updated_at)
		 VALUES (?, ?, strftime('%s','now'))
		 ON CONFLICT (key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM session_snapshots WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}
