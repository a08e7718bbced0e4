package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	_ "modernc.org/sqlite"
)

// NewSQLiteDB opens the embedded SQLite database used by single-node deployments.
func NewSQLiteDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite serialises writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	log.Info().
		Str("path", cfg.SQLitePath).
		Msg("SQLite opened")

	return db, nil
}
