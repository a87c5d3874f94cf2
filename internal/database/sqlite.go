package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"liveroom-backend/pkg/logger"
)

// SQLiteDB is the embedded store used when no CockroachDB cluster is
// configured. SQLite has a single writer, so the pool holds one connection.
type SQLiteDB struct {
	DB   *sql.DB
	path string
}

// NewSQLiteDB opens or creates the database file at path
func NewSQLiteDB(ctx context.Context, path string) (*SQLiteDB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure sqlite database: %w", err)
	}

	return &SQLiteDB{DB: db, path: path}, nil
}

// Close closes the database
func (s *SQLiteDB) Close() {
	if err := s.DB.Close(); err != nil {
		logger.Warn("Failed to close sqlite database")
		return
	}
	logger.Info("SQLite database closed")
}

// Ping tests the database
func (s *SQLiteDB) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}
