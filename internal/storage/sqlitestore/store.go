// Package sqlitestore persists session snapshots in a local SQLite file.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"raffle/internal/models"
	"raffle/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
  session  TEXT PRIMARY KEY,
  blob     BLOB NOT NULL,
  saved_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS meta (
  key   TEXT PRIMARY KEY,
  value TEXT NOT NULL
);`

const lastSessionKey = "last_session"

// Store keeps one snapshot blob per session.
type Store struct {
	sqlDB *sql.DB
}

// Open opens (creating if needed) the SQLite file at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Load(ctx context.Context, session string) (models.StoreSnapshot, error) {
	var blob []byte
	err := s.sqlDB.QueryRowContext(ctx, `SELECT blob FROM snapshots WHERE session = ?`, session).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return models.StoreSnapshot{}, storage.ErrNotFound
	}
	if err != nil {
		return models.StoreSnapshot{}, fmt.Errorf("load snapshot %s: %w", session, err)
	}
	return storage.Decode(blob)
}

func (s *Store) Save(ctx context.Context, session string, snap models.StoreSnapshot) error {
	blob, err := storage.Encode(session, snap)
	if err != nil {
		return err
	}
	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO snapshots (session, blob, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(session) DO UPDATE SET blob = excluded.blob, saved_at = excluded.saved_at`,
		session, blob, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot %s: %w", session, err)
	}
	return nil
}

// LastSession returns the session id remembered by RememberSession.
func (s *Store) LastSession(ctx context.Context) (string, error) {
	var v string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, lastSessionKey).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load last session: %w", err)
	}
	return v, nil
}

func (s *Store) RememberSession(ctx context.Context, session string) error {
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		lastSessionKey, session)
	if err != nil {
		return fmt.Errorf("remember session: %w", err)
	}
	return nil
}
