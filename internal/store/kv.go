// Package store provides the persistent key/value surface consumed by
// chat-history and other storage consumers. The core treats this purely as
// an injected dependency; SQLiteKV is the default implementation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// KV is the storage contract: flat string keys, opaque string values.
type KV interface {
	Store(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) (map[string]string, error)
}

// SQLiteKV stores key/value pairs in a single-file SQLite database.
type SQLiteKV struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLiteKV opens (creating if needed) the database at path.
func NewSQLiteKV(path string, logger *zap.Logger) (*SQLiteKV, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// Single writer connection; WAL gives crash recovery, NORMAL sync is
	// safe under WAL and much faster than FULL.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS kv (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: initialize schema: %w", err)
	}
	return &SQLiteKV{db: db, logger: logger.Named("store")}, nil
}

// Store writes or overwrites the value under key.
func (s *SQLiteKV) Store(ctx context.Context, key, value string) error {
	const q = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`
	if _, err := s.db.ExecContext(ctx, q, key, value, time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("store: put %q: %w", key, err)
	}
	return nil
}

// Get fetches the value under key; the second return is false when the key
// is absent.
func (s *SQLiteKV) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %q: %w", key, err)
	}
	return value, true, nil
}

// Delete removes the key. Deleting an absent key is a no-op.
func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store: delete %q: %w", key, err)
	}
	return nil
}

// ScanPrefix returns every key/value pair whose key starts with prefix.
func (s *SQLiteKV) ScanPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	const q = `SELECT key, value FROM kv WHERE key LIKE ? ESCAPE '\' ORDER BY key`
	rows, err := s.db.QueryContext(ctx, q, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("store: scan %q: %w", prefix, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: scan %q: %w", prefix, err)
		}
		out[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: scan %q: %w", prefix, err)
	}
	return out, nil
}

// Close releases the database handle.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}

// escapeLike protects LIKE metacharacters in user-supplied prefixes.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

var _ KV = (*SQLiteKV)(nil)
