package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS namespaces (
	name TEXT PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS entries (
	namespace TEXT NOT NULL,
	key TEXT NOT NULL,
	cached_at INTEGER NOT NULL,
	seq INTEGER NOT NULL,
	data BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
);
CREATE INDEX IF NOT EXISTS entries_order_idx ON entries (namespace, cached_at, seq);
`

// SQLiteStore persists namespaces in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

type sqliteCache struct {
	store *SQLiteStore
	name  string
}

// NewSQLiteStore opens (or creates) the database at path.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// a single connection serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Open implements Store.
func (s *SQLiteStore) Open(ctx context.Context, name string) (Cache, error) {
	if name == "" {
		return nil, storageError("open", name, fmt.Errorf("namespace name cannot be empty"))
	}
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO namespaces (name) VALUES (?)", name); err != nil {
		return nil, storageError("open", name, err)
	}
	return &sqliteCache{store: s, name: name}, nil
}

// Names implements Store.
func (s *SQLiteStore) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM namespaces ORDER BY name")
	if err != nil {
		return nil, storageError("names", "", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storageError("names", "", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("names", "", err)
	}
	return names, nil
}

// DeleteNamespace implements Store.
func (s *SQLiteStore) DeleteNamespace(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageError("delete_namespace", name, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE namespace = ?", name); err != nil {
		return false, storageError("delete_namespace", name, err)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM namespaces WHERE name = ?", name)
	if err != nil {
		return false, storageError("delete_namespace", name, err)
	}
	if err := tx.Commit(); err != nil {
		return false, storageError("delete_namespace", name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageError("delete_namespace", name, err)
	}
	return n > 0, nil
}

func (c *sqliteCache) Name() string {
	return c.name
}

func (c *sqliteCache) Match(ctx context.Context, key RequestKey) (*CacheEntry, error) {
	var data []byte
	err := c.store.db.QueryRowContext(ctx,
		"SELECT data FROM entries WHERE namespace = ? AND key = ?", c.name, key.String()).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			CacheMisses.WithLabelValues(c.name).Inc()
			return nil, ErrCacheMiss
		}
		return nil, storageError("match", c.name, err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, storageError("match", c.name, fmt.Errorf("%w: %v", ErrInvalidEntry, err))
	}
	CacheHits.WithLabelValues(c.name).Inc()
	return &entry, nil
}

func (c *sqliteCache) Put(ctx context.Context, key RequestKey, entry *CacheEntry) error {
	if entry == nil {
		return fmt.Errorf("cache entry cannot be nil")
	}

	entry.CachedAt = time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return storageError("put", c.name, fmt.Errorf("marshal cache entry: %w", err))
	}

	tx, err := c.store.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("put", c.name, err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM namespaces WHERE name = ?", c.name).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return storageError("put", c.name, ErrNamespaceDeleted)
	}
	if err != nil {
		return storageError("put", c.name, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO entries (namespace, key, cached_at, seq, data)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM entries), ?)`,
		c.name, key.String(), entry.CachedAt.UnixNano(), data)
	if err != nil {
		return storageError("put", c.name, err)
	}
	if err := tx.Commit(); err != nil {
		return storageError("put", c.name, err)
	}

	CacheWrites.WithLabelValues(c.name).Inc()
	return nil
}

func (c *sqliteCache) Delete(ctx context.Context, key RequestKey) (bool, error) {
	result, err := c.store.db.ExecContext(ctx,
		"DELETE FROM entries WHERE namespace = ? AND key = ?", c.name, key.String())
	if err != nil {
		return false, storageError("delete", c.name, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, storageError("delete", c.name, err)
	}
	return n > 0, nil
}

func (c *sqliteCache) Records(ctx context.Context) ([]Record, error) {
	rows, err := c.store.db.QueryContext(ctx,
		"SELECT key, cached_at FROM entries WHERE namespace = ? ORDER BY cached_at ASC, seq ASC", c.name)
	if err != nil {
		return nil, storageError("records", c.name, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var k string
		var cachedAt int64
		if err := rows.Scan(&k, &cachedAt); err != nil {
			return nil, storageError("records", c.name, err)
		}
		key, err := ParseRequestKey(k)
		if err != nil {
			return nil, storageError("records", c.name, err)
		}
		records = append(records, Record{Key: key, CachedAt: time.Unix(0, cachedAt)})
	}
	if err := rows.Err(); err != nil {
		return nil, storageError("records", c.name, err)
	}
	return records, nil
}
