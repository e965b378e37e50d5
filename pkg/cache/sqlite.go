package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	_ "modernc.org/sqlite"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS partitions (
		seq  INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE
	)`,
	`CREATE TABLE IF NOT EXISTS entries (
		seq       INTEGER PRIMARY KEY AUTOINCREMENT,
		partition TEXT NOT NULL,
		key       TEXT NOT NULL,
		entry     BLOB NOT NULL,
		UNIQUE (partition, key)
	)`,
	`CREATE INDEX IF NOT EXISTS entries_partition_idx ON entries (partition, seq)`,
}

// SQLiteStorage keeps partitions in a SQLite database file.
// Insertion order follows the AUTOINCREMENT sequence; INSERT OR REPLACE
// assigns a fresh sequence, moving overwritten keys to the end.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens (or creates) the database at path.
// Use "file::memory:?cache=shared" for an in-memory database.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLiteStorage{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// Open returns the named partition, creating it if needed.
func (s *SQLiteStorage) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, fmt.Errorf("partition name cannot be empty")
	}
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO partitions (name) VALUES (?)", name); err != nil {
		CacheErrors.WithLabelValues("open").Inc()
		return nil, fmt.Errorf("sqlite insert partition: %w", err)
	}
	return &sqlitePartition{db: s.db, name: name}, nil
}

// Has reports whether the named partition exists.
func (s *SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM partitions WHERE name = ?", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlite has partition: %w", err)
	}
	return n > 0, nil
}

// Delete removes the named partition and its entries.
func (s *SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, "DELETE FROM partitions WHERE name = ?", name)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite delete partition: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE partition = ?", name); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite delete entries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite commit: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}
	return n > 0, nil
}

// Names lists partitions in creation order.
func (s *SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	return queryStrings(ctx, s.db, "SELECT name FROM partitions ORDER BY seq")
}

type sqlitePartition struct {
	db   *sql.DB
	name string
}

func (p *sqlitePartition) Name() string {
	return p.name
}

func (p *sqlitePartition) Match(ctx context.Context, req *http.Request) (*Entry, error) {
	key := KeyFor(req).String()

	var data []byte
	err := p.db.QueryRowContext(ctx,
		"SELECT entry FROM entries WHERE partition = ? AND key = ?", p.name, key).Scan(&data)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("sqlite select entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if !entry.MatchesVary(req) {
		return nil, ErrCacheMiss
	}
	return &entry, nil
}

func (p *sqlitePartition) Put(ctx context.Context, req *http.Request, entry *Entry) error {
	stored, err := prepareEntry(req, entry)
	if err != nil {
		return err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	_, err = p.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO entries (partition, key, entry) VALUES (?, ?, ?)",
		p.name, KeyFor(req).String(), data)
	if err != nil {
		CacheErrors.WithLabelValues("put").Inc()
		return fmt.Errorf("sqlite put: %w", err)
	}
	return nil
}

func (p *sqlitePartition) Delete(ctx context.Context, key string) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		"DELETE FROM entries WHERE partition = ? AND key = ?", p.name, key)
	if err != nil {
		CacheErrors.WithLabelValues("delete").Inc()
		return false, fmt.Errorf("sqlite delete entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite rows affected: %w", err)
	}
	return n > 0, nil
}

func (p *sqlitePartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := queryStrings(ctx, p.db,
		"SELECT key FROM entries WHERE partition = ? ORDER BY seq", p.name)
	if err != nil {
		CacheErrors.WithLabelValues("keys").Inc()
	}
	return keys, err
}

func (p *sqlitePartition) Len(ctx context.Context) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM entries WHERE partition = ?", p.name).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite count: %w", err)
	}
	return n, nil
}

func queryStrings(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
