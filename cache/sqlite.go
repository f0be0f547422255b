package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage keeps generations in a SQLite database.
// Several origins may share one database file, each under its own scope.
type SQLiteStorage struct {
	db         *sql.DB
	scope      string
	writeMutex *sync.Mutex
}

// NewSQLiteStorage opens (and migrates) the database with the given file name.
// If file name is empty, a private in-memory db is opened.
func NewSQLiteStorage(filename, scope string) (SQLiteStorage, error) {
	inMemory := filename == ""
	if inMemory {
		filename = ":memory:"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	// every new connection to :memory: is a new empty database
	if inMemory {
		db.SetMaxOpenConns(1)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS generations (
			scope TEXT NOT NULL,
			tag TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (scope, tag)
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			scope TEXT NOT NULL,
			tag TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER NOT NULL,
			bytes BLOB,
			PRIMARY KEY (scope, tag, key)
		)`,
	}
	if !inMemory {
		statements = append(statements, "PRAGMA journal_mode=WAL")
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("could not migrate %s: %w", filename, err)
		}
	}
	return SQLiteStorage{
		db:         db,
		scope:      scope,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s SQLiteStorage) Open(ctx context.Context, tag string) (Generation, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (scope, tag, created_at) VALUES (?, ?, ?)",
		s.scope, tag, time.Now().UnixNano())
	if err != nil {
		return nil, err
	}
	return sqliteGeneration{s: s, tag: tag}, nil
}

func (s SQLiteStorage) Has(ctx context.Context, tag string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM generations WHERE scope = ? AND tag = ?", s.scope, tag).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT tag FROM generations WHERE scope = ? ORDER BY created_at ASC, rowid ASC", s.scope)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tags := make([]string, 0)
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return tags, err
		}
		tags = append(tags, tag)
	}
	return tags, rows.Err()
}

func (s SQLiteStorage) Delete(ctx context.Context, tag string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE scope = ? AND tag = ?", s.scope, tag); err != nil {
		return false, err
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE scope = ? AND tag = ?", s.scope, tag)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return deleted > 0, tx.Commit()
}

type sqliteGeneration struct {
	s   SQLiteStorage
	tag string
}

func (g sqliteGeneration) Tag() string {
	return g.tag
}

func (g sqliteGeneration) Get(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := g.s.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE scope = ? AND tag = ? AND key = ?",
		g.s.scope, g.tag, key).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (g sqliteGeneration) Put(ctx context.Context, entry Entry) error {
	return g.PutAll(ctx, []Entry{entry})
}

// PutAll writes the entries in one transaction.
// The insert only matches while the generation row exists, so writes through a
// stale handle never recreate a deleted generation.
func (g sqliteGeneration) PutAll(ctx context.Context, entries []Entry) error {
	g.s.writeMutex.Lock()
	defer g.s.writeMutex.Unlock()
	tx, err := g.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, entry := range entries {
		result, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(scope, tag, key, stored_at, bytes)
			SELECT scope, tag, ?, ?, ? FROM generations WHERE scope = ? AND tag = ?`,
			entry.Key, entry.StoredAt.UnixNano(), entry.Bytes, g.s.scope, g.tag)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return ErrGenerationDeleted
		}
	}
	return tx.Commit()
}

func (g sqliteGeneration) Keys(ctx context.Context) ([]string, error) {
	rows, err := g.s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE scope = ? AND tag = ? ORDER BY key ASC", g.s.scope, g.tag)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (g sqliteGeneration) Delete(ctx context.Context, key string) (bool, error) {
	g.s.writeMutex.Lock()
	defer g.s.writeMutex.Unlock()
	result, err := g.s.db.ExecContext(ctx,
		"DELETE FROM entries WHERE scope = ? AND tag = ? AND key = ?", g.s.scope, g.tag, key)
	if err != nil {
		return false, err
	}
	deleted, err := result.RowsAffected()
	return deleted > 0, err
}
