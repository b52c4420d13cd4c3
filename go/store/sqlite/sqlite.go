// Package sqlite implements store.Store over a SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/loghose/loghose/go/store"
	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite-backed store.Store.
type Store struct {
	db *sql.DB
}

// Open opens the SQLite database at |path|, creating it if absent.
// ":memory:" opens a private in-memory database.
func Open(path string) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", path, err)
	}
	// SQLite admits a single writer. One pooled connection sidesteps
	// SQLITE_BUSY under concurrent flushes, and keeps a :memory:
	// database visible across calls.
	db.SetMaxOpenConns(1)

	if _, err = db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Exec(ctx context.Context, stmt store.Statement) (int64, error) {
	var res, err = s.db.ExecContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) Batch(ctx context.Context, stmts []store.Statement) error {
	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	for _, stmt := range stmts {
		if _, err = tx.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("executing %q: %w", stmt.SQL, err)
		}
	}
	return tx.Commit()
}

func (s *Store) First(ctx context.Context, stmt store.Statement, dest ...interface{}) (bool, error) {
	var err = s.db.QueryRowContext(ctx, stmt.SQL, stmt.Args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	} else if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) AllStrings(ctx context.Context, stmt store.Statement) ([]string, error) {
	var rows, err = s.db.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err = rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }
