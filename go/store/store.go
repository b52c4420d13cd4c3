// Package store defines the narrow persistence surface the pipeline
// writes through, and generates the SQLite-dialect statements (DDL and
// batched inserts) driven by log schemas.
package store

import (
	"context"
)

// Statement is a single parameterized SQL statement.
type Statement struct {
	SQL  string
	Args []interface{}
}

// Store is the pipeline's view of the log store. Implementations are
// safe for concurrent use.
type Store interface {
	// Exec runs one statement and returns the number of affected rows.
	Exec(ctx context.Context, stmt Statement) (int64, error)
	// Batch runs |stmts| as one atomic unit: either all statements
	// apply, or none do.
	Batch(ctx context.Context, stmts []Statement) error
	// First runs |stmt| and scans its first row into |dest|, returning
	// false if the result is empty.
	First(ctx context.Context, stmt Statement, dest ...interface{}) (bool, error)
	// AllStrings runs |stmt|, which selects a single text column, and
	// returns all of its rows.
	AllStrings(ctx context.Context, stmt Statement) ([]string, error)
}
