package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/logschema"
	log "github.com/sirupsen/logrus"
)

// QuoteIdentifier quotes |ident| for use as a SQLite identifier.
func QuoteIdentifier(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// CreateTableStatement builds CREATE TABLE IF NOT EXISTS with columns in
// schema order.
func CreateTableStatement(table string, schema logschema.Schema) Statement {
	var b strings.Builder
	b.WriteString("CREATE TABLE IF NOT EXISTS ")
	b.WriteString(QuoteIdentifier(table))
	b.WriteString(" (")

	for i, field := range schema {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdentifier(field.Name))
		b.WriteByte(' ')
		b.WriteString(string(field.Type))
		if field.Constraints != "" {
			b.WriteByte(' ')
			b.WriteString(field.Constraints)
		}
	}
	b.WriteByte(')')
	return Statement{SQL: b.String()}
}

// CreateIndexStatement builds CREATE INDEX IF NOT EXISTS idx_<column>.
func CreateIndexStatement(table, column string) Statement {
	return Statement{SQL: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		QuoteIdentifier("idx_"+column),
		QuoteIdentifier(table),
		QuoteIdentifier(column))}
}

// AddColumnStatement builds an additive ALTER TABLE for |field|.
func AddColumnStatement(table string, field logschema.Field) Statement {
	var sql = fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s",
		QuoteIdentifier(table), QuoteIdentifier(field.Name), field.Type)
	if field.Constraints != "" {
		sql += " " + field.Constraints
	}
	return Statement{SQL: sql}
}

// InsertStatement builds one parameterized INSERT of |rec| with columns
// in schema order. Schema columns absent from the record bind as nulls;
// record fields outside the schema are not carried.
func InsertStatement(table string, schema logschema.Schema, rec logrecord.Record) Statement {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(QuoteIdentifier(table))
	b.WriteString(" (")

	var args = make([]interface{}, len(schema))
	for i, field := range schema {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteString(QuoteIdentifier(field.Name))
		args[i] = rec[field.Name]
	}
	b.WriteString(") VALUES (")
	for i := range schema {
		if i != 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	b.WriteByte(')')
	return Statement{SQL: b.String(), Args: args}
}

// ApplySchema reconciles the live table with |schema|: an absent table
// is created with its declared indexes, while an existing table gains
// any missing columns (one batched operation) and missing indexes.
// Columns are never dropped or retyped. Catalog and DDL failures log the
// offending statements and propagate to the caller.
func ApplySchema(ctx context.Context, s Store, table string, schema logschema.Schema) error {
	var exists, err = s.First(ctx, Statement{
		SQL:  "SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = ?",
		Args: []interface{}{table},
	}, new(int))
	if err != nil {
		return fmt.Errorf("querying catalog for table %q: %w", table, err)
	}

	var stmts []Statement
	if !exists {
		stmts = append(stmts, CreateTableStatement(table, schema))
		for _, field := range schema {
			if field.Indexed {
				stmts = append(stmts, CreateIndexStatement(table, field.Name))
			}
		}
	} else {
		var columns, err = s.AllStrings(ctx, Statement{
			SQL:  "SELECT name FROM pragma_table_info(?)",
			Args: []interface{}{table},
		})
		if err != nil {
			return fmt.Errorf("reading columns of table %q: %w", table, err)
		}
		indexes, err := s.AllStrings(ctx, Statement{
			SQL:  "SELECT name FROM sqlite_master WHERE type = 'index' AND tbl_name = ?",
			Args: []interface{}{table},
		})
		if err != nil {
			return fmt.Errorf("reading indexes of table %q: %w", table, err)
		}

		var haveColumn = make(map[string]struct{}, len(columns))
		for _, c := range columns {
			haveColumn[c] = struct{}{}
		}
		var haveIndex = make(map[string]struct{}, len(indexes))
		for _, i := range indexes {
			haveIndex[i] = struct{}{}
		}

		for _, field := range schema {
			if _, ok := haveColumn[field.Name]; !ok {
				stmts = append(stmts, AddColumnStatement(table, field))
			}
		}
		for _, field := range schema {
			if !field.Indexed {
				continue
			}
			if _, ok := haveIndex["idx_"+field.Name]; !ok {
				stmts = append(stmts, CreateIndexStatement(table, field.Name))
			}
		}
	}

	if len(stmts) == 0 {
		return nil
	}
	if err = s.Batch(ctx, stmts); err != nil {
		var sql = make([]string, len(stmts))
		for i, stmt := range stmts {
			sql[i] = stmt.SQL
		}
		log.WithFields(log.Fields{
			"table": table,
			"sql":   strings.Join(sql, "; "),
			"err":   err,
		}).Error("schema migration failed")
		return fmt.Errorf("migrating table %q: %w", table, err)
	}
	return nil
}
