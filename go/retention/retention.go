// Package retention prunes log tables past their retention horizon.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/logschema"
	"github.com/loghose/loghose/go/store"
	log "github.com/sirupsen/logrus"
)

// Prune deletes rows of |table| received before the retention horizon of
// |retentionDays| behind |now|, and refreshes the store's planner
// statistics when rows were removed. It returns the number of rows
// deleted. On error the caller must leave its pruning bookkeeping
// untouched, so the next scheduled check retries.
func Prune(ctx context.Context, s store.Store, table string, retentionDays int, now time.Time) (int64, error) {
	var cutoff = logrecord.ISO8601(now.Add(-time.Duration(retentionDays) * 24 * time.Hour))

	var deleted, err = s.Exec(ctx, store.Statement{
		SQL: fmt.Sprintf("DELETE FROM %s WHERE %s < ?",
			store.QuoteIdentifier(table), store.QuoteIdentifier(logschema.ReceivedAt)),
		Args: []interface{}{cutoff},
	})
	if err != nil {
		return 0, fmt.Errorf("pruning table %q: %w", table, err)
	}

	if deleted > 0 {
		if _, err = s.Exec(ctx, store.Statement{
			SQL: "ANALYZE " + store.QuoteIdentifier(table),
		}); err != nil {
			return deleted, fmt.Errorf("analyzing table %q: %w", table, err)
		}
	}

	log.WithFields(log.Fields{
		"table":   table,
		"cutoff":  cutoff,
		"deleted": deleted,
	}).Info("pruned table")
	return deleted, nil
}
