package batcher

import (
	"context"
	"strconv"
	"time"

	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/ops"
	"github.com/loghose/loghose/go/retention"
	log "github.com/sirupsen/logrus"
)

// RunRetentionCheck prunes |route|'s table if its pruning interval has
// elapsed since the durably recorded last pruning. On success the
// watermark advances; on any failure it is left untouched, so the next
// scheduled check retries.
func (i *Instance) RunRetentionCheck(ctx context.Context, route *logplan.Route) error {
	if route.RetentionDays <= 0 || route.PruningIntervalDays <= 0 {
		return nil
	}
	var table = route.TableName

	var lastPruned int64
	if value, ok, err := i.loadState(ctx, lastPrunedKey(table)); err != nil {
		return err
	} else if ok {
		if lastPruned, err = strconv.ParseInt(value, 10, 64); err != nil {
			log.WithFields(log.Fields{
				"instance": i.name,
				"table":    table,
				"value":    value,
			}).Warn("discarding malformed pruning watermark")
			lastPruned = 0
		}
	}

	var now = time.Now()
	var interval = time.Duration(route.PruningIntervalDays) * 24 * time.Hour
	if now.UnixMilli()-lastPruned <= interval.Milliseconds() {
		return nil
	}

	// The table may not have seen a flush yet on this instance.
	if err := i.initializeSchema(ctx, route); err != nil {
		return err
	}

	var deleted, err = retention.Prune(ctx, i.svc.store, table, route.RetentionDays, now)
	var duration = time.Since(now)

	if err != nil {
		i.svc.metrics.DataPruning(table, ops.OutcomeFailure, deleted, duration)
		return err
	}
	if err = i.storeState(ctx, lastPrunedKey(table), strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		return err
	}

	i.svc.metrics.DataPruning(table, ops.OutcomeSuccess, deleted, duration)
	i.guarded(func() {
		i.svc.diag.RecordPruning(context.Background(), table, ops.PruneOutcome{
			LastPrunedTimestamp: now.UnixMilli(),
			LastRowsDeleted:     deleted,
			LastPruneDurationMs: duration.Milliseconds(),
		})
	})
	return nil
}
