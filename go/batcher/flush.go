package batcher

import (
	"context"
	"time"

	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/ops"
	"github.com/loghose/loghose/go/store"
	log "github.com/sirupsen/logrus"
)

// flushTable writes out the buffered batch of |route|'s table. The claim
// of the buffer and its write are covered by the table's flush mutex, so
// at most one flush of a table is in motion and a concurrent AddLog only
// ever appends to the fresh buffer. On failure the batch is re-prepended
// for retry, preserving FIFO order, until maxRetries consecutive
// failures move it to the dead-letter store.
func (i *Instance) flushTable(ctx context.Context, route *logplan.Route) error {
	var table = route.TableName
	var mu = i.tableMu(table)
	mu.Lock()
	defer mu.Unlock()

	// Claim: take the buffer and leave a fresh one in its place.
	i.mu.Lock()
	var batch = i.batches[table]
	delete(i.batches, table)
	i.pending[table] = false
	i.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var started = time.Now()
	var err = i.writeBatch(ctx, route, batch)
	var duration = time.Since(started)

	if err == nil {
		i.mu.Lock()
		i.failures[table] = 0
		var isFirehose = i.plan != nil && i.plan.Firehose().TableName == table
		i.mu.Unlock()

		if isFirehose {
			i.guarded(func() {
				var background = context.Background()
				i.svc.diag.LastFirehoseBatch(background, batch)
				i.svc.diag.LastFirehoseEvent(background, batch[len(batch)-1])
			})
		}
		i.svc.metrics.BatchWrite(table, ops.OutcomeSuccess, len(batch), duration)

		log.WithFields(log.Fields{
			"instance": i.name,
			"table":    table,
			"size":     len(batch),
			"tookMs":   duration.Milliseconds(),
		}).Info("flushed batch")
		return nil
	}

	log.WithFields(log.Fields{
		"instance": i.name,
		"table":    table,
		"size":     len(batch),
		"err":      err,
	}).Error("batch write failed")

	i.guarded(func() {
		i.svc.diag.LastFailedBatch(context.Background(), table, err, batch, time.Now())
	})

	i.mu.Lock()
	i.failures[table]++
	var quarantine = i.failures[table] >= maxRetries
	if quarantine {
		i.failures[table] = 0
	} else {
		// Re-prepend so records drain in arrival order across retries.
		i.batches[table] = append(batch, i.batches[table]...)
	}
	i.mu.Unlock()

	if quarantine {
		if qErr := i.svc.dead.Quarantine(ctx, table, batch, time.Now()); qErr != nil {
			log.WithFields(log.Fields{
				"instance": i.name,
				"table":    table,
				"size":     len(batch),
				"err":      qErr,
			}).Error("dead-letter write failed; batch is lost")
		} else {
			log.WithFields(log.Fields{
				"instance": i.name,
				"table":    table,
				"size":     len(batch),
			}).Warn("batch exhausted retries and was quarantined")
		}
	}
	i.svc.metrics.BatchWrite(table, ops.OutcomeFailure, len(batch), duration)

	return err
}

// writeBatch initializes the table's schema and submits one batched
// INSERT per record, columns in the route's schema order.
func (i *Instance) writeBatch(ctx context.Context, route *logplan.Route, batch []logrecord.Record) error {
	if err := i.initializeSchema(ctx, route); err != nil {
		return err
	}

	var stmts = make([]store.Statement, len(batch))
	for n, rec := range batch {
		stmts[n] = store.InsertStatement(route.TableName, route.Schema, rec)
	}
	return i.svc.store.Batch(ctx, stmts)
}

// initializeSchema reconciles the live table with the route's schema,
// gated by the durable schema fingerprint and memoized per instance
// lifetime: with fingerprints equal, repeated initialization performs no
// DDL and no reads after the first.
func (i *Instance) initializeSchema(ctx context.Context, route *logplan.Route) error {
	var table = route.TableName

	i.mu.Lock()
	var memoized = i.initialized[table] == route.SchemaHash
	i.mu.Unlock()
	if memoized {
		return nil
	}

	var stored, _, err = i.loadState(ctx, schemaHashKey(table))
	if err != nil {
		return err
	}

	if stored != route.SchemaHash {
		var migrationType = ops.MigrationCreateTable
		if stored != "" {
			migrationType = ops.MigrationAlterTable
		}
		var started = time.Now()

		if err = store.ApplySchema(ctx, i.svc.store, table, route.Schema); err != nil {
			return err
		}
		if err = i.storeState(ctx, schemaHashKey(table), route.SchemaHash); err != nil {
			return err
		}
		i.svc.metrics.SchemaMigration(table, migrationType, route.SchemaHash, time.Since(started))

		log.WithFields(log.Fields{
			"instance":      i.name,
			"table":         table,
			"migrationType": migrationType,
			"schemaHash":    route.SchemaHash,
		}).Info("migrated table schema")
	}

	i.mu.Lock()
	i.initialized[table] = route.SchemaHash
	i.mu.Unlock()
	return nil
}
