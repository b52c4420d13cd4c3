package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loghose/loghose/go/logrecord"
	log "github.com/sirupsen/logrus"
)

// Diagnostics publishes best-effort observability snapshots into a KV
// namespace. Writes are advisory: failures are logged and dropped, and
// never disturb the logging path.
type Diagnostics struct {
	kv   KV
	colo string
}

func NewDiagnostics(kv KV, colo string) *Diagnostics {
	return &Diagnostics{kv: kv, colo: colo}
}

// aliveTTL bounds how long an idle instance stays listed as active.
const aliveTTL = 65 * time.Second

func (d *Diagnostics) put(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	var b, err = json.Marshal(value)
	if err == nil {
		err = d.kv.Put(ctx, key, b, ttl)
	}
	if err != nil {
		log.WithFields(log.Fields{"key": key, "err": err}).Warn("diagnostics write failed")
	}
}

// SnapshotState publishes an instance state snapshot under state_<id>.
func (d *Diagnostics) SnapshotState(ctx context.Context, id string, state interface{}) {
	d.put(ctx, "state_"+id, state, 0)
}

// RegisterAlive marks instance |id| as recently active, with a TTL so
// that idle instances age out of the listing.
func (d *Diagnostics) RegisterAlive(ctx context.Context, id string, lastSeen time.Time) {
	d.put(ctx, "active_do_"+id, map[string]interface{}{
		"colo":     d.colo,
		"lastSeen": lastSeen.UnixMilli(),
	}, aliveTTL)
}

// LastFirehoseBatch records the most recent successfully written
// firehose batch.
func (d *Diagnostics) LastFirehoseBatch(ctx context.Context, batch []logrecord.Record) {
	d.put(ctx, "last_firehose_batch", batch, 0)
}

// LastFirehoseEvent records the most recent successfully written
// firehose record.
func (d *Diagnostics) LastFirehoseEvent(ctx context.Context, event logrecord.Record) {
	d.put(ctx, "last_firehose_event", event, 0)
}

// LastFailedBatch records the most recent batch write failure together
// with the batch contents.
func (d *Diagnostics) LastFailedBatch(ctx context.Context, table string, cause error, batch []logrecord.Record, at time.Time) {
	d.put(ctx, "last_failed_batch", map[string]interface{}{
		"timestamp": logrecord.ISO8601(at),
		"tableName": table,
		"error":     cause.Error(),
		"batch":     batch,
	}, 0)
}

// PruneOutcome is one table's entry of the pruning summary.
type PruneOutcome struct {
	LastPrunedTimestamp int64 `json:"lastPrunedTimestamp"`
	LastRowsDeleted     int64 `json:"lastRowsDeleted"`
	LastPruneDurationMs int64 `json:"lastPruneDurationMs"`
}

// RecordPruning folds |outcome| into the shared pruning_summary entry.
func (d *Diagnostics) RecordPruning(ctx context.Context, table string, outcome PruneOutcome) {
	var summary = make(map[string]PruneOutcome)

	if b, ok, err := d.kv.Get(ctx, "pruning_summary"); err != nil {
		log.WithField("err", err).Warn("reading pruning summary failed")
	} else if ok {
		if err = json.Unmarshal(b, &summary); err != nil {
			log.WithField("err", err).Warn("discarding malformed pruning summary")
			summary = make(map[string]PruneOutcome)
		}
	}
	summary[table] = outcome
	d.put(ctx, "pruning_summary", summary, 0)
}

// DeadLetter stores batches which exhausted their write retries, in a
// namespace distinct from diagnostics. Unlike diagnostics writes, a
// failed dead-letter write is an error: the batch is otherwise lost.
type DeadLetter struct {
	kv KV
}

func NewDeadLetter(kv KV) *DeadLetter { return &DeadLetter{kv: kv} }

// Quarantine persists |batch| under deadletter_<table>_<ISO8601>.
func (q *DeadLetter) Quarantine(ctx context.Context, table string, batch []logrecord.Record, now time.Time) error {
	var key = fmt.Sprintf("deadletter_%s_%s", table, logrecord.ISO8601(now))

	var b, err = json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("serializing dead-letter batch: %w", err)
	}
	if err = q.kv.Put(ctx, key, b, 0); err != nil {
		return fmt.Errorf("writing %q: %w", key, err)
	}
	return nil
}
