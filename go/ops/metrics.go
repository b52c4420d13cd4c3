package ops

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"

	MigrationCreateTable = "create_table"
	MigrationAlterTable  = "alter_table"
)

// Metrics observes pipeline write, migration, and pruning outcomes.
type Metrics interface {
	BatchWrite(table, outcome string, size int, d time.Duration)
	SchemaMigration(table, migrationType, schemaHash string, d time.Duration)
	DataPruning(table, outcome string, rows int64, d time.Duration)
}

var (
	batchWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghose_batch_writes_total",
		Help: "Attempted batch writes by table and outcome.",
	}, []string{"table", "outcome", "colo"})
	batchWriteRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghose_batch_write_rows_total",
		Help: "Rows carried by attempted batch writes.",
	}, []string{"table", "outcome", "colo"})
	batchWriteDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loghose_batch_write_duration_seconds",
		Help:    "Latency of batch writes to the log store.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table", "outcome", "colo"})

	schemaMigrationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghose_schema_migrations_total",
		Help: "Applied schema migrations by table and type.",
	}, []string{"table", "migration_type", "schema_hash", "colo"})
	schemaMigrationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loghose_schema_migration_duration_seconds",
		Help:    "Latency of schema migrations.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table", "migration_type", "colo"})

	dataPruningTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghose_data_pruning_total",
		Help: "Retention pruning runs by table and outcome.",
	}, []string{"table", "outcome", "colo"})
	dataPruningRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "loghose_data_pruning_rows_total",
		Help: "Rows deleted by retention pruning.",
	}, []string{"table", "outcome", "colo"})
	dataPruningDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "loghose_data_pruning_duration_seconds",
		Help:    "Latency of retention pruning runs.",
		Buckets: prometheus.DefBuckets,
	}, []string{"table", "outcome", "colo"})
)

// PromMetrics implements Metrics over the process's prometheus registry,
// tagging every sample with the serving colo.
type PromMetrics struct {
	colo string
}

func NewPromMetrics(colo string) *PromMetrics { return &PromMetrics{colo: colo} }

func (m *PromMetrics) BatchWrite(table, outcome string, size int, d time.Duration) {
	batchWritesTotal.WithLabelValues(table, outcome, m.colo).Inc()
	batchWriteRowsTotal.WithLabelValues(table, outcome, m.colo).Add(float64(size))
	batchWriteDuration.WithLabelValues(table, outcome, m.colo).Observe(d.Seconds())
}

func (m *PromMetrics) SchemaMigration(table, migrationType, schemaHash string, d time.Duration) {
	schemaMigrationsTotal.WithLabelValues(table, migrationType, schemaHash, m.colo).Inc()
	schemaMigrationDuration.WithLabelValues(table, migrationType, m.colo).Observe(d.Seconds())
}

func (m *PromMetrics) DataPruning(table, outcome string, rows int64, d time.Duration) {
	dataPruningTotal.WithLabelValues(table, outcome, m.colo).Inc()
	dataPruningRowsTotal.WithLabelValues(table, outcome, m.colo).Add(float64(rows))
	dataPruningDuration.WithLabelValues(table, outcome, m.colo).Observe(d.Seconds())
}

// NopMetrics discards all observations.
type NopMetrics struct{}

func (NopMetrics) BatchWrite(string, string, int, time.Duration) {}

func (NopMetrics) SchemaMigration(string, string, string, time.Duration) {}

func (NopMetrics) DataPruning(string, string, int64, time.Duration) {}
