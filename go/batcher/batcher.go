// Package batcher accumulates routed log records into per-table buffers
// and writes them to the log store in batches, driven by a size
// threshold and a periodic alarm. Each named instance owns its buffers,
// its failure counters, and durable per-table state (schema fingerprint,
// pruning watermark) persisted in the log store itself.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/ops"
	"github.com/loghose/loghose/go/store"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBatchInterval = 10 * time.Second
	DefaultMaxBatchSize  = 200

	// maxRetries bounds consecutive write failures of one table's batch
	// before it is moved to the dead-letter store.
	maxRetries = 3
)

// Config tunes batching behavior.
type Config struct {
	// BatchInterval is the alarm period: how long a buffered record may
	// wait before a flush.
	BatchInterval time.Duration
	// MaxBatchSize triggers an immediate flush of a table's buffer.
	MaxBatchSize int
	// Colo tags diagnostics and metrics with the serving location.
	Colo string
}

// Service owns the batcher instances of a process and their shared
// sinks.
type Service struct {
	cfg     Config
	store   store.Store
	diag    *ops.Diagnostics
	dead    *ops.DeadLetter
	metrics ops.Metrics

	mu         sync.Mutex
	instances  map[string]*Instance
	stateReady bool
}

// NewService builds a Service. Zero Config fields take defaults, and a
// nil Metrics discards observations.
func NewService(cfg Config, s store.Store, diag *ops.Diagnostics, dead *ops.DeadLetter, metrics ops.Metrics) *Service {
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = DefaultBatchInterval
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if metrics == nil {
		metrics = ops.NopMetrics{}
	}
	return &Service{
		cfg:       cfg,
		store:     s,
		diag:      diag,
		dead:      dead,
		metrics:   metrics,
		instances: make(map[string]*Instance),
	}
}

// Instance returns the named batcher instance, creating it on first
// contact.
func (s *Service) Instance(name string) *Instance {
	s.mu.Lock()
	defer s.mu.Unlock()

	var instance, ok = s.instances[name]
	if !ok {
		instance = newInstance(s, name)
		s.instances[name] = instance
	}
	return instance
}

// Drain closes every instance, best-effort flushing their buffers.
func (s *Service) Drain(ctx context.Context) {
	s.mu.Lock()
	var instances = make([]*Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		instances = append(instances, instance)
	}
	s.mu.Unlock()

	for _, instance := range instances {
		instance.Close(ctx)
	}
}

// Instance is a single named batcher: an actor whose buffers, counters,
// and alarm are guarded by a state mutex, with a per-table flush mutex
// so a claimed batch is never observed half-written.
type Instance struct {
	name string
	svc  *Service

	mu          sync.Mutex
	plan        *logplan.Plan
	batches     map[string][]logrecord.Record
	failures    map[string]int
	pending     map[string]bool
	initialized map[string]string
	flushMu     map[string]*sync.Mutex
	timer       *time.Timer
	alarmAt     time.Time
	closed      bool

	// tasks tracks fire-and-forget work (size-triggered flushes,
	// diagnostics pushes) which Close must settle before returning.
	tasks sync.WaitGroup
}

func newInstance(svc *Service, name string) *Instance {
	return &Instance{
		name:        name,
		svc:         svc,
		batches:     make(map[string][]logrecord.Record),
		failures:    make(map[string]int),
		pending:     make(map[string]bool),
		initialized: make(map[string]string),
		flushMu:     make(map[string]*sync.Mutex),
	}
}

// Name returns the instance's name.
func (i *Instance) Name() string { return i.name }

// SetLogPlan equips the instance to resolve routes during alarm-driven
// flushes. It is idempotent and must precede the first alarm flush.
func (i *Instance) SetLogPlan(plan *logplan.Plan) {
	i.mu.Lock()
	i.plan = plan
	i.mu.Unlock()
}

func (i *Instance) logPlan() *logplan.Plan {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.plan
}

// AddLog appends |rec| to the buffer of every matched route. A buffer
// reaching MaxBatchSize is flushed immediately in the background, and
// every add re-arms the alarm. AddLog never fails: flush errors are
// absorbed by the retry protocol.
func (i *Instance) AddLog(ctx context.Context, rec logrecord.Record, matched []*logplan.Route) {
	var full []*logplan.Route

	i.mu.Lock()
	for _, route := range matched {
		var table = route.TableName
		i.batches[table] = append(i.batches[table], rec.Clone())

		if len(i.batches[table]) >= i.svc.cfg.MaxBatchSize && !i.pending[table] {
			i.pending[table] = true
			full = append(full, route)
		}
	}
	if !i.closed {
		if i.timer == nil {
			i.timer = time.AfterFunc(i.svc.cfg.BatchInterval, func() {
				i.Alarm(context.Background())
			})
		} else {
			i.timer.Reset(i.svc.cfg.BatchInterval)
		}
		i.alarmAt = time.Now().Add(i.svc.cfg.BatchInterval)
	}
	i.mu.Unlock()

	for _, route := range full {
		i.guarded(func() {
			// Flush errors are handled by the retry protocol; they must
			// never surface into the add.
			_ = i.flushTable(context.Background(), route)
		})
	}
}

// Alarm is the periodic wake-up. It snapshots diagnostics state, then
// resolves a route for every non-empty buffer and flushes them
// concurrently. Without a plan buffers are retained for a later alarm.
func (i *Instance) Alarm(ctx context.Context) {
	i.guarded(func() {
		var background = context.Background()
		i.svc.diag.SnapshotState(background, i.name, i.stateSnapshot())
		i.svc.diag.RegisterAlive(background, i.name, time.Now())
	})

	i.mu.Lock()
	var plan = i.plan
	var tables = make([]string, 0, len(i.batches))
	for table, batch := range i.batches {
		if len(batch) != 0 {
			tables = append(tables, table)
		}
	}
	i.mu.Unlock()

	if plan == nil {
		if len(tables) != 0 {
			log.WithFields(log.Fields{
				"instance": i.name,
				"tables":   len(tables),
			}).Error("alarm fired with buffered records but no log plan; retaining buffers")
		}
		return
	}

	var group errgroup.Group
	for _, table := range tables {
		var route = plan.Route(table)
		if route == nil {
			log.WithFields(log.Fields{
				"instance": i.name,
				"table":    table,
			}).Error("no route for buffered table; retaining buffer")
			continue
		}
		group.Go(func() error { return i.flushTable(ctx, route) })
	}
	// Flush failures are logged and handled per table.
	_ = group.Wait()
}

// Close is the shutdown drain: it stops the alarm, settles in-flight
// background work, and best-effort flushes all remaining buffers.
// Nothing propagates past it.
func (i *Instance) Close(ctx context.Context) {
	i.mu.Lock()
	i.closed = true
	if i.timer != nil {
		i.timer.Stop()
	}
	i.mu.Unlock()

	i.tasks.Wait()

	var plan = i.logPlan()

	i.mu.Lock()
	var tables = make([]string, 0, len(i.batches))
	for table, batch := range i.batches {
		if len(batch) != 0 {
			tables = append(tables, table)
		}
	}
	i.mu.Unlock()

	if len(tables) != 0 && plan == nil {
		log.WithFields(log.Fields{
			"instance": i.name,
			"tables":   len(tables),
		}).Error("closing with buffered records but no log plan; records are lost")
	} else {
		var group errgroup.Group
		for _, table := range tables {
			var route = plan.Route(table)
			if route == nil {
				continue
			}
			group.Go(func() error { return i.flushTable(ctx, route) })
		}
		_ = group.Wait()
	}

	// Settle diagnostics pushed by the final flushes.
	i.tasks.Wait()
}

// guarded runs |fn| on a tracked goroutine. A panic is logged rather
// than unwinding into the caller.
func (i *Instance) guarded(fn func()) {
	i.tasks.Add(1)
	go func() {
		defer i.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(log.Fields{
					"instance": i.name,
					"panic":    r,
				}).Error("background task panicked")
			}
		}()
		fn()
	}()
}

// tableMu returns the flush mutex of |table|, which serializes
// claim+flush of its buffer.
func (i *Instance) tableMu(table string) *sync.Mutex {
	i.mu.Lock()
	defer i.mu.Unlock()

	var mu, ok = i.flushMu[table]
	if !ok {
		mu = new(sync.Mutex)
		i.flushMu[table] = mu
	}
	return mu
}

// stateSnapshot captures the instance for the diagnostics state_<id>
// key.
func (i *Instance) stateSnapshot() map[string]interface{} {
	i.mu.Lock()
	defer i.mu.Unlock()

	var batches = make(map[string][]logrecord.Record, len(i.batches))
	for table, batch := range i.batches {
		batches[table] = append([]logrecord.Record(nil), batch...)
	}
	var failures = make(map[string]int, len(i.failures))
	for table, count := range i.failures {
		failures[table] = count
	}
	var schemaHashes = make(map[string]string, len(i.initialized))
	for table, hash := range i.initialized {
		schemaHashes[table] = hash
	}
	// Pruning watermarks are durable rows of loghose_state rather than
	// instance memory, so they are not repeated here.
	var snapshot = map[string]interface{}{
		"id":                  i.name,
		"colo":                i.svc.cfg.Colo,
		"batches":             batches,
		"failureCountByTable": failures,
		"schemaHashByTable":   schemaHashes,
		"hasLogPlan":          i.plan != nil,
	}
	if !i.alarmAt.IsZero() {
		snapshot["alarmTime"] = i.alarmAt.UnixMilli()
	}
	return snapshot
}
