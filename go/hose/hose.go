// Package hose is the pipeline's entrypoint: it compiles the log plan
// once at construction, assembles records from incoming requests, and
// hands them to the shard router on tracked background tasks, so that
// callers never block on (and never observe an error from) logging.
package hose

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/loghose/loghose/go/batcher"
	"github.com/loghose/loghose/go/dispatch"
	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/ops"
	"github.com/loghose/loghose/go/store"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/task"
)

// sweepInterval paces the scheduled retention sweep. Pruning intervals
// are whole days, so an hourly check is plenty.
const sweepInterval = time.Hour

// Deps are the external collaborators of a Hose.
type Deps struct {
	// Store is the log store batches are written to.
	Store store.Store
	// DiagKV is the diagnostics namespace. DeadKV is the distinct
	// dead-letter namespace.
	DiagKV ops.KV
	DeadKV ops.KV
	// Metrics receives write, migration, and pruning observations.
	// Nil discards them.
	Metrics ops.Metrics
	// Env is the caller's environment snapshot; only scalar entries are
	// captured into records.
	Env map[string]interface{}
}

// Hose is the logging entrypoint. A Hose is safe for concurrent use.
type Hose struct {
	cfg         Config
	plan        *logplan.Plan
	service     *batcher.Service
	router      *dispatch.Router
	env         map[string]interface{}
	maxBodySize int

	// tasks tracks in-flight background dispatches for Close.
	tasks sync.WaitGroup
}

// New compiles the log plan from |cfg| and |routes| and wires the
// pipeline. A ConfigError fails construction: a worker with an invalid
// plan must not serve requests.
func New(cfg Config, routes []logplan.RouteConfig, deps Deps) (*Hose, error) {
	var filters, err = logplan.ParseFilters(cfg.FirehoseFilters)
	if err != nil {
		return nil, err
	}

	var plan *logplan.Plan
	if plan, err = logplan.Compile(logplan.RouteConfig{
		TableName:           cfg.FirehoseTable,
		Filter:              filters,
		RetentionDays:       cfg.retentionDays(),
		PruningIntervalDays: cfg.pruningIntervalDays(),
	}, routes); err != nil {
		return nil, err
	}

	var service = batcher.NewService(batcher.Config{
		BatchInterval: cfg.batchInterval(),
		MaxBatchSize:  cfg.maxBatchSize(),
		Colo:          cfg.Colo,
	}, deps.Store, ops.NewDiagnostics(deps.DiagKV, cfg.Colo), ops.NewDeadLetter(deps.DeadKV), deps.Metrics)

	log.WithFields(log.Fields{
		"routes":        len(plan.Routes()),
		"firehoseTable": cfg.FirehoseTable,
	}).Info("compiled log plan")

	return &Hose{
		cfg:         cfg,
		plan:        plan,
		service:     service,
		router:      dispatch.NewRouter(service, plan, cfg.shards()),
		env:         deps.Env,
		maxBodySize: cfg.maxBodySize(),
	}, nil
}

// Plan returns the compiled, immutable log plan.
func (h *Hose) Plan() *logplan.Plan { return h.plan }

// Log enqueues |req| for logging and returns immediately. Assembly and
// matching run synchronously: the handler downstream is free to consume
// the body and mutate the request once Log returns, so nothing may read
// the live request afterwards. Only the dispatch of the assembled
// record runs on a tracked background task. Log never fails the caller.
func (h *Hose) Log(req *logrecord.Request) {
	var rec = logrecord.Assemble(req, h.env, h.maxBodySize)
	var matched = h.plan.Match(req)
	if len(matched) == 0 {
		return
	}

	h.tasks.Add(1)
	go func() {
		defer h.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				log.WithField("panic", r).Error("log dispatch panicked")
			}
		}()

		h.router.Dispatch(context.Background(), rec, matched)
	}()
}

// LogData assembles and returns |req|'s record without enqueueing it, as
// a debugging affordance.
func (h *Hose) LogData(req *logrecord.Request) logrecord.Record {
	return logrecord.Assemble(req, h.env, h.maxBodySize)
}

// RunRetentionSweep is the scheduled cron body: every route carrying
// both a retention horizon and a pruning interval gets its own pruner
// instance, which receives the plan before the check so schema
// initialization can resolve the route. Errors are logged and the sweep
// continues; the durable watermark makes the next sweep retry.
func (h *Hose) RunRetentionSweep(ctx context.Context) {
	for _, route := range h.plan.Routes() {
		if route.RetentionDays <= 0 || route.PruningIntervalDays <= 0 {
			continue
		}
		var instance = h.service.Instance(dispatch.PrunerName(route.TableName))
		instance.SetLogPlan(h.plan)

		if err := instance.RunRetentionCheck(ctx, route); err != nil {
			log.WithFields(log.Fields{
				"table": route.TableName,
				"err":   err,
			}).Error("retention check failed")
		}
	}
}

// QueueTasks queues the periodic retention sweep onto |tasks|.
func (h *Hose) QueueTasks(tasks *task.Group) {
	tasks.Queue("retentionSweep", func() error {
		var ticker = time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				h.RunRetentionSweep(tasks.Context())
			case <-tasks.Context().Done():
				return nil
			}
		}
	})
}

// Middleware logs every request passing through it, fire-and-forget,
// preserving the body for |next|.
func (h *Hose) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Log(&logrecord.Request{
			HTTP:     r,
			Edge:     logrecord.EdgeFromHeaders(r),
			Received: time.Now(),
		})
		next.ServeHTTP(w, r)
	})
}

// Close waits out in-flight dispatches and drains every batcher
// instance, best effort.
func (h *Hose) Close(ctx context.Context) {
	h.tasks.Wait()
	h.service.Drain(ctx)
}
