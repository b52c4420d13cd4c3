package hose

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loghose/loghose/go/filter"
	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/ops"
	"github.com/loghose/loghose/go/store"
	"github.com/loghose/loghose/go/store/sqlite"
	"github.com/stretchr/testify/require"
)

func newHose(t *testing.T, cfg Config, routes []logplan.RouteConfig) (*Hose, *sqlite.Store) {
	var db, err = sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	if cfg.FirehoseTable == "" {
		cfg.FirehoseTable = "log_firehose"
	}
	var h, err2 = New(cfg, routes, Deps{
		Store:  db,
		DiagKV: ops.NewMemoryKV(),
		DeadKV: ops.NewMemoryKV(),
		Env:    map[string]interface{}{"DEPLOY": "test", "SECRET": map[string]string{"k": "v"}},
	})
	require.NoError(t, err2)
	return h, db
}

func countRows(t *testing.T, db *sqlite.Store, table string) int {
	var n int
	var ok, err = db.First(context.Background(), store.Statement{
		SQL: `SELECT COUNT(*) FROM ` + store.QuoteIdentifier(table),
	}, &n)
	if err != nil {
		return 0 // Not created: no record ever routed to it.
	}
	require.True(t, ok)
	return n
}

func getRequest(target string, headers map[string]string) *logrecord.Request {
	var r = httptest.NewRequest("GET", target, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return &logrecord.Request{HTTP: r}
}

func TestRouterSoundnessEndToEnd(t *testing.T) {
	var ctx = context.Background()
	var h, db = newHose(t, Config{}, []logplan.RouteConfig{{
		TableName: "log_ab_test",
		Filter: []filter.Group{
			{"header:x-ab-test-group": {filter.Equals: "B"}},
		},
		Columns: []string{"receivedAt", "url", "headers"},
	}})

	h.Log(getRequest("https://example.com/a", map[string]string{"X-AB-Test-Group": "B"}))
	h.Log(getRequest("https://example.com/b", nil))
	h.Close(ctx)

	// Both requests hit the firehose; only the matching one hit the
	// filtered route.
	require.Equal(t, 2, countRows(t, db, "log_firehose"))
	require.Equal(t, 1, countRows(t, db, "log_ab_test"))
}

func TestRoutingIgnoresLaterRequestMutation(t *testing.T) {
	var ctx = context.Background()
	var h, db = newHose(t, Config{}, []logplan.RouteConfig{{
		TableName: "log_ab_test",
		Filter: []filter.Group{
			{"header:x-ab-test-group": {filter.Equals: "B"}},
		},
		Columns: []string{"receivedAt", "url"},
	}})

	// Handlers downstream of the middleware may mutate the request once
	// Log has returned; the routing decision must not observe it.
	var hit = getRequest("https://example.com/a", map[string]string{"X-AB-Test-Group": "B"})
	h.Log(hit)
	hit.HTTP.Header.Del("X-AB-Test-Group")

	var miss = getRequest("https://example.com/b", nil)
	h.Log(miss)
	miss.HTTP.Header.Set("X-AB-Test-Group", "B")

	h.Close(ctx)
	require.Equal(t, 1, countRows(t, db, "log_ab_test"))
	require.Equal(t, 2, countRows(t, db, "log_firehose"))
}

func TestLogDataDoesNotEnqueue(t *testing.T) {
	var ctx = context.Background()
	var h, db = newHose(t, Config{}, nil)

	var rec = h.LogData(getRequest("https://example.com/debug", nil))
	require.Equal(t, "https://example.com/debug", rec["url"])
	require.NotEmpty(t, rec["logId"])

	h.Close(ctx)
	require.Zero(t, countRows(t, db, "log_firehose"))
}

func TestMiddlewarePreservesBody(t *testing.T) {
	var ctx = context.Background()
	var h, db = newHose(t, Config{}, nil)

	var seen string
	var handler = h.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var b, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		seen = string(b)
	}))

	var w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("POST", "https://example.com/submit",
		strings.NewReader(`{"answer":42}`)))

	// The inner handler read the full body even though the record
	// captured it first.
	require.Equal(t, `{"answer":42}`, seen)

	h.Close(ctx)
	require.Equal(t, 1, countRows(t, db, "log_firehose"))

	var body string
	var ok, err = db.First(ctx, store.Statement{
		SQL: `SELECT "body" FROM "log_firehose"`,
	}, &body)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"answer":42}`, body)
}

func TestEnvSnapshotCapturesOnlyScalars(t *testing.T) {
	var h, _ = newHose(t, Config{}, nil)

	var rec = h.LogData(getRequest("https://example.com/", nil))
	require.Equal(t, `{"DEPLOY":"test"}`, rec["env"])
}

func TestFirehoseFilterFromConfig(t *testing.T) {
	var ctx = context.Background()
	var h, db = newHose(t, Config{
		FirehoseFilters: `[{"url.pathname":{"startsWith":"/api"}}]`,
	}, nil)

	h.Log(getRequest("https://example.com/api/users", nil))
	h.Log(getRequest("https://example.com/static/app.js", nil))
	h.Close(ctx)

	require.Equal(t, 1, countRows(t, db, "log_firehose"))
}

func TestConfigErrorsFailConstruction(t *testing.T) {
	var db, err = sqlite.Open(":memory:")
	require.NoError(t, err)
	defer db.Close()
	var deps = Deps{Store: db, DiagKV: ops.NewMemoryKV(), DeadKV: ops.NewMemoryKV()}

	var cases = map[string]func() error{
		"malformed firehose filters": func() error {
			var _, err = New(Config{FirehoseTable: "t", FirehoseFilters: "{nope"}, nil, deps)
			return err
		},
		"route without table": func() error {
			var _, err = New(Config{FirehoseTable: "t"}, []logplan.RouteConfig{{}}, deps)
			return err
		},
		"unknown route column": func() error {
			var _, err = New(Config{FirehoseTable: "t"}, []logplan.RouteConfig{
				{TableName: "log_x", Columns: []string{"nonsense"}},
			}, deps)
			return err
		},
	}
	for name, run := range cases {
		t.Run(name, func(t *testing.T) {
			var err = run()
			require.Error(t, err)
			var cfgErr *logplan.ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestDefensiveConfigParsing(t *testing.T) {
	var cfg = Config{
		BatchIntervalMs: "not-a-number",
		MaxBatchSize:    "-3",
		MaxBodySize:     "250",
		Shards:          "0",
		RetentionDays:   "abc",
	}
	require.Equal(t, 10*time.Second, cfg.batchInterval())
	require.Equal(t, 200, cfg.maxBatchSize())
	require.Equal(t, 250, cfg.maxBodySize())
	require.Equal(t, 4, cfg.shards())
	require.Zero(t, cfg.retentionDays())

	cfg = Config{BatchIntervalMs: "2500", MaxBatchSize: "50", RetentionDays: "30"}
	require.Equal(t, 2500*time.Millisecond, cfg.batchInterval())
	require.Equal(t, 50, cfg.maxBatchSize())
	require.Equal(t, 30, cfg.retentionDays())
}

func TestRetentionSweepPersistsWatermark(t *testing.T) {
	var ctx = context.Background()
	var h, db = newHose(t, Config{
		RetentionDays:       "30",
		PruningIntervalDays: "1",
	}, nil)

	h.RunRetentionSweep(ctx)

	// The sweep initialized the firehose table and recorded a durable
	// pruning watermark under the pruner instance.
	var watermark string
	var ok, err = db.First(ctx, store.Statement{
		SQL:  `SELECT state_value FROM "loghose_state" WHERE instance = ? AND state_key = ?`,
		Args: []interface{}{"pruner_log_firehose", "last_pruned_log_firehose"},
	}, &watermark)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, watermark)

	h.Close(ctx)
}
