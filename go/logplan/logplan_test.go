package logplan_test

import (
	"net/http/httptest"
	"testing"

	"github.com/loghose/loghose/go/filter"
	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/logschema"
	"github.com/stretchr/testify/require"
)

func request(method, url string, headers map[string]string) *logrecord.Request {
	var r = httptest.NewRequest(method, url, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return &logrecord.Request{HTTP: r}
}

func TestFirehoseOnlyPlan(t *testing.T) {
	var plan, err = logplan.Compile(
		logplan.RouteConfig{TableName: "log_firehose", RetentionDays: 90}, nil)
	require.NoError(t, err)

	require.Len(t, plan.Routes(), 1)

	var fire = plan.Firehose()
	require.Equal(t, "log_firehose", fire.TableName)
	require.Equal(t, logschema.Master(), fire.Schema)
	require.Equal(t, logschema.Fingerprint(logschema.Master()), fire.SchemaHash)
	require.Len(t, fire.SchemaHash, 16)
	require.Equal(t, 90, fire.RetentionDays)

	require.True(t, fire.Predicate(request("GET", "http://example.com/", nil)))
	require.True(t, fire.Predicate(request("POST", "http://example.com/x", nil)))
}

func TestUserRoutes(t *testing.T) {
	var plan, err = logplan.Compile(
		logplan.RouteConfig{TableName: "log_firehose"},
		[]logplan.RouteConfig{
			{
				TableName: "log_experiments",
				Filter:    []filter.Group{{"header:x-ab-test-group": {filter.Equals: "B"}}},
				Columns:   []string{"receivedAt", "url", "method"},
			},
			{TableName: "log_everything"},
		})
	require.NoError(t, err)
	require.Len(t, plan.Routes(), 3)

	var exp = plan.Route("log_experiments")
	require.NotNil(t, exp)

	// Column subsets keep master order and carry the primary key.
	var names []string
	for _, f := range exp.Schema {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"logId", "receivedAt", "url", "method"}, names)
	require.NotEqual(t, plan.Firehose().SchemaHash, exp.SchemaHash)

	// Nil columns carry the full master schema.
	require.Equal(t, logschema.Master(), plan.Route("log_everything").Schema)

	// Match applies each route's predicate.
	var matched = plan.Match(request("GET", "http://example.com/",
		map[string]string{"X-AB-Test-Group": "B"}))
	require.Len(t, matched, 3)

	matched = plan.Match(request("GET", "http://example.com/", nil))
	require.Len(t, matched, 2)
	for _, r := range matched {
		require.NotEqual(t, "log_experiments", r.TableName)
	}
}

func TestConfigErrors(t *testing.T) {
	var cases = []struct {
		firehose logplan.RouteConfig
		user     []logplan.RouteConfig
		err      string
	}{
		{logplan.RouteConfig{}, nil,
			"invalid log plan: route has no tableName"},
		{logplan.RouteConfig{TableName: "log_firehose"},
			[]logplan.RouteConfig{{TableName: "t", Columns: []string{"nope"}}},
			`invalid route "t": unknown columns [nope]`},
		{logplan.RouteConfig{TableName: "log_firehose"},
			[]logplan.RouteConfig{{TableName: "log_firehose"}},
			`invalid route "log_firehose": duplicate route table`},
	}
	for _, tc := range cases {
		var _, err = logplan.Compile(tc.firehose, tc.user)
		require.EqualError(t, err, tc.err)

		var cfgErr *logplan.ConfigError
		require.ErrorAs(t, err, &cfgErr)
	}
}

func TestBadFilterDegradesToDenyAll(t *testing.T) {
	// A route whose filter doesn't compile matches nothing, but the rest
	// of the plan keeps serving.
	var plan, err = logplan.Compile(
		logplan.RouteConfig{TableName: "log_firehose"},
		[]logplan.RouteConfig{
			{
				TableName: "log_broken",
				Filter:    []filter.Group{{"cf.wat": {filter.Equals: "x"}}},
			},
		})
	require.NoError(t, err)

	var matched = plan.Match(request("GET", "http://example.com/", nil))
	require.Len(t, matched, 1)
	require.Equal(t, "log_firehose", matched[0].TableName)
}

func TestParseFilters(t *testing.T) {
	var groups, err = logplan.ParseFilters("")
	require.NoError(t, err)
	require.Nil(t, groups)

	groups, err = logplan.ParseFilters(`[{"url.pathname":{"startsWith":"/api"}}]`)
	require.NoError(t, err)
	require.Len(t, groups, 1)

	_, err = logplan.ParseFilters(`{not json`)
	var cfgErr *logplan.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParseRoutes(t *testing.T) {
	var routes, err = logplan.ParseRoutes([]byte(
		`[{"tableName":"log_api","columns":["url","method"],"retentionDays":30}]`))
	require.NoError(t, err)
	require.Len(t, routes, 1)
	require.Equal(t, "log_api", routes[0].TableName)
	require.Equal(t, 30, routes[0].RetentionDays)

	var cfgErr *logplan.ConfigError
	_, err = logplan.ParseRoutes([]byte(`wat`))
	require.ErrorAs(t, err, &cfgErr)
}
