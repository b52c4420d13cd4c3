package filter_test

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/loghose/loghose/go/filter"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/stretchr/testify/require"
)

func testRequest(method, url string, headers map[string]string, edge *logrecord.EdgeInfo) *logrecord.Request {
	var r = httptest.NewRequest(method, url, nil)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return &logrecord.Request{HTTP: r, Edge: edge}
}

func compileJSON(t *testing.T, doc string) filter.Predicate {
	var groups []filter.Group
	require.NoError(t, json.Unmarshal([]byte(doc), &groups))

	var pred, err = filter.Compile(groups)
	require.NoError(t, err)
	return pred
}

func TestEmptyFilterMatchesAll(t *testing.T) {
	var pred, err = filter.Compile(nil)
	require.NoError(t, err)
	require.True(t, pred(testRequest("GET", "http://example.com/", nil, nil)))
}

func TestHeaderRule(t *testing.T) {
	var pred = compileJSON(t, `[{"header:x-ab-test-group":{"equals":"B"}}]`)

	require.True(t, pred(testRequest("GET", "http://example.com/",
		map[string]string{"X-AB-Test-Group": "B"}, nil)))
	require.False(t, pred(testRequest("GET", "http://example.com/",
		map[string]string{"X-AB-Test-Group": "A"}, nil)))
	require.False(t, pred(testRequest("GET", "http://example.com/", nil, nil)))
}

func TestGroupsConjoinRulesAndDisjoinGroups(t *testing.T) {
	var pred = compileJSON(t, `[
		{"request.method":{"equals":"POST"},"url.pathname":{"startsWith":"/api"}},
		{"url.pathname":{"equals":"/health"}}
	]`)

	require.True(t, pred(testRequest("POST", "http://example.com/api/orders", nil, nil)))
	require.False(t, pred(testRequest("GET", "http://example.com/api/orders", nil, nil)))
	require.False(t, pred(testRequest("POST", "http://example.com/orders", nil, nil)))
	require.True(t, pred(testRequest("GET", "http://example.com/health", nil, nil)))
}

func TestStringOperators(t *testing.T) {
	var req = testRequest("GET", "https://shop.example.com/api/v2/items?q=1", nil, nil)

	for doc, want := range map[string]bool{
		`[{"url.pathname":{"contains":"/v2/"}}]`:           true,
		`[{"url.pathname":{"endsWith":"items"}}]`:          true,
		`[{"url.pathname":{"startsWith":"/admin"}}]`:       false,
		`[{"url.hostname":{"equals":"shop.example.com"}}]`: true,
		`[{"url.search":{"contains":"q=1"}}]`:              true,
		`[{"header:x-missing":{"contains":"x"}}]`:          false,
	} {
		require.Equal(t, want, compileJSON(t, doc)(req), "filter %s", doc)
	}
}

func TestNumberOperators(t *testing.T) {
	var edge = &logrecord.EdgeInfo{
		ThreatScore:   30,
		BotManagement: &logrecord.BotManagement{Score: 80},
	}
	var req = testRequest("GET", "http://example.com/", nil, edge)

	for doc, want := range map[string]bool{
		`[{"cf.threatScore":{"greaterThan":10}}]`:         true,
		`[{"cf.threatScore":{"lessThan":10}}]`:            false,
		`[{"cf.threatScore":{"equals":30}}]`:              true,
		`[{"cf.botManagement.score":{"lessThan":90}}]`:    true,
		`[{"cf.botManagement.score":{"greaterThan":90}}]`: false,
	} {
		require.Equal(t, want, compileJSON(t, doc)(req), "filter %s", doc)
	}
}

func TestBooleanAndCookieRules(t *testing.T) {
	var edge = &logrecord.EdgeInfo{
		BotManagement: &logrecord.BotManagement{VerifiedBot: true},
	}
	var req = testRequest("GET", "http://example.com/",
		map[string]string{"Cookie": "uID=u-1; plan=pro"}, edge)

	require.True(t, compileJSON(t, `[{"cf.botManagement.verifiedBot":{"equals":true}}]`)(req))
	require.False(t, compileJSON(t, `[{"cf.botManagement.verifiedBot":{"equals":false}}]`)(req))
	require.True(t, compileJSON(t, `[{"cookie:plan":{"equals":"pro"}}]`)(req))
	require.False(t, compileJSON(t, `[{"cookie:absent":{"exists":true}}]`)(req))
}

func TestNullSubjects(t *testing.T) {
	// No edge annotations: cf fields are null. Only doesNotExist matches.
	var req = testRequest("GET", "http://example.com/", nil, nil)

	require.False(t, compileJSON(t, `[{"cf.country":{"equals":"US"}}]`)(req))
	require.False(t, compileJSON(t, `[{"cf.country":{"exists":true}}]`)(req))
	require.True(t, compileJSON(t, `[{"cf.country":{"doesNotExist":true}}]`)(req))
	require.False(t, compileJSON(t, `[{"cf.threatScore":{"greaterThan":0}}]`)(req))
}

func TestCompileErrors(t *testing.T) {
	var cases = []struct {
		doc, err string
	}{
		{`[{"cf.nonsense":{"equals":"x"}}]`, `unknown filter field "cf.nonsense"`},
		{`[{"cf.threatScore":{"contains":"x"}}]`, `operator "contains" is not valid for number fields`},
		{`[{"request.method":{"greaterThan":3}}]`, `operator "greaterThan" is not valid for string fields`},
		{`[{"request.method":{"equals":3}}]`, `operator "equals" requires a string literal, not float64`},
		{`[{"cf.threatScore":{"lessThan":"9"}}]`, `operator "lessThan" requires a numeric literal, not string`},
		{`[{"cf.botManagement.verifiedBot":{"equals":"yes"}}]`, `operator "equals" requires a boolean literal, not string`},
	}
	for _, tc := range cases {
		var groups []filter.Group
		require.NoError(t, json.Unmarshal([]byte(tc.doc), &groups))

		var _, err = filter.Compile(groups)
		require.ErrorContains(t, err, tc.err, "filter %s", tc.doc)
	}
}

func TestDenyAll(t *testing.T) {
	require.False(t, filter.DenyAll(testRequest("GET", "http://example.com/", nil, nil)))
}
