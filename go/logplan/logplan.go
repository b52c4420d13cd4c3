// Package logplan compiles route configurations into the immutable log
// plan which the request path evaluates: an ordered list of routes, each
// a destination table, a column subset, and a compiled filter predicate.
// The route at index zero is the firehose, which captures every request
// with the full master schema.
package logplan

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/loghose/loghose/go/filter"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/logschema"
	log "github.com/sirupsen/logrus"
)

// ConfigError is an invalid plan or route configuration, detected when
// the plan is compiled. A process with an invalid plan must not serve
// requests.
type ConfigError struct {
	Table string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Table == "" {
		return fmt.Sprintf("invalid log plan: %v", e.Err)
	}
	return fmt.Sprintf("invalid route %q: %v", e.Table, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// RouteConfig is the declarative form of a single log route.
type RouteConfig struct {
	TableName string `json:"tableName"`
	// Filter is a nullable list of rule groups (see package filter).
	// Nil matches every request.
	Filter []filter.Group `json:"filter,omitempty"`
	// Columns is a nullable subset of master schema columns carried by
	// this route. Nil carries the full master schema.
	Columns             []string `json:"columns,omitempty"`
	RetentionDays       int      `json:"retentionDays,omitempty"`
	PruningIntervalDays int      `json:"pruningIntervalDays,omitempty"`
}

// Route is a compiled route. It is immutable and shared read-only.
type Route struct {
	TableName string
	Predicate filter.Predicate
	// Schema is the route's column subset, in master schema order.
	Schema logschema.Schema
	// SchemaHash is the 16 character fingerprint of Schema.
	SchemaHash          string
	RetentionDays       int
	PruningIntervalDays int
}

// Plan is the compiled, ordered route list.
type Plan struct {
	routes  []*Route
	byTable map[string]*Route
}

// Compile builds the plan: the firehose route at index zero, then user
// routes in declaration order. Structural route errors (missing or
// duplicate table, unknown column) fail compilation with a ConfigError.
// A route whose filter fails to compile is instead degraded to match
// nothing, and the failure is logged: one bad filter must not take down
// the pipeline's remaining routes.
func Compile(firehose RouteConfig, user []RouteConfig) (*Plan, error) {
	var plan = &Plan{byTable: make(map[string]*Route, len(user)+1)}

	var route, err = compileRoute(firehose, true)
	if err != nil {
		return nil, err
	}
	plan.routes = append(plan.routes, route)
	plan.byTable[route.TableName] = route

	for _, cfg := range user {
		if route, err = compileRoute(cfg, false); err != nil {
			return nil, err
		}
		if _, dup := plan.byTable[route.TableName]; dup {
			return nil, &ConfigError{Table: route.TableName, Err: errors.New("duplicate route table")}
		}
		plan.routes = append(plan.routes, route)
		plan.byTable[route.TableName] = route
	}
	return plan, nil
}

func compileRoute(cfg RouteConfig, firehose bool) (*Route, error) {
	if cfg.TableName == "" {
		return nil, &ConfigError{Err: errors.New("route has no tableName")}
	}

	var schema = logschema.Master()
	if !firehose && cfg.Columns != nil {
		var err error
		if schema, err = schema.Subset(cfg.Columns); err != nil {
			return nil, &ConfigError{Table: cfg.TableName, Err: err}
		}
	}

	var predicate, err = filter.Compile(cfg.Filter)
	if err != nil {
		log.WithFields(log.Fields{
			"table": cfg.TableName,
			"err":   err,
		}).Error("[FilterCompiler] route filter failed to compile; route degraded to match nothing")
		predicate = filter.DenyAll
	}

	return &Route{
		TableName:           cfg.TableName,
		Predicate:           predicate,
		Schema:              schema,
		SchemaHash:          logschema.Fingerprint(schema),
		RetentionDays:       cfg.RetentionDays,
		PruningIntervalDays: cfg.PruningIntervalDays,
	}, nil
}

// Routes returns the ordered route list, firehose first. The returned
// slice is shared and must not be mutated.
func (p *Plan) Routes() []*Route { return p.routes }

// Firehose returns the route at index zero.
func (p *Plan) Firehose() *Route { return p.routes[0] }

// Route resolves a route by table name, or nil.
func (p *Plan) Route(table string) *Route { return p.byTable[table] }

// Match returns the routes whose predicates pass |req|.
func (p *Plan) Match(req *logrecord.Request) []*Route {
	var matched []*Route
	for _, route := range p.routes {
		if route.Predicate(req) {
			matched = append(matched, route)
		}
	}
	return matched
}

// ParseFilters decodes a JSON rule group list, as configured through
// LOG_HOSE_FILTERS. An empty document is a nil filter.
func ParseFilters(doc string) ([]filter.Group, error) {
	if doc == "" {
		return nil, nil
	}
	var groups []filter.Group
	if err := json.Unmarshal([]byte(doc), &groups); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("malformed filter JSON: %w", err)}
	}
	return groups, nil
}

// ParseRoutes decodes a JSON route configuration list.
func ParseRoutes(doc []byte) ([]RouteConfig, error) {
	var routes []RouteConfig
	if err := json.Unmarshal(doc, &routes); err != nil {
		return nil, &ConfigError{Err: fmt.Errorf("malformed route JSON: %w", err)}
	}
	return routes, nil
}
