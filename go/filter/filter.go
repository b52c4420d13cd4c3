// Package filter compiles declarative routing rules into predicates over
// incoming requests. Rules address request fields through a fixed, typed
// accessor table, so unknown fields and operator/type mismatches are
// rejected when a rule is compiled rather than surfacing per-request.
package filter

import (
	"fmt"
	"strings"

	"github.com/loghose/loghose/go/logrecord"
)

// Operator is a comparison applied by a single filter rule.
type Operator string

const (
	Exists       Operator = "exists"
	DoesNotExist Operator = "doesNotExist"
	Equals       Operator = "equals"
	Contains     Operator = "contains"
	StartsWith   Operator = "startsWith"
	EndsWith     Operator = "endsWith"
	GreaterThan  Operator = "greaterThan"
	LessThan     Operator = "lessThan"
)

// Group is one JSON rule group: field key to operator to literal.
// Rules within a Group are conjoined, and a rule list matches if any
// of its Groups match.
type Group map[string]map[Operator]interface{}

// Predicate reports whether a request matches.
type Predicate func(*logrecord.Request) bool

// MatchAll is the predicate of an absent filter.
func MatchAll(*logrecord.Request) bool { return true }

// DenyAll is the predicate of a route whose filter failed to compile.
func DenyAll(*logrecord.Request) bool { return false }

type kind int

const (
	kindString kind = iota
	kindNumber
	kindBoolean
)

func (k kind) String() string {
	switch k {
	case kindNumber:
		return "number"
	case kindBoolean:
		return "boolean"
	default:
		return "string"
	}
}

// accessor resolves a field of a request. Absent values (no edge
// annotations, missing header) return ok == false and are matched only
// by doesNotExist.
type accessor struct {
	kind kind
	get  func(*logrecord.Request) (interface{}, bool)
}

func stringField(get func(*logrecord.Request) string) accessor {
	return accessor{kindString, func(r *logrecord.Request) (interface{}, bool) {
		var v = get(r)
		return v, v != ""
	}}
}

func edgeNumber(get func(*logrecord.EdgeInfo) int) accessor {
	return accessor{kindNumber, func(r *logrecord.Request) (interface{}, bool) {
		if r.Edge == nil {
			return nil, false
		}
		return float64(get(r.Edge)), true
	}}
}

func botNumber(get func(*logrecord.BotManagement) int) accessor {
	return accessor{kindNumber, func(r *logrecord.Request) (interface{}, bool) {
		if r.Edge == nil || r.Edge.BotManagement == nil {
			return nil, false
		}
		return float64(get(r.Edge.BotManagement)), true
	}}
}

func botBool(get func(*logrecord.BotManagement) bool) accessor {
	return accessor{kindBoolean, func(r *logrecord.Request) (interface{}, bool) {
		if r.Edge == nil || r.Edge.BotManagement == nil {
			return nil, false
		}
		return get(r.Edge.BotManagement), true
	}}
}

func edgeString(get func(*logrecord.EdgeInfo) string) accessor {
	return stringField(func(r *logrecord.Request) string {
		if r.Edge == nil {
			return ""
		}
		return get(r.Edge)
	})
}

var accessors = map[string]accessor{
	"request.method": {kindString, func(r *logrecord.Request) (interface{}, bool) {
		return r.HTTP.Method, true
	}},

	"url.href":     stringField(func(r *logrecord.Request) string { return r.URL().String() }),
	"url.hostname": stringField(func(r *logrecord.Request) string { return r.URL().Hostname() }),
	"url.pathname": stringField(func(r *logrecord.Request) string { return r.URL().Path }),
	"url.search": stringField(func(r *logrecord.Request) string {
		if q := r.URL().RawQuery; q != "" {
			return "?" + q
		}
		return ""
	}),

	"cf.asn":          edgeNumber(func(e *logrecord.EdgeInfo) int { return e.ASN }),
	"cf.clientTcpRtt": edgeNumber(func(e *logrecord.EdgeInfo) int { return e.ClientTCPRtt }),
	"cf.threatScore":  edgeNumber(func(e *logrecord.EdgeInfo) int { return e.ThreatScore }),

	"cf.colo":         edgeString(func(e *logrecord.EdgeInfo) string { return e.Colo }),
	"cf.continent":    edgeString(func(e *logrecord.EdgeInfo) string { return e.Continent }),
	"cf.country":      edgeString(func(e *logrecord.EdgeInfo) string { return e.Country }),
	"cf.region":       edgeString(func(e *logrecord.EdgeInfo) string { return e.Region }),
	"cf.regionCode":   edgeString(func(e *logrecord.EdgeInfo) string { return e.RegionCode }),
	"cf.city":         edgeString(func(e *logrecord.EdgeInfo) string { return e.City }),
	"cf.postalCode":   edgeString(func(e *logrecord.EdgeInfo) string { return e.PostalCode }),
	"cf.timezone":     edgeString(func(e *logrecord.EdgeInfo) string { return e.Timezone }),
	"cf.httpProtocol": edgeString(func(e *logrecord.EdgeInfo) string { return e.HTTPProtocol }),
	"cf.tlsCipher":    edgeString(func(e *logrecord.EdgeInfo) string { return e.TLSCipher }),
	"cf.tlsVersion":   edgeString(func(e *logrecord.EdgeInfo) string { return e.TLSVersion }),

	"cf.botManagement.score": botNumber(func(b *logrecord.BotManagement) int { return b.Score }),
	"cf.botManagement.ja3Hash": stringField(func(r *logrecord.Request) string {
		if r.Edge == nil || r.Edge.BotManagement == nil {
			return ""
		}
		return r.Edge.BotManagement.JA3Hash
	}),
	"cf.botManagement.verifiedBot":    botBool(func(b *logrecord.BotManagement) bool { return b.VerifiedBot }),
	"cf.botManagement.corporateProxy": botBool(func(b *logrecord.BotManagement) bool { return b.CorporateProxy }),
}

// lookup resolves a rule's field key to its accessor: either a static
// table entry, or a dynamic header:/cookie: key (string typed).
func lookup(field string) (accessor, error) {
	if acc, ok := accessors[field]; ok {
		return acc, nil
	}
	if name, ok := strings.CutPrefix(field, "header:"); ok {
		return stringField(func(r *logrecord.Request) string {
			return r.HTTP.Header.Get(name)
		}), nil
	}
	if name, ok := strings.CutPrefix(field, "cookie:"); ok {
		return stringField(func(r *logrecord.Request) string {
			return r.Cookies()[name]
		}), nil
	}
	return accessor{}, fmt.Errorf("unknown filter field %q", field)
}

var validOps = map[kind]map[Operator]bool{
	kindString: {
		Exists: true, DoesNotExist: true, Equals: true,
		Contains: true, StartsWith: true, EndsWith: true,
	},
	kindNumber: {
		Exists: true, DoesNotExist: true, Equals: true,
		GreaterThan: true, LessThan: true,
	},
	kindBoolean: {
		Exists: true, DoesNotExist: true, Equals: true,
	},
}

// Compile builds the predicate of |groups|: the disjunction of each
// group's conjoined rules. A nil or empty rule list compiles to
// MatchAll. Unknown fields, operators invalid for the field's type, and
// literals of the wrong type are compile errors.
func Compile(groups []Group) (Predicate, error) {
	if len(groups) == 0 {
		return MatchAll, nil
	}

	var compiled = make([][]Predicate, 0, len(groups))
	for _, group := range groups {
		var rules []Predicate

		for field, ops := range group {
			var acc, err = lookup(field)
			if err != nil {
				return nil, err
			}
			for op, literal := range ops {
				var rule, err = compileRule(acc, op, literal)
				if err != nil {
					return nil, fmt.Errorf("field %q: %w", field, err)
				}
				rules = append(rules, rule)
			}
		}
		compiled = append(compiled, rules)
	}

	return func(r *logrecord.Request) bool {
		for _, rules := range compiled {
			var matched = true
			for _, rule := range rules {
				if !rule(r) {
					matched = false
					break
				}
			}
			if matched {
				return true
			}
		}
		return false
	}, nil
}

func compileRule(acc accessor, op Operator, literal interface{}) (Predicate, error) {
	if !validOps[acc.kind][op] {
		return nil, fmt.Errorf("operator %q is not valid for %s fields", op, acc.kind)
	}

	switch op {
	case Exists:
		return func(r *logrecord.Request) bool {
			var _, ok = acc.get(r)
			return ok
		}, nil
	case DoesNotExist:
		return func(r *logrecord.Request) bool {
			var _, ok = acc.get(r)
			return !ok
		}, nil
	}

	switch acc.kind {
	case kindString:
		var want, ok = literal.(string)
		if !ok {
			return nil, fmt.Errorf("operator %q requires a string literal, not %T", op, literal)
		}
		return func(r *logrecord.Request) bool {
			var v, ok = acc.get(r)
			if !ok {
				return false
			}
			var s = v.(string)
			switch op {
			case Equals:
				return s == want
			case Contains:
				return strings.Contains(s, want)
			case StartsWith:
				return strings.HasPrefix(s, want)
			default:
				return strings.HasSuffix(s, want)
			}
		}, nil

	case kindNumber:
		var want, ok = asNumber(literal)
		if !ok {
			return nil, fmt.Errorf("operator %q requires a numeric literal, not %T", op, literal)
		}
		return func(r *logrecord.Request) bool {
			var v, ok = acc.get(r)
			if !ok {
				return false
			}
			var n = v.(float64)
			switch op {
			case Equals:
				return n == want
			case GreaterThan:
				return n > want
			default:
				return n < want
			}
		}, nil

	default:
		var want, ok = literal.(bool)
		if !ok {
			return nil, fmt.Errorf("operator %q requires a boolean literal, not %T", op, literal)
		}
		return func(r *logrecord.Request) bool {
			var v, ok = acc.get(r)
			return ok && v.(bool) == want
		}, nil
	}
}

// asNumber accepts the numeric types produced by JSON decoding and by
// programmatic rule construction.
func asNumber(literal interface{}) (float64, bool) {
	switch n := literal.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
