// Package logschema defines the master schema of assembled log records:
// the ordered set of columns a log table may carry, and the fingerprint
// which detects schema drift between a compiled route and a live table.
package logschema

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Type is an enum of the storage types a log field may have. Values are
// the literal SQLite column type names.
type Type string

const (
	TEXT     Type = "TEXT"
	INTEGER  Type = "INTEGER"
	BOOLEAN  Type = "BOOLEAN"
	DATETIME Type = "DATETIME"
)

// Field is a single column of a log table.
type Field struct {
	// Name is the column name, and the key under which the assembler
	// stores the field's value in a Record.
	Name string
	// Type is the column's storage type.
	Type Type
	// Constraints holds literal column constraints ("PRIMARY KEY"),
	// or is empty.
	Constraints string
	// Indexed marks columns which get a secondary index.
	Indexed bool
}

// Schema is an ordered set of Fields. Order is significant: it fixes the
// column order of CREATE TABLE and INSERT statements, and the fingerprint
// is computed over fields in order.
type Schema []Field

// Names of fields which are referenced from code rather than only
// appearing as Record keys.
const (
	LogID      = "logId"
	RayID      = "rayId"
	ReceivedAt = "receivedAt"
)

var master = Schema{
	{Name: LogID, Type: TEXT, Constraints: "PRIMARY KEY"},
	{Name: "rayId", Type: TEXT, Indexed: true},
	{Name: "fpID", Type: TEXT, Indexed: true},
	{Name: "deviceHash", Type: TEXT},
	{Name: "connectionHash", Type: TEXT, Indexed: true},
	{Name: "tlsHash", Type: TEXT},
	{Name: "requestTime", Type: INTEGER},
	{Name: ReceivedAt, Type: DATETIME, Indexed: true},
	{Name: "processedAt", Type: DATETIME},
	{Name: "processingDurationMs", Type: INTEGER},
	{Name: "clientTcpRtt", Type: INTEGER},
	{Name: "sample10", Type: INTEGER},
	{Name: "sample100", Type: INTEGER},
	{Name: "url", Type: TEXT},
	{Name: "urlHost", Type: TEXT},
	{Name: "urlPathname", Type: TEXT},
	{Name: "urlSearch", Type: TEXT},
	{Name: "method", Type: TEXT},
	{Name: "headers", Type: TEXT},
	{Name: "body", Type: TEXT},
	{Name: "bodyTruncated", Type: BOOLEAN},
	{Name: "bodySize", Type: INTEGER},
	{Name: "mime", Type: TEXT},
	{Name: "userAgent", Type: TEXT},
	{Name: "referer", Type: TEXT},
	{Name: "clientIp", Type: TEXT},
	{Name: "deviceType", Type: TEXT},
	{Name: "cId", Type: TEXT},
	{Name: "sId", Type: TEXT},
	{Name: "eId", Type: TEXT},
	{Name: "uID", Type: TEXT},
	{Name: "emID", Type: TEXT},
	{Name: "emA", Type: TEXT},
	{Name: "cookies", Type: TEXT},
	{Name: "asn", Type: INTEGER},
	{Name: "colo", Type: TEXT},
	{Name: "continent", Type: TEXT},
	{Name: "country", Type: TEXT},
	{Name: "region", Type: TEXT},
	{Name: "regionCode", Type: TEXT},
	{Name: "city", Type: TEXT},
	{Name: "postalCode", Type: TEXT},
	{Name: "latitude", Type: TEXT},
	{Name: "longitude", Type: TEXT},
	{Name: "timezone", Type: TEXT},
	{Name: "geoId", Type: TEXT, Indexed: true},
	{Name: "httpProtocol", Type: TEXT},
	{Name: "tlsCipher", Type: TEXT},
	{Name: "tlsVersion", Type: TEXT},
	{Name: "ja3", Type: TEXT},
	{Name: "threatScore", Type: INTEGER},
	{Name: "botScore", Type: INTEGER},
	{Name: "verifiedBot", Type: BOOLEAN},
	{Name: "corporateProxy", Type: BOOLEAN},
	{Name: "botManagement", Type: TEXT},
	{Name: "tlsClientAuth", Type: TEXT},
	{Name: "env", Type: TEXT},
	{Name: "data", Type: TEXT},
}

// Master returns the full master schema. The returned Schema is shared
// and must not be mutated.
func Master() Schema { return master }

// Subset projects the schema onto the named columns, preserving this
// schema's field order regardless of the order of |columns|. The logId
// primary key is always included. An unknown column is an error.
func (s Schema) Subset(columns []string) (Schema, error) {
	var want = make(map[string]struct{}, len(columns))
	for _, c := range columns {
		want[c] = struct{}{}
	}

	var out = make(Schema, 0, len(want)+1)
	for _, f := range s {
		if _, ok := want[f.Name]; ok || f.Name == LogID {
			out = append(out, f)
			delete(want, f.Name)
		}
	}
	if len(want) != 0 {
		var unknown []string
		for _, c := range columns {
			if _, ok := want[c]; ok {
				unknown = append(unknown, c)
			}
		}
		return nil, fmt.Errorf("unknown columns %v", unknown)
	}
	return out, nil
}

// Fingerprint returns a 16 character hash of the schema, sensitive to
// field order, names, types, constraints, and index flags. Equal schemas
// fingerprint identically on every platform and process.
func Fingerprint(s Schema) string {
	var h = sha256.New()
	for _, f := range s {
		fmt.Fprintf(h, "%s|%s|%s|%t\n", f.Name, f.Type, f.Constraints, f.Indexed)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
