// Package logrecord assembles incoming HTTP requests into flat, typed
// log records keyed by the master schema's field names.
package logrecord

import (
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Record is an assembled log record. Keys are master schema field names.
// Values are string, int, int64, float64, bool, or nil; fields which were
// structured at the source (headers, cookies, caller data) hold their JSON
// serialization. A Record must not be modified once assembled.
type Record map[string]interface{}

// Clone returns a shallow copy of the Record. Values are immutable
// scalars, so a shallow copy is an independent record.
func (r Record) Clone() Record {
	var out = make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// BotManagement is the edge's bot scoring annotation.
type BotManagement struct {
	Score          int    `json:"score"`
	VerifiedBot    bool   `json:"verifiedBot"`
	JA3Hash        string `json:"ja3Hash"`
	CorporateProxy bool   `json:"corporateProxy"`
}

// EdgeInfo carries the per-request annotations supplied by the serving
// edge. All fields are optional: zero values read as absent, and a nil
// *EdgeInfo is legal anywhere one is accepted.
type EdgeInfo struct {
	ASN             int
	Colo            string
	Continent       string
	Country         string
	Region          string
	RegionCode      string
	City            string
	PostalCode      string
	Latitude        string
	Longitude       string
	Timezone        string
	HTTPProtocol    string
	TLSCipher       string
	TLSVersion      string
	TLSClientRandom string
	ClientTCPRtt    int
	ThreatScore     int
	BotManagement   *BotManagement
	TLSClientAuth   map[string]interface{}
}

// Request is the envelope handed to the pipeline: the inbound HTTP
// request, the edge annotation bag (may be nil), an optional caller
// payload, and the time at which the request was received (zero means
// "now"). The parsed URL and cookie map are computed lazily and memoized
// so that repeated filter rules amortize.
type Request struct {
	HTTP     *http.Request
	Edge     *EdgeInfo
	Data     interface{}
	Received time.Time

	urlOnce sync.Once
	url     *url.URL

	cookieOnce sync.Once
	cookies    map[string]string
}

// Ray returns the edge-assigned request id, or "" if absent.
func (r *Request) Ray() string { return r.HTTP.Header.Get("cf-ray") }

// URL returns the absolute request URL. Server-side requests carry only
// a relative URL; the host and scheme are recovered from the request.
func (r *Request) URL() *url.URL {
	r.urlOnce.Do(func() {
		var u = *r.HTTP.URL
		if u.Host == "" {
			u.Host = r.HTTP.Host
		}
		if u.Scheme == "" {
			if r.HTTP.TLS != nil {
				u.Scheme = "https"
			} else {
				u.Scheme = "http"
			}
		}
		r.url = &u
	})
	return r.url
}

// Cookies returns the request's cookies as a name to value map, parsed
// at most once per Request.
func (r *Request) Cookies() map[string]string {
	r.cookieOnce.Do(func() {
		var cookies = r.HTTP.Cookies()
		r.cookies = make(map[string]string, len(cookies))
		for _, c := range cookies {
			r.cookies[c.Name] = c.Value
		}
	})
	return r.cookies
}

// ClientIP returns the best-effort client address: the edge's
// cf-connecting-ip header, else the first x-forwarded-for hop, else the
// transport peer address.
func (r *Request) ClientIP() string {
	if ip := r.HTTP.Header.Get("cf-connecting-ip"); ip != "" {
		return ip
	}
	if fwd := r.HTTP.Header.Get("x-forwarded-for"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i != -1 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if host, _, err := net.SplitHostPort(r.HTTP.RemoteAddr); err == nil {
		return host
	}
	return r.HTTP.RemoteAddr
}

// EdgeFromHeaders builds a degraded-mode EdgeInfo from the headers an
// edge proxy forwards to its origin, for callers which don't receive a
// full annotation bag.
func EdgeFromHeaders(r *http.Request) *EdgeInfo {
	var e = new(EdgeInfo)

	if ray := r.Header.Get("cf-ray"); ray != "" {
		if i := strings.LastIndexByte(ray, '-'); i != -1 {
			e.Colo = ray[i+1:]
		}
	}
	e.Country = r.Header.Get("cf-ipcountry")
	e.HTTPProtocol = r.Proto

	if r.TLS != nil {
		e.TLSCipher = tls.CipherSuiteName(r.TLS.CipherSuite)
		e.TLSVersion = tls.VersionName(r.TLS.Version)
	}
	return e
}

// iso8601Ms is the fixed-width UTC millisecond rendering shared by
// record timestamps and retention cutoffs, so that lexicographic
// comparison of rendered times matches chronological order.
const iso8601Ms = "2006-01-02T15:04:05.000Z"

// ISO8601 renders |t| as a fixed-width UTC millisecond timestamp.
func ISO8601(t time.Time) string { return t.UTC().Format(iso8601Ms) }
