package logrecord

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"hash/crc32"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"
)

// Assemble builds the Record of |req|. |env| is the caller's environment,
// of which only scalar entries are captured. Request bodies are captured
// up to |maxBodySize| characters and the body stream is restored so the
// caller may still consume it. Assemble never fails: malformed inputs
// degrade to null fields or, for unserializable caller data, to an
// {error, message} stub.
func Assemble(req *Request, env map[string]interface{}, maxBodySize int) Record {
	var started = req.Received
	if started.IsZero() {
		started = time.Now()
	}
	var h = req.HTTP

	// Hash inputs read absent annotations as empty strings.
	var edge = req.Edge
	if edge == nil {
		edge = new(EdgeInfo)
	}
	var ja3 string
	if edge.BotManagement != nil {
		ja3 = edge.BotManagement.JA3Hash
	}
	var userAgent = h.Header.Get("user-agent")
	var clientIP = req.ClientIP()

	var tlsHash = crcString(ja3 + edge.TLSCipher + edge.TLSClientRandom)
	var deviceHash = crcString(userAgent + ja3 + edge.TLSCipher)
	var connectionHash = crcString(clientIP + userAgent + ja3 + edge.TLSCipher)
	var sample10, sample100 = sampleBuckets(crcString(connectionHash))

	var u = req.URL()
	var search string
	if u.RawQuery != "" {
		search = "?" + u.RawQuery
	}
	var cookies = req.Cookies()

	var rec = Record{
		"logId":          newLogID(started),
		"deviceHash":     deviceHash,
		"connectionHash": connectionHash,
		"tlsHash":        tlsHash,
		"requestTime":    started.UnixMilli(),
		"receivedAt":     ISO8601(started),
		"sample10":       sample10,
		"sample100":      sample100,
		"url":            u.String(),
		"urlHost":        u.Host,
		"urlPathname":    u.Path,
		"method":         h.Method,
		"headers":        headerJSON(h.Header),
		"cookies":        mustJSON(cookies),
		"bodyTruncated":  false,
	}
	// Fields absent from the record bind as SQL nulls on insert.
	putString(rec, "rayId", req.Ray())
	putString(rec, "urlSearch", search)
	putString(rec, "userAgent", userAgent)
	putString(rec, "referer", h.Referer())
	putString(rec, "clientIp", clientIP)
	putString(rec, "deviceType", classifyDevice(userAgent))

	for _, name := range []string{"fpID", "cId", "sId", "eId", "uID", "emID", "emA"} {
		putString(rec, name, cookies[name])
	}

	if ct := h.Header.Get("content-type"); ct != "" {
		var mime, _, _ = strings.Cut(ct, ";")
		rec["mime"] = strings.TrimSpace(mime)
	}

	if body, truncated, size, ok := captureBody(h, maxBodySize); ok {
		rec["body"] = body
		rec["bodyTruncated"] = truncated
		rec["bodySize"] = size
	}

	if req.Edge != nil {
		rec["asn"] = edge.ASN
		rec["clientTcpRtt"] = edge.ClientTCPRtt
		rec["threatScore"] = edge.ThreatScore
		putString(rec, "colo", edge.Colo)
		putString(rec, "continent", edge.Continent)
		putString(rec, "country", edge.Country)
		putString(rec, "region", edge.Region)
		putString(rec, "regionCode", edge.RegionCode)
		putString(rec, "city", edge.City)
		putString(rec, "postalCode", edge.PostalCode)
		putString(rec, "latitude", edge.Latitude)
		putString(rec, "longitude", edge.Longitude)
		putString(rec, "timezone", edge.Timezone)
		putString(rec, "httpProtocol", edge.HTTPProtocol)
		putString(rec, "tlsCipher", edge.TLSCipher)
		putString(rec, "tlsVersion", edge.TLSVersion)

		if geo := geoID(edge); geo != "" {
			rec["geoId"] = geo
		}
		if bm := edge.BotManagement; bm != nil {
			rec["botScore"] = bm.Score
			rec["verifiedBot"] = bm.VerifiedBot
			rec["corporateProxy"] = bm.CorporateProxy
			rec["botManagement"] = mustJSON(bm)
			putString(rec, "ja3", bm.JA3Hash)
		}
		if edge.TLSClientAuth != nil {
			rec["tlsClientAuth"] = mustJSON(edge.TLSClientAuth)
		}
	}

	if env := envJSON(env); env != "" {
		rec["env"] = env
	}
	if data := dataJSON(req.Data); data != "" {
		rec["data"] = data
	}

	var now = time.Now()
	rec["processedAt"] = ISO8601(now)
	rec["processingDurationMs"] = now.Sub(started).Milliseconds()

	return rec
}

// crcString renders the CRC-32 of |s| (0xEDB88320 polynomial) as the
// decimal form of its unsigned 32-bit value.
func crcString(s string) string {
	return strconv.FormatUint(uint64(crc32.ChecksumIEEE([]byte(s))), 10)
}

// sampleBuckets derives the deterministic sampling buckets from the
// decimal rendering of a bucket hash: sample10 is its last digit and
// sample100 its last two digits.
func sampleBuckets(bucket string) (sample10, sample100 int) {
	sample10 = int(bucket[len(bucket)-1] - '0')
	if len(bucket) == 1 {
		return sample10, sample10
	}
	sample100, _ = strconv.Atoi(bucket[len(bucket)-2:])
	return sample10, sample100
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// newLogID returns a ULID whose timestamp component is |t|, so that ids
// sort by receive time.
func newLogID(t time.Time) string {
	entropyMu.Lock()
	var id, err = ulid.New(ulid.Timestamp(t), entropy)
	entropyMu.Unlock()

	if err != nil {
		id = ulid.MustNew(ulid.Timestamp(t), rand.Reader)
	}
	return id.String()
}

// captureBody reads the request body for methods which may carry one,
// restoring the stream for the caller. The returned body is truncated to
// |maxBodySize| characters; size is the byte length before truncation.
func captureBody(r *http.Request, maxBodySize int) (body string, truncated bool, size int, ok bool) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead ||
		r.Body == nil || r.Body == http.NoBody {
		return "", false, 0, false
	}

	var raw, err = io.ReadAll(r.Body)
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(raw))

	if err != nil {
		log.WithError(err).Warn("failed to read request body")
		return "", false, 0, false
	}

	body, size = string(raw), len(raw)
	if utf8.RuneCountInString(body) > maxBodySize {
		body = string([]rune(body)[:maxBodySize])
		truncated = true
	}
	return body, truncated, size, true
}

func geoID(e *EdgeInfo) string {
	var parts []string
	for _, p := range []string{e.Continent, e.Country, e.RegionCode, e.City, e.PostalCode} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "-")
}

func headerJSON(h http.Header) string {
	var m = make(map[string]string, len(h))
	for k, vs := range h {
		m[strings.ToLower(k)] = strings.Join(vs, ", ")
	}
	return mustJSON(m)
}

// envJSON captures only scalar environment entries.
func envJSON(env map[string]interface{}) string {
	var m = make(map[string]interface{}, len(env))
	for k, v := range env {
		switch v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64, json.Number:
			m[k] = v
		}
	}
	if len(m) == 0 {
		return ""
	}
	return mustJSON(m)
}

func dataJSON(data interface{}) string {
	if data == nil {
		return ""
	}
	var b, err = json.Marshal(data)
	if err != nil {
		log.WithError(err).Warn("failed to serialize caller data")
		b, _ = json.Marshal(map[string]string{
			"error":   "unserializable data",
			"message": err.Error(),
		})
	}
	return string(b)
}

func putString(rec Record, key, value string) {
	if value != "" {
		rec[key] = value
	}
}

func mustJSON(v interface{}) string {
	var b, _ = json.Marshal(v)
	return string(b)
}
