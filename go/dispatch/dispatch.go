// Package dispatch routes assembled records to named batcher instances.
// The shard key is the record's ray id when present, so a retried
// request lands on the batcher already holding its earlier records, and
// the record's logId otherwise. Keys map to instances by rendezvous
// hashing, which keeps the mapping stable as the shard count changes.
package dispatch

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/loghose/loghose/go/batcher"
	"github.com/loghose/loghose/go/logplan"
	"github.com/loghose/loghose/go/logrecord"
	"github.com/loghose/loghose/go/logschema"
	"github.com/minio/highwayhash"
)

// DO NOT MODIFY this value, as it is required to have consistent hash results.
var hashKey, _ = hex.DecodeString("9d3bfa6c8e1f507a24b6c05d18e97f4a3c2d61b85f90e7d4a1b3c6f2850d9e17")

// PrunerName is the instance name under which retention checks for
// |table| run, apart from the record-bearing shards.
func PrunerName(table string) string { return "pruner_" + table }

// Router picks the batcher instance of each record and hands records
// over, passing the compiled plan to an instance on first contact so
// that alarm-driven flushes can resolve routes.
type Router struct {
	service *batcher.Service
	plan    *logplan.Plan
	names   []string
	weights []uint64

	mu        sync.Mutex
	contacted map[string]bool
}

// NewRouter builds a Router over |shards| batcher instances.
func NewRouter(service *batcher.Service, plan *logplan.Plan, shards int) *Router {
	if shards < 1 {
		shards = 1
	}
	var names = make([]string, shards)
	for i := range names {
		names[i] = fmt.Sprintf("batcher-%d", i)
	}
	return &Router{
		service:   service,
		plan:      plan,
		names:     names,
		weights:   generateStableWeights(shards),
		contacted: make(map[string]bool),
	}
}

// Dispatch appends |rec| to each matched route's buffer on the record's
// shard instance.
func (r *Router) Dispatch(ctx context.Context, rec logrecord.Record, matched []*logplan.Route) {
	var name = r.pick(shardKey(rec))
	var instance = r.service.Instance(name)

	r.mu.Lock()
	if !r.contacted[name] {
		instance.SetLogPlan(r.plan)
		r.contacted[name] = true
	}
	r.mu.Unlock()

	instance.AddLog(ctx, rec, matched)
}

func shardKey(rec logrecord.Record) string {
	if ray, _ := rec[logschema.RayID].(string); ray != "" {
		return ray
	}
	var id, _ = rec[logschema.LogID].(string)
	return id
}

// pick rendezvous-hashes |key| to the highest-ranked shard.
func (r *Router) pick(key string) string {
	var hash = highwayhash.Sum64([]byte(key), hashKey)

	var best, bestHRW = 0, hash ^ r.weights[0]
	for i := 1; i != len(r.weights); i++ {
		if hrw := hash ^ r.weights[i]; hrw > bestHRW {
			best, bestHRW = i, hrw
		}
	}
	return r.names[best]
}

func generateStableWeights(n int) []uint64 {
	// Use a fixed AES key and IV to generate a stable sequence.
	var aesKey = [32]byte{
		0x7a, 0x11, 0xe2, 0x4f, 0x9c, 0x03, 0xd1, 0x8e,
		0x5b, 0x60, 0xc4, 0x2a, 0xf3, 0x97, 0x08, 0xbd,
		0x44, 0xe9, 0x1f, 0x5c, 0xa6, 0x33, 0x78, 0x02,
		0xd5, 0x8a, 0xee, 0x41, 0x0b, 0x96, 0x2c, 0xf7,
	}
	var aesIV = [aes.BlockSize]byte{
		0x83, 0x2b, 0xd4, 0x6e, 0x01, 0xbf, 0x58, 0xa2,
		0x3f, 0xc1, 0x75, 0x9a, 0x0e, 0x64, 0xef, 0x17,
	}

	var aesCipher, err = aes.NewCipher(aesKey[:])
	if err != nil {
		panic(err) // Should never error (given correct |key| size).
	}

	var b = make([]byte, n*8)
	cipher.NewCTR(aesCipher, aesIV[:]).XORKeyStream(b, b)

	var out = make([]uint64, n)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(b[i*8:])
	}
	return out
}
