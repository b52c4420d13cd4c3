package dispatch

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPickIsDeterministic(t *testing.T) {
	var r = NewRouter(nil, nil, 8)

	for _, key := range []string{"8a1f0c2d4e5b6789-SJC", "01HX0000000000000000000001", ""} {
		var first = r.pick(key)
		for n := 0; n != 10; n++ {
			require.Equal(t, first, r.pick(key))
		}
	}
}

func TestPickSpreadsAcrossShards(t *testing.T) {
	var r = NewRouter(nil, nil, 4)

	var hits = make(map[string]int)
	for n := 0; n != 1000; n++ {
		hits[r.pick(fmt.Sprintf("ray-%d", n))]++
	}
	require.Len(t, hits, 4)
	for name, count := range hits {
		// A grossly uneven spread means the weights are broken.
		require.Greater(t, count, 100, "shard %s is starved", name)
	}
}

func TestPickIsStableUnderGrowth(t *testing.T) {
	var small = NewRouter(nil, nil, 4)
	var large = NewRouter(nil, nil, 5)

	// Rendezvous hashing moves only the keys won by the new member.
	var moved int
	for n := 0; n != 1000; n++ {
		var key = fmt.Sprintf("ray-%d", n)
		if small.pick(key) != large.pick(key) {
			require.Equal(t, "batcher-4", large.pick(key))
			moved++
		}
	}
	require.Less(t, moved, 400)
}

func TestSingleShardFloor(t *testing.T) {
	var r = NewRouter(nil, nil, 0)
	require.Equal(t, "batcher-0", r.pick("anything"))
}

func TestPrunerName(t *testing.T) {
	require.Equal(t, "pruner_log_firehose", PrunerName("log_firehose"))
}
