package logschema

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMasterShape(t *testing.T) {
	var m = Master()

	require.Equal(t, LogID, m[0].Name)
	require.Equal(t, "PRIMARY KEY", m[0].Constraints)

	var byName = make(map[string]Field)
	for _, f := range m {
		_, dup := byName[f.Name]
		require.False(t, dup, "duplicate field %s", f.Name)
		byName[f.Name] = f
	}

	require.Equal(t, DATETIME, byName[ReceivedAt].Type)
	require.True(t, byName[ReceivedAt].Indexed)
	require.True(t, byName["rayId"].Indexed)
	require.Equal(t, INTEGER, byName["sample100"].Type)
	require.Equal(t, BOOLEAN, byName["bodyTruncated"].Type)
}

func TestSubsetKeepsMasterOrder(t *testing.T) {
	// Input order is irrelevant; the subset follows master order and
	// always carries the primary key.
	var s, err = Master().Subset([]string{"country", "method"})
	require.NoError(t, err)

	var names []string
	for _, f := range s {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{LogID, "method", "country"}, names)

	// Asking for logId explicitly doesn't duplicate it.
	s, err = Master().Subset([]string{LogID, "method"})
	require.NoError(t, err)
	require.Len(t, s, 2)
}

func TestSubsetUnknownColumn(t *testing.T) {
	var _, err = Master().Subset([]string{"method", "nope"})
	require.EqualError(t, err, "unknown columns [nope]")
}

func TestFingerprint(t *testing.T) {
	var m = Master()

	var fp = Fingerprint(m)
	require.Len(t, fp, 16)
	require.Equal(t, fp, Fingerprint(m))

	// Sensitive to order.
	var swapped = append(Schema{}, m...)
	swapped[1], swapped[2] = swapped[2], swapped[1]
	require.NotEqual(t, fp, Fingerprint(swapped))

	// Sensitive to type changes.
	var retyped = append(Schema{}, m...)
	retyped[7].Type = TEXT
	require.NotEqual(t, fp, Fingerprint(retyped))

	// A subset fingerprints differently than the master.
	var sub, err = m.Subset([]string{"method"})
	require.NoError(t, err)
	require.NotEqual(t, fp, Fingerprint(sub))
}
