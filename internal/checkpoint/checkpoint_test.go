package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestWriteReadShardRoundTrip(t *testing.T) {
	s := openTestStore(t)

	header := Header{TableID: 0, Shard: 2, Iteration: 5, KeyType: "PageId", ValueType: "float32"}
	payload := []byte("serialized-local-table-bytes")

	require.NoError(t, s.WriteShard(header, payload))

	gotHeader, gotPayload, err := s.ReadShard(0, 2, 5)
	require.NoError(t, err)
	assert.Equal(t, header, gotHeader)
	assert.Equal(t, payload, gotPayload)
}

func TestReadShardMissingFails(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.ReadShard(0, 0, 0)
	assert.Error(t, err)
}

func TestWriteReadManifestRoundTrip(t *testing.T) {
	s := openTestStore(t)
	m := Manifest{
		Iteration: 3,
		Entries: []ManifestEntry{
			{TableID: 0, Shard: 0},
			{TableID: 1, Shard: 0},
		},
	}
	require.NoError(t, s.WriteManifest(m))

	got, err := s.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, m, got)
}

func TestVerifyDetectsIncompleteCheckpoint(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteShard(Header{TableID: 0, Shard: 0, Iteration: 1}, []byte("x")))

	m := Manifest{
		Iteration: 1,
		Entries: []ManifestEntry{
			{TableID: 0, Shard: 0},
			{TableID: 0, Shard: 1}, // never written
		},
	}
	err := s.Verify(m)
	assert.ErrorIs(t, err, ErrCheckpointIncomplete)
}

func TestVerifyPassesWhenEveryEntryPresent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.WriteShard(Header{TableID: 0, Shard: 0, Iteration: 1}, []byte("x")))
	require.NoError(t, s.WriteShard(Header{TableID: 1, Shard: 0, Iteration: 1}, []byte("y")))

	m := Manifest{
		Iteration: 1,
		Entries: []ManifestEntry{
			{TableID: 0, Shard: 0},
			{TableID: 1, Shard: 0},
		},
	}
	assert.NoError(t, s.Verify(m))
}
