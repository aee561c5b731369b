package worker

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/dreamware/bsptable/internal/kernel"
	"github.com/dreamware/bsptable/internal/registry"
	"github.com/dreamware/bsptable/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wEncode(v int64) ([]byte, error) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b, nil
}
func wDecode(b []byte) (int64, error) { return int64(binary.BigEndian.Uint64(b)), nil }
func wShard(k int64, n int) int       { return int(k) % n }
func wSum(a, b int64) int64           { return a + b }

func newTestWorker(t *testing.T, rank int, net *bus.Network, owned []bool) (*Worker, *table.Global[int64, int64]) {
	t.Helper()
	srv := net.NewServer(rank)
	env := registry.NewEnvironment()
	methods := kernel.NewRegistry()
	w := New(rank, srv, srv, env, methods, nil)

	newLocal := func(shard int) *table.Local[int64, int64] {
		return table.NewLocal[int64, int64](4, func(k int64) uint64 { return uint64(k) }, wSum)
	}
	g := table.NewGlobal(table.GlobalConfig[int64, int64]{
		TableID: 0, NumShards: 2, ShardOf: wShard, Accumulate: wSum,
		EncodeKey: wEncode, DecodeKey: wDecode,
		EncodeValue: wEncode, DecodeValue: wDecode,
		NewLocal: newLocal, Owned: owned,
		OwnerRank: func(shard int) int { return shard },
		Bus:       srv,
	})
	RegisterTable(w, g)
	return w, g
}

func TestHandleGetRequestServesOwnedShard(t *testing.T) {
	net := bus.NewNetwork()
	w1, g1 := newTestWorker(t, 1, net, []bool{false, true})
	_ = w1
	g1.Update(1, 99)

	ctx := context.Background()

	var resp getResponseMsg
	req := getRequestMsg{TableID: 0, Key: mustEncode(1)}
	requester := net.NewServer(2)
	err := requester.Request(ctx, 1, bus.TagGetRequest, req, &resp)
	require.NoError(t, err)
	assert.True(t, resp.Found)
	v, err := wDecode(resp.Value)
	require.NoError(t, err)
	assert.EqualValues(t, 99, v)
}

func mustEncode(v int64) []byte {
	b, _ := wEncode(v)
	return b
}

func TestHandlePutRequestAppliesUpdates(t *testing.T) {
	net := bus.NewNetwork()
	w1, g1 := newTestWorker(t, 1, net, []bool{false, true})
	_ = w1

	c0 := net.NewServer(0)
	req := putRequestMsg{TableID: 0, Entries: []WireEntry{
		{Key: mustEncode(1), Value: mustEncode(5)},
		{Key: mustEncode(1), Value: mustEncode(7)},
	}}
	require.NoError(t, c0.Send(context.Background(), 1, bus.TagPutRequest, req))

	v, err := g1.GetLocal(1)
	require.NoError(t, err)
	assert.EqualValues(t, 12, v)
}

func TestFlusherDrainsBufferedWritesToOwner(t *testing.T) {
	net := bus.NewNetwork()
	w0, g0 := newTestWorker(t, 0, net, []bool{true, false})
	_, g1 := newTestWorker(t, 1, net, []bool{false, true})

	// shard 1 is remote from rank 0's perspective; buffer a write there.
	g0.Update(1, 3)
	require.Greater(t, g0.PendingWriteBytes(), 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w0.StartFlusher(ctx)
	defer w0.StopFlusher()

	require.Eventually(t, func() bool {
		v, err := g1.GetLocal(1)
		return err == nil && v == 3
	}, time.Second, 5*time.Millisecond)
}

func TestRunKernelFlushesBeforeReplying(t *testing.T) {
	net := bus.NewNetwork()

	srv0 := net.NewServer(0)
	env := registry.NewEnvironment()
	methods := kernel.NewRegistry()
	methods.Register("noop", "run", func(ctx context.Context, kc *kernel.Context) error { return nil })
	w0 := New(0, srv0, srv0, env, methods, nil)

	newLocal := func(shard int) *table.Local[int64, int64] {
		return table.NewLocal[int64, int64](4, func(k int64) uint64 { return uint64(k) }, wSum)
	}
	g0 := table.NewGlobal(table.GlobalConfig[int64, int64]{
		TableID: 0, NumShards: 2, ShardOf: wShard, Accumulate: wSum,
		EncodeKey: wEncode, DecodeKey: wDecode,
		EncodeValue: wEncode, DecodeValue: wDecode,
		NewLocal: newLocal, Owned: []bool{true, false},
		OwnerRank: func(shard int) int { return shard },
		Bus:       srv0,
	})
	RegisterTable(w0, g0)

	_, g1 := newTestWorker(t, 1, net, []bool{false, true})
	g0.Update(1, 9) // buffered for shard 1, owned by rank 1

	coordinator := net.NewServer(20)
	req := runKernelMsg{Kernel: "noop", Method: "run", Shards: []int{0}}
	var resp kernelDoneMsg
	require.NoError(t, coordinator.Request(context.Background(), 0, bus.TagRunKernel, req, &resp))
	assert.Equal(t, 0, resp.PendingBytes)

	v, err := g1.GetLocal(1)
	require.NoError(t, err)
	assert.EqualValues(t, 9, v)
}

func TestCheckpointRoundTrip(t *testing.T) {
	net := bus.NewNetwork()
	w0, g0 := newTestWorker(t, 0, net, []bool{true, false})

	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	w0.SetCheckpointStore(store)

	g0.Update(0, 42)

	coordinator := net.NewServer(30)
	req := checkpointMsg{TableIDs: []int{0}, Iteration: 3}
	var resp checkpointDoneMsg
	require.NoError(t, coordinator.Request(context.Background(), 0, bus.TagCheckpoint, req, &resp))
	require.Empty(t, resp.Err)

	_, payload, err := store.ReadShard(0, 0, 3)
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	// Restore onto a fresh table and confirm the value comes back.
	w1, g1 := newTestWorker(t, 0, bus.NewNetwork(), []bool{true, false})
	w1.SetCheckpointStore(store)
	require.NoError(t, w1.RestoreFromCheckpoint(3, []int{0}))
	v, err := g1.GetLocal(0)
	require.NoError(t, err)
	assert.EqualValues(t, 42, v)
}
