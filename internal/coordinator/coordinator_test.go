package coordinator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildShardAssignmentRoundRobins(t *testing.T) {
	plan := WorkloadPlan{NumShards: 4, NumWorkers: 2}
	reg, err := BuildShardAssignment(plan)
	require.NoError(t, err)

	assert.ElementsMatch(t, []int{0, 2}, reg.GetNodeShards("0"))
	assert.ElementsMatch(t, []int{1, 3}, reg.GetNodeShards("1"))
}

func TestOwnerRankAndOwnedBitmap(t *testing.T) {
	plan := WorkloadPlan{NumShards: 4, NumWorkers: 2}
	reg, err := BuildShardAssignment(plan)
	require.NoError(t, err)

	owner := OwnerRank(reg)
	assert.Equal(t, 0, owner(0))
	assert.Equal(t, 1, owner(1))
	assert.Equal(t, 0, owner(2))
	assert.Equal(t, 1, owner(3))

	assert.Equal(t, []bool{true, false, true, false}, OwnedBitmap(reg, 0))
	assert.Equal(t, []bool{false, true, false, true}, OwnedBitmap(reg, 1))
}

// fakeWorker answers just enough of the bus protocol for the coordinator
// tests below: RUN_KERNEL, CHECKPOINT, SHUTDOWN and the GET_REQUEST health
// probe, with results controlled by the test.
type fakeWorker struct {
	srv *bus.LocalServer

	mu          sync.Mutex
	runCalls    int
	shutdownHit bool
	kernelErr   string
	pending     int
}

func newFakeWorker(net *bus.Network, rank int) *fakeWorker {
	fw := &fakeWorker{srv: net.NewServer(rank)}
	fw.srv.Handle(bus.TagRunKernel, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		fw.mu.Lock()
		fw.runCalls++
		resp := kernelDoneMsg{Err: fw.kernelErr, PendingBytes: fw.pending}
		fw.mu.Unlock()
		return resp, nil
	})
	fw.srv.Handle(bus.TagCheckpoint, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		return checkpointDoneMsg{}, nil
	})
	fw.srv.Handle(bus.TagShutdown, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		fw.mu.Lock()
		fw.shutdownHit = true
		fw.mu.Unlock()
		return nil, nil
	})
	fw.srv.Handle(bus.TagGetRequest, func(ctx context.Context, from int, payload json.RawMessage) (any, error) {
		return struct {
			Value []byte `json:"value"`
			Found bool   `json:"found"`
		}{Found: false}, nil
	})
	return fw
}

func TestRunIterationBroadcastsAndAdvancesIteration(t *testing.T) {
	net := bus.NewNetwork()
	w0 := newFakeWorker(net, 0)
	w1 := newFakeWorker(net, 1)
	client := net.NewServer(99)

	c, err := New(WorkloadPlan{
		Kernel: "PRKernel", Method: "PageRankIter",
		NumShards: 2, NumWorkers: 2,
	}, client, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.RunIteration(context.Background()))

	assert.Equal(t, 1, c.Iteration())
	assert.Equal(t, "1", c.plan.Params["iteration"])
	w0.mu.Lock()
	assert.Equal(t, 1, w0.runCalls)
	w0.mu.Unlock()
	w1.mu.Lock()
	assert.Equal(t, 1, w1.runCalls)
	w1.mu.Unlock()
}

func TestRunIterationFailsOnKernelError(t *testing.T) {
	net := bus.NewNetwork()
	w0 := newFakeWorker(net, 0)
	w0.kernelErr = "boom"
	client := net.NewServer(99)

	c, err := New(WorkloadPlan{NumShards: 1, NumWorkers: 1}, client, nil, nil)
	require.NoError(t, err)

	err = c.RunIteration(context.Background())
	require.Error(t, err)
	assert.Equal(t, 0, c.Iteration())
}

func TestRunIterationFailsOnPendingBytesAfterFlush(t *testing.T) {
	net := bus.NewNetwork()
	w0 := newFakeWorker(net, 0)
	w0.pending = 128
	client := net.NewServer(99)

	c, err := New(WorkloadPlan{NumShards: 1, NumWorkers: 1}, client, nil, nil)
	require.NoError(t, err)

	err = c.RunIteration(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "still has")
}

func TestCheckpointWritesManifest(t *testing.T) {
	net := bus.NewNetwork()
	newFakeWorker(net, 0)
	newFakeWorker(net, 1)
	client := net.NewServer(99)

	store, err := checkpoint.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	c, err := New(WorkloadPlan{
		NumShards: 2, NumWorkers: 2, TableIDs: []int{1},
	}, client, store, nil)
	require.NoError(t, err)

	require.NoError(t, c.Checkpoint(context.Background()))

	m, err := store.ReadManifest()
	require.NoError(t, err)
	assert.Equal(t, 0, m.Iteration)
	assert.ElementsMatch(t, []checkpoint.ManifestEntry{
		{TableID: 1, Shard: 0},
		{TableID: 1, Shard: 1},
	}, m.Entries)
}

func TestShutdownBroadcastsToAllRanks(t *testing.T) {
	net := bus.NewNetwork()
	w0 := newFakeWorker(net, 0)
	w1 := newFakeWorker(net, 1)
	client := net.NewServer(99)

	c, err := New(WorkloadPlan{NumShards: 1, NumWorkers: 2}, client, nil, nil)
	require.NoError(t, err)

	require.NoError(t, c.Shutdown(context.Background()))

	w0.mu.Lock()
	assert.True(t, w0.shutdownHit)
	w0.mu.Unlock()
	w1.mu.Lock()
	assert.True(t, w1.shutdownHit)
	w1.mu.Unlock()
}

func TestBusHealthCheckReportsLiveRank(t *testing.T) {
	net := bus.NewNetwork()
	newFakeWorker(net, 0)
	client := net.NewServer(99)

	check := busHealthCheck(client)
	assert.NoError(t, check("0"))
	assert.Error(t, check("7")) // no such rank
}
