// Package coordinator also hosts the BSP job coordinator: the single
// process that drives an iteration loop across a fixed set of worker
// ranks, built on top of the shard-assignment and health-monitoring
// subsystems above (originally written for Torua's key-value cluster,
// reused here to assign table shards to BSP worker ranks and to watch
// those ranks' bus endpoints instead of an HTTP /health route).
package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/dreamware/bsptable/internal/cluster"
	"github.com/dreamware/bsptable/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// runKernelMsg and kernelDoneMsg mirror internal/worker's unexported wire
// types field-for-field — the two packages exchange JSON, not Go values,
// so each side only needs matching tags, not a shared type.
type runKernelMsg struct {
	Kernel           string            `json:"kernel"`
	Method           string            `json:"method"`
	Params           map[string]string `json:"params"`
	Shards           []int             `json:"shards"`
	CheckpointTables []int             `json:"checkpoint_tables,omitempty"`
}

type kernelDoneMsg struct {
	Err          string `json:"err,omitempty"`
	PendingBytes int    `json:"pending_bytes,omitempty"`
}

type checkpointMsg struct {
	TableIDs  []int `json:"table_ids"`
	Iteration int   `json:"iteration"`
}

type checkpointDoneMsg struct {
	Err string `json:"err,omitempty"`
}

type restoreMsg struct {
	TableIDs  []int `json:"table_ids,omitempty"`
	Iteration int   `json:"iteration"`
}

type restoreDoneMsg struct {
	Err string `json:"err,omitempty"`
}

// WorkloadPlan is the fixed shape of one BSP job: which kernel/method to
// run each iteration, how many iterations, how many shards to partition
// tables into, and whether to checkpoint.
type WorkloadPlan struct {
	Kernel        string
	Method        string
	Params        map[string]string
	Iterations    int
	NumShards     int
	NumWorkers    int
	TableIDs      []int
	Checkpoint    bool
	CheckpointDir string
}

// BuildShardAssignment partitions plan.NumShards shards round-robin across
// plan.NumWorkers ranks, reusing ShardRegistry.RebalanceShards with
// stringified rank numbers standing in for Torua's string node IDs.
func BuildShardAssignment(plan WorkloadPlan) (*ShardRegistry, error) {
	reg := NewShardRegistry(plan.NumShards)
	ranks := make([]string, plan.NumWorkers)
	for i := range ranks {
		ranks[i] = strconv.Itoa(i)
	}
	if err := reg.RebalanceShards(ranks); err != nil {
		return nil, fmt.Errorf("coordinator: build shard assignment: %w", err)
	}
	return reg, nil
}

// OwnerRank returns a func(shard) int suitable for table.GlobalConfig,
// backed by reg's assignments.
func OwnerRank(reg *ShardRegistry) func(shard int) int {
	return func(shard int) int {
		a := reg.GetAssignment(shard)
		if a == nil {
			return 0
		}
		rank, _ := strconv.Atoi(a.Rank)
		return rank
	}
}

// OwnedBitmap returns the []bool ownership bitmap for rank, suitable for
// table.GlobalConfig.Owned.
func OwnedBitmap(reg *ShardRegistry, rank int) []bool {
	owned := make([]bool, reg.NumShards())
	for _, s := range reg.GetNodeShards(strconv.Itoa(rank)) {
		owned[s] = true
	}
	return owned
}

// Coordinator drives a WorkloadPlan's iteration loop across plan.NumWorkers
// bus ranks, built on ShardRegistry (shard→rank placement) and
// HealthMonitor (probing GET_REQUEST liveness over the bus rather than an
// HTTP /health endpoint).
type Coordinator struct {
	plan     WorkloadPlan
	shards   *ShardRegistry
	health   *HealthMonitor
	bus      bus.Client
	manifest *checkpoint.Store
	log      *zap.SugaredLogger

	iteration int
}

// New constructs a Coordinator for plan, wired to client for RUN_KERNEL/
// CHECKPOINT dispatch. manifestStore may be nil if plan.Checkpoint is
// false.
func New(plan WorkloadPlan, client bus.Client, manifestStore *checkpoint.Store, log *zap.SugaredLogger) (*Coordinator, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	reg, err := BuildShardAssignment(plan)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{
		plan:     plan,
		shards:   reg,
		health:   NewHealthMonitor(5 * time.Second),
		bus:      client,
		manifest: manifestStore,
		log:      log,
	}
	c.health.SetCheckFunction(busHealthCheck(client))
	return c, nil
}

// busHealthCheck adapts HealthMonitor's HTTP-shaped check function to a
// bus liveness probe: a GET_REQUEST for a reserved table id that no real
// table ever uses. A worker with no handler for the tag, or no live
// server at that rank, fails the probe; a worker that's merely never
// heard of table -1 replies Found:false with no error, which is exactly
// what "alive and answering" looks like.
func busHealthCheck(client bus.Client) func(addr string) error {
	return func(addr string) error {
		rank, err := strconv.Atoi(addr)
		if err != nil {
			return fmt.Errorf("coordinator: health check rank %q: %w", addr, err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		req := struct {
			TableID int    `json:"table_id"`
			Key     []byte `json:"key"`
		}{TableID: -1}
		var resp struct {
			Value []byte `json:"value"`
			Found bool   `json:"found"`
		}
		return client.Request(ctx, rank, bus.TagGetRequest, req, &resp)
	}
}

// StartHealthMonitoring launches the health monitor against the plan's
// fixed worker set. It blocks until ctx is canceled, so callers run it in
// its own goroutine.
func (c *Coordinator) StartHealthMonitoring(ctx context.Context) {
	nodes := make([]cluster.NodeInfo, c.plan.NumWorkers)
	for i := range nodes {
		id := strconv.Itoa(i)
		nodes[i] = cluster.NodeInfo{ID: id, Addr: id}
	}
	c.health.Start(ctx, func() []cluster.NodeInfo { return nodes })
}

// Iteration returns the current (zero-based) iteration number.
func (c *Coordinator) Iteration() int { return c.iteration }

// SetIteration forces the iteration counter and its string mirror in
// plan.Params["iteration"], used after RestoreFromCheckpoint brings every
// worker rank back to a manifest's recorded iteration.
func (c *Coordinator) SetIteration(n int) {
	c.iteration = n
	if c.plan.Params == nil {
		c.plan.Params = make(map[string]string)
	}
	c.plan.Params["iteration"] = strconv.Itoa(n)
}

// SetCheckpointTables overrides which table ids the next Checkpoint call
// covers, for drivers like cmd/pagerank whose checkpoint set alternates by
// iteration parity rather than staying fixed for the whole job.
func (c *Coordinator) SetCheckpointTables(tableIDs []int) {
	c.plan.TableIDs = tableIDs
}

// Params returns the plan's current parameter map, so a driver can add
// kernel-specific arguments (e.g. pagerank's node count) alongside the
// iteration counter this package maintains.
func (c *Coordinator) Params() map[string]string {
	if c.plan.Params == nil {
		c.plan.Params = make(map[string]string)
	}
	return c.plan.Params
}

// RunIteration drives one full BSP superstep using plan.Kernel/plan.Method:
// broadcast RUN_KERNEL, await every reply and the quiesce barrier it
// carries, optionally checkpoint, then advance the iteration counter.
// Drivers that run more than one kernel method per iteration (internal/
// pagerank's PageRankIter/ResetTable/WriteStatus sequence) should call
// RunKernelMethod directly instead and manage the iteration counter
// themselves via SetIteration.
func (c *Coordinator) RunIteration(ctx context.Context) error {
	if err := c.RunKernelMethod(ctx, c.plan.Kernel, c.plan.Method); err != nil {
		return err
	}
	if c.plan.Checkpoint {
		if err := c.Checkpoint(ctx); err != nil {
			return err
		}
	}
	c.iteration++
	if c.plan.Params == nil {
		c.plan.Params = make(map[string]string)
	}
	c.plan.Params["iteration"] = strconv.Itoa(c.iteration)
	return nil
}

// RunKernelMethod fans RUN_KERNEL out to every worker rank for the given
// (kernelName, methodName) via errgroup (first error cancels the group's
// context, treating any KERNEL_DONE failure as fatal to the superstep), and
// doubles as the quiesce barrier: each worker flushes synchronously before
// replying (see worker.handleRunKernel), so a rank reporting
// PendingBytes > 0 in its KERNEL_DONE means the ordering guarantee was
// violated and the caller must not proceed to the next superstep.
func (c *Coordinator) RunKernelMethod(ctx context.Context, kernelName, methodName string) error {
	timer := prometheus.NewTimer(metrics.KernelIterationDuration.WithLabelValues(kernelName, methodName))
	defer timer.ObserveDuration()

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < c.plan.NumWorkers; rank++ {
		rank := rank
		shards := c.shards.GetNodeShards(strconv.Itoa(rank))
		g.Go(func() error {
			req := runKernelMsg{
				Kernel:           kernelName,
				Method:           methodName,
				Params:           c.plan.Params,
				Shards:           shards,
				CheckpointTables: c.plan.TableIDs,
			}
			var resp kernelDoneMsg
			if err := c.bus.Request(gctx, rank, bus.TagRunKernel, req, &resp); err != nil {
				return fmt.Errorf("coordinator: run-kernel rank %d: %w", rank, err)
			}
			if resp.Err != "" {
				return fmt.Errorf("coordinator: rank %d kernel error: %s", rank, resp.Err)
			}
			if resp.PendingBytes > 0 {
				return fmt.Errorf("coordinator: rank %d still has %d bytes buffered after flush", rank, resp.PendingBytes)
			}
			return nil
		})
	}
	return g.Wait()
}

// Checkpoint broadcasts CHECKPOINT for plan.TableIDs at the current
// iteration, then — once every rank acknowledges — commits a manifest
// covering every (table, shard) pair so Restore knows what to expect.
func (c *Coordinator) Checkpoint(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < c.plan.NumWorkers; rank++ {
		rank := rank
		g.Go(func() error {
			req := checkpointMsg{TableIDs: c.plan.TableIDs, Iteration: c.iteration}
			var resp checkpointDoneMsg
			if err := c.bus.Request(gctx, rank, bus.TagCheckpoint, req, &resp); err != nil {
				return fmt.Errorf("coordinator: checkpoint rank %d: %w", rank, err)
			}
			if resp.Err != "" {
				return fmt.Errorf("coordinator: rank %d checkpoint error: %s", rank, resp.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if c.manifest == nil {
		return nil
	}
	var entries []checkpoint.ManifestEntry
	for _, tableID := range c.plan.TableIDs {
		for shard := 0; shard < c.plan.NumShards; shard++ {
			entries = append(entries, checkpoint.ManifestEntry{TableID: tableID, Shard: shard})
		}
	}
	return c.manifest.WriteManifest(checkpoint.Manifest{Iteration: c.iteration, Entries: entries})
}

// Restore broadcasts RESTORE for m.Entries' table ids at m.Iteration to
// every worker rank, then calls SetIteration(m.Iteration + 1) so the
// caller's iteration loop resumes where the checkpoint left off instead of
// starting over at 0. Callers check ReadManifest first and only call
// Restore when a manifest was actually found.
func (c *Coordinator) Restore(ctx context.Context, m checkpoint.Manifest) error {
	if c.manifest != nil {
		if err := c.manifest.Verify(m); err != nil {
			return fmt.Errorf("coordinator: restore: %w", err)
		}
	}

	tableIDs := make([]int, 0, len(m.Entries))
	seen := make(map[int]bool)
	for _, e := range m.Entries {
		if !seen[e.TableID] {
			seen[e.TableID] = true
			tableIDs = append(tableIDs, e.TableID)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < c.plan.NumWorkers; rank++ {
		rank := rank
		g.Go(func() error {
			req := restoreMsg{TableIDs: tableIDs, Iteration: m.Iteration}
			var resp restoreDoneMsg
			if err := c.bus.Request(gctx, rank, bus.TagRestore, req, &resp); err != nil {
				return fmt.Errorf("coordinator: restore rank %d: %w", rank, err)
			}
			if resp.Err != "" {
				return fmt.Errorf("coordinator: rank %d restore error: %s", rank, resp.Err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	c.SetIteration(m.Iteration + 1)
	return nil
}

// Shutdown broadcasts SHUTDOWN to every worker rank so flushers drain a
// final time before the process exits.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	for rank := 0; rank < c.plan.NumWorkers; rank++ {
		if err := c.bus.Send(ctx, rank, bus.TagShutdown, nil); err != nil {
			return fmt.Errorf("coordinator: shutdown rank %d: %w", rank, err)
		}
	}
	return nil
}
