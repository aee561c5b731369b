// Command pagerank runs the PRKernel example job end to end inside a single
// process: every worker rank and the coordinator share one bus.Network, so
// there is no separate deployment step, matching how Piccolo's own
// examples/pagerank.cc links its kernel directly into a single
// mpirun-launched binary rather than assuming a pre-existing cluster.
//
// Flow: optionally synthesize a graph (one shard file per worker), register
// the two rank tables, Initialize, then iterate PageRankIter -> ResetTable ->
// WriteStatus the requested number of times, checkpointing the table that
// just became "current" each round — examples/pagerank.cc's Pagerank()
// driver loop, translated from RUN_ALL/RUN_ONE calls on a single process's
// Master to this repo's Coordinator.RunKernelMethod/Checkpoint calls fanned
// out over bus ranks.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/dreamware/bsptable/internal/coordinator"
	"github.com/dreamware/bsptable/internal/kernel"
	"github.com/dreamware/bsptable/internal/marshal"
	"github.com/dreamware/bsptable/internal/pagerank"
	"github.com/dreamware/bsptable/internal/registry"
	"github.com/dreamware/bsptable/internal/worker"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "pagerank:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("pagerank: build logger: %w", err)
	}
	defer log.Sync()
	sugar := log.Sugar()

	numWorkers := getenvInt("PAGERANK_WORKERS", 4)
	nodes := getenvInt("PAGERANK_NODES", 1000)
	iterations := getenvInt("PAGERANK_ITERATIONS", 10)
	graphDir := getenv("PAGERANK_GRAPH_DIR", "/tmp/pagerank-graph")
	buildGraph := getenvBool("PAGERANK_BUILD_GRAPH", true)
	checkpointDir := getenv("PAGERANK_CHECKPOINT_DIR", "")

	net := bus.NewNetwork()
	plan := coordinator.WorkloadPlan{
		NumShards:  numWorkers,
		NumWorkers: numWorkers,
		Checkpoint: checkpointDir != "",
	}
	shards, err := coordinator.BuildShardAssignment(plan)
	if err != nil {
		return err
	}
	ownerRank := coordinator.OwnerRank(shards)

	var store *checkpoint.Store
	if checkpointDir != "" {
		store, err = checkpoint.Open(checkpointDir)
		if err != nil {
			return fmt.Errorf("pagerank: open checkpoint store: %w", err)
		}
		defer store.Close()
	}

	for rank := 0; rank < numWorkers; rank++ {
		srv := net.NewServer(rank)
		env := registry.NewEnvironment()
		methods := kernel.NewRegistry()

		k := pagerank.New(env, graphDir, nodes, numWorkers, sugar.With("rank", rank))
		pagerank.Register(methods, k)

		w := worker.New(rank, srv, srv, env, methods, sugar.With("rank", rank))

		owned := coordinator.OwnedBitmap(shards, rank)
		for _, tableID := range []int{pagerank.CurrTableID, pagerank.NextTableID} {
			g, err := registry.CreateTable(env, registry.Descriptor[pagerank.PageID, float32]{
				TableID:      tableID,
				NumShards:    numWorkers,
				KeyMarshal:   marshal.Raw[pagerank.PageID]{},
				ValueMarshal: marshal.Raw[float32]{},
				ShardOf:      pagerank.SiteSharding,
				Accumulate:   registry.Sum[float32],
				NewLocal:     pagerank.NewLocal,
			}, owned, ownerRank, srv)
			if err != nil {
				return fmt.Errorf("pagerank: register table %d on rank %d: %w", tableID, rank, err)
			}
			worker.RegisterTable(w, g)
		}

		if store != nil {
			w.SetCheckpointStore(store)
		}
		w.StartFlusher(ctx)
		defer w.StopFlusher()
	}

	c, err := coordinator.New(plan, net.NewServer(bus.CoordinatorRank), store, sugar)
	if err != nil {
		return fmt.Errorf("pagerank: build coordinator: %w", err)
	}

	startIteration := 0
	if store != nil {
		m, err := store.ReadManifest()
		switch {
		case errors.Is(err, checkpoint.ErrNoManifest):
			// cold start, nothing to restore.
		case err != nil:
			return fmt.Errorf("pagerank: read manifest: %w", err)
		default:
			if err := c.Restore(ctx, m); err != nil {
				return fmt.Errorf("pagerank: restore from checkpoint: %w", err)
			}
			startIteration = m.Iteration + 1
			sugar.Infow("resumed from checkpoint", "iteration", startIteration)
		}
	}

	if startIteration == 0 {
		if buildGraph {
			if err := c.RunKernelMethod(ctx, "PRKernel", "BuildGraph"); err != nil {
				return fmt.Errorf("pagerank: build graph: %w", err)
			}
		}
		if err := c.RunKernelMethod(ctx, "PRKernel", "Initialize"); err != nil {
			return fmt.Errorf("pagerank: initialize: %w", err)
		}
	}

	for i := startIteration; i < iterations; i++ {
		c.SetIteration(i)
		curr := checkpointTableFor(i)
		c.Params()["nodes"] = strconv.Itoa(nodes)

		if err := c.RunKernelMethod(ctx, "PRKernel", "PageRankIter"); err != nil {
			return fmt.Errorf("pagerank: iteration %d propagate: %w", i, err)
		}
		if err := c.RunKernelMethod(ctx, "PRKernel", "ResetTable"); err != nil {
			return fmt.Errorf("pagerank: iteration %d reset: %w", i, err)
		}
		if err := c.RunKernelMethod(ctx, "PRKernel", "WriteStatus"); err != nil {
			return fmt.Errorf("pagerank: iteration %d status: %w", i, err)
		}

		if plan.Checkpoint {
			c.SetCheckpointTables([]int{curr})
			if err := c.Checkpoint(ctx); err != nil {
				return fmt.Errorf("pagerank: iteration %d checkpoint: %w", i, err)
			}
		}
	}

	return c.Shutdown(ctx)
}

// checkpointTableFor mirrors pagerank.tableIDsFor's parity rule from the
// driver side: it names whichever table PageRankIter just wrote this
// iteration's freshly propagated ranks into, before ResetTable clears the
// other one — the same table examples/pagerank.cc's main loop passes to
// checkpoint_tables via MakeVector((i%2==0)?1:0).
func checkpointTableFor(iteration int) int {
	if iteration%2 == 0 {
		return pagerank.NextTableID
	}
	return pagerank.CurrTableID
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
