// Command worker runs one BSP worker rank as a standalone process reachable
// over HTTP: it answers remote GET_REQUEST/PUT_REQUEST traffic, executes
// RUN_KERNEL/CHECKPOINT commands from the coordinator, and periodically
// flushes buffered writes to the ranks that own them. It is the distributed
// counterpart of cmd/pagerank's in-process worker construction, generalized
// from one shared bus.Network to independent processes wired together over
// bus.HTTP.
//
// Shard ownership here is never negotiated at startup: every worker process
// derives the same placement independently from (shards, num_workers) via
// internal/coordinator.BuildShardAssignment, so there is nothing to
// register and no race between "worker starts serving" and "coordinator
// assigns its shards".
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/dreamware/bsptable/internal/config"
	"github.com/dreamware/bsptable/internal/coordinator"
	"github.com/dreamware/bsptable/internal/kernel"
	"github.com/dreamware/bsptable/internal/marshal"
	"github.com/dreamware/bsptable/internal/pagerank"
	"github.com/dreamware/bsptable/internal/registry"
	"github.com/dreamware/bsptable/internal/worker"
	"go.uber.org/zap"
)

var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
	}

	rank, err := strconv.Atoi(mustGetenv("BSP_RANK"))
	if err != nil {
		logFatal("BSP_RANK must be an integer: %v", err)
	}
	listen := getenv("BSP_LISTEN", ":9000")
	peers, err := parsePeers(mustGetenv("BSP_PEER_ADDRS"))
	if err != nil {
		logFatal("peer addrs: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		logFatal("build logger: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar().With("rank", rank)

	srv := bus.NewHTTP(zlog, rank, listen, peers)
	env := registry.NewEnvironment()
	methods := kernel.NewRegistry()

	// This process ships one kernel, PRKernel (internal/pagerank); a
	// deployment running a different example links that kernel's Register
	// call in here instead.
	graphDir := getenv("PAGERANK_GRAPH_DIR", "/tmp/pagerank-graph")
	nodes := getenvInt("PAGERANK_NODES", 1000)
	prKernel := pagerank.New(env, graphDir, nodes, cfg.Shards, sugar)
	pagerank.Register(methods, prKernel)

	plan := coordinator.WorkloadPlan{NumShards: cfg.Shards, NumWorkers: cfg.NumWorkers}
	shards, err := coordinator.BuildShardAssignment(plan)
	if err != nil {
		logFatal("build shard assignment: %v", err)
	}
	owned := coordinator.OwnedBitmap(shards, rank)
	ownerRank := coordinator.OwnerRank(shards)

	w := worker.New(rank, srv, srv, env, methods, sugar)
	for _, tableID := range []int{pagerank.CurrTableID, pagerank.NextTableID} {
		g, err := registry.CreateTable(env, registry.Descriptor[pagerank.PageID, float32]{
			TableID:      tableID,
			NumShards:    cfg.Shards,
			KeyMarshal:   marshal.Raw[pagerank.PageID]{},
			ValueMarshal: marshal.Raw[float32]{},
			ShardOf:      pagerank.SiteSharding,
			Accumulate:   registry.Sum[float32],
			NewLocal:     pagerank.NewLocal,
		}, owned, ownerRank, srv)
		if err != nil {
			logFatal("register table %d: %v", tableID, err)
		}
		worker.RegisterTable(w, g)
	}

	if cfg.Checkpoint {
		store, err := checkpoint.Open(cfg.CheckpointDir)
		if err != nil {
			logFatal("open checkpoint store: %v", err)
		}
		defer store.Close()
		w.SetCheckpointStore(store)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	w.StartFlusher(ctx)
	defer w.StopFlusher()

	log.Printf("worker[%d] listening on %s (%d owned shards)", rank, listen, len(shards.GetNodeShards(strconv.Itoa(rank))))
	if err := w.Serve(ctx); err != nil && err != context.Canceled {
		logFatal("serve: %v", err)
	}
	log.Printf("worker[%d] stopped", rank)
}

// parsePeers parses a "rank=host:port,..." address list, same format as
// cmd/coordinator's parsePeers but with less validation: it skips the
// num-workers completeness check, since a worker only needs to reach the
// ranks it actually talks to, and a repeated rank keeps its last address
// instead of being rejected.
func parsePeers(raw string) (map[int]bus.Peer, error) {
	peers := make(map[int]bus.Peer)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("malformed peer entry %q, want rank=host:port", entry)
		}
		rank, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("peer rank %q: %w", parts[0], err)
		}
		peers[rank] = bus.Peer{Rank: rank, Addr: parts[1]}
	}
	return peers, nil
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

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
