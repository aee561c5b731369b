// Command coordinator drives a single-kernel-per-iteration BSP job over a
// statically configured set of worker ranks reachable over HTTP: plain
// log.Printf startup/shutdown messages, getenv/mustGetenv configuration,
// and a signal-driven graceful exit.
//
// This process never serves inbound HTTP: it only ever originates requests
// to worker ranks (RUN_KERNEL, CHECKPOINT, the health probe), so there is
// no registration handshake. Shard placement is derived identically on
// every process from (shards, num_workers) via
// internal/coordinator.BuildShardAssignment rather than discovered at
// runtime.
package main

import (
	"context"
	"errors"
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
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
	}

	kernelName := mustGetenv("BSP_KERNEL")
	methodName := mustGetenv("BSP_METHOD")
	peers, err := parsePeers(mustGetenv("BSP_WORKER_ADDRS"), cfg.NumWorkers)
	if err != nil {
		logFatal("worker addrs: %v", err)
	}

	zlog, err := zap.NewProduction()
	if err != nil {
		logFatal("build logger: %v", err)
	}
	defer zlog.Sync()
	sugar := zlog.Sugar()

	client := bus.NewHTTP(zlog, bus.CoordinatorRank, getenv("BSP_COORD_LISTEN", ":0"), peers)

	var store *checkpoint.Store
	if cfg.Checkpoint {
		store, err = checkpoint.Open(cfg.CheckpointDir)
		if err != nil {
			logFatal("open checkpoint store: %v", err)
		}
		defer store.Close()
	}

	plan := coordinator.WorkloadPlan{
		Kernel:        kernelName,
		Method:        methodName,
		Iterations:    cfg.Iterations,
		NumShards:     cfg.Shards,
		NumWorkers:    cfg.NumWorkers,
		TableIDs:      parseTableIDs(getenv("BSP_TABLE_IDS", "")),
		Checkpoint:    cfg.Checkpoint,
		CheckpointDir: cfg.CheckpointDir,
	}
	c, err := coordinator.New(plan, client, store, sugar)
	if err != nil {
		logFatal("build coordinator: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go c.StartHealthMonitoring(ctx)

	startIteration := 0
	if store != nil {
		m, err := store.ReadManifest()
		switch {
		case errors.Is(err, checkpoint.ErrNoManifest):
			// cold start, nothing to restore.
		case err != nil:
			logFatal("read manifest: %v", err)
		default:
			if err := c.Restore(ctx, m); err != nil {
				logFatal("restore from checkpoint: %v", err)
			}
			startIteration = m.Iteration + 1
			log.Printf("resumed from checkpoint at iteration %d", startIteration)
		}
	}

	log.Printf("coordinator driving %q/%q across %d workers for %d iterations", kernelName, methodName, cfg.NumWorkers, cfg.Iterations)
	for i := startIteration; i < cfg.Iterations; i++ {
		select {
		case <-ctx.Done():
			log.Println("coordinator interrupted, shutting down workers")
			_ = c.Shutdown(context.Background())
			return
		default:
		}
		if err := c.RunIteration(ctx); err != nil {
			logFatal("iteration %d: %v", i, err)
		}
		log.Printf("iteration %d complete", i)
	}

	if err := c.Shutdown(context.Background()); err != nil {
		log.Printf("shutdown broadcast error: %v", err)
	}
	log.Println("coordinator stopped")
}

// parsePeers parses a "rank=host:port,rank=host:port,..." address list into
// the map bus.NewHTTP expects, rejecting a list that doesn't name exactly
// one address per worker rank in [0, numWorkers).
func parsePeers(raw string, numWorkers int) (map[int]bus.Peer, error) {
	peers := make(map[int]bus.Peer, numWorkers)
	var seen []int
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
		if slices.ContainsFunc(seen, func(r int) bool { return r == rank }) {
			return nil, fmt.Errorf("duplicate peer entry for rank %d", rank)
		}
		seen = append(seen, rank)
		peers[rank] = bus.Peer{Rank: rank, Addr: parts[1]}
	}
	for r := 0; r < numWorkers; r++ {
		if _, ok := peers[r]; !ok {
			return nil, fmt.Errorf("missing peer address for worker rank %d", r)
		}
	}
	return peers, nil
}

func parseTableIDs(raw string) []int {
	if raw == "" {
		return nil
	}
	var ids []int
	for _, s := range strings.Split(raw, ",") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if n, err := strconv.Atoi(s); err == nil {
			ids = append(ids, n)
		}
	}
	return ids
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
