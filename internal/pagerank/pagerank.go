// Package pagerank reimplements Piccolo's examples/pagerank.cc PRKernel
// against this repo's table/registry/kernel packages: two rank tables
// (curr, next) accumulated via Sum, a propagation step that reads a
// worker's owned graph shard and pushes weighted rank to each outbound
// edge, and a reset step that prepares the table for the following
// iteration.
//
// The original swaps curr_pr_hash/next_pr_hash pointers on the kernel
// instance once per ResetTable call. That works only when RUN_ALL happens
// to invoke ResetTable exactly once per worker process; a worker owning
// more than one shard would see it invoked once per shard and swap back to
// where it started. This package sidesteps the whole class of bug by never
// swapping anything: curr/next are computed from iteration parity
// (tableIDsFor), so the role of table 0 vs table 1 is a pure function of
// the iteration counter instead of mutable state shared across shard
// calls.
package pagerank

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dreamware/bsptable/internal/kernel"
	"github.com/dreamware/bsptable/internal/record"
	"github.com/dreamware/bsptable/internal/registry"
	"github.com/dreamware/bsptable/internal/table"
	"go.uber.org/zap"
)

// PageID identifies a graph node by the site it belongs to and its id
// within that site, mirroring examples/pagerank.cc's PageId{site, page}.
type PageID struct {
	Site uint32
	Page uint32
}

// P builds a PageID the way pagerank.cc's P(s, p) helper does.
func P(site, page uint32) PageID { return PageID{Site: site, Page: page} }

func hashPageID(p PageID) uint64 { return uint64(p.Site)<<32 | uint64(p.Page) }

// SiteSharding assigns a page to shard p.Site % n, exactly
// examples/pagerank.cc's SiteSharding.
func SiteSharding(p PageID, n int) int { return int(p.Site % uint32(n)) }

// NewLocal builds a fresh rank-table partition using registry.Sum as its
// accumulator, since rank contributions accumulate by addition.
func NewLocal(shard int) *table.Local[PageID, float32] {
	return table.NewLocal[PageID, float32](1, hashPageID, registry.Sum[float32])
}

const (
	// CurrTableID and NextTableID are the two table ids PRKernel works
	// with (table 0 / table 1 in Pagerank()'s Registry.CreateTable calls).
	CurrTableID = 0
	NextTableID = 1

	kPropagationFactor = 0.8
	edgesPerSite       = 15
)

// tableIDsFor returns (currID, nextID) for an iteration: even iterations
// read from table 0 and write to table 1, odd iterations the reverse.
func tableIDsFor(iteration int) (curr, next int) {
	if iteration%2 == 0 {
		return CurrTableID, NextTableID
	}
	return NextTableID, CurrTableID
}

// RandomRestartSeed computes the per-update random-restart contribution,
// examples/pagerank.cc's random_restart_seed(): (1-d)*(TOTALRANK/nodes).
func RandomRestartSeed(totalRank float32, nodes int) float32 {
	return float32(1-kPropagationFactor) * (totalRank / float32(nodes))
}

// Kernel binds PRKernel's methods to this process's table catalog and
// on-disk graph shards.
type Kernel struct {
	Env       *registry.Environment
	GraphDir  string
	Nodes     int
	NumShards int
	TotalRank float32
	Log       *zap.SugaredLogger
}

// New constructs a Kernel. graphDir holds one graph shard file per shard
// id, nodes is the total node count used for random-restart weighting and
// initial table sizing, numShards is the graph's own partition count
// (BuildGraph distributes sites round-robin across it).
func New(env *registry.Environment, graphDir string, nodes, numShards int, log *zap.SugaredLogger) *Kernel {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Kernel{
		Env: env, GraphDir: graphDir, Nodes: nodes, NumShards: numShards,
		TotalRank: float32(nodes), Log: log,
	}
}

// Register binds every PRKernel method onto methods under the "PRKernel"
// name.
func Register(methods *kernel.Registry, k *Kernel) {
	methods.Register("PRKernel", "BuildGraph", k.BuildGraph)
	methods.Register("PRKernel", "Initialize", k.Initialize)
	methods.Register("PRKernel", "PageRankIter", k.PageRankIter)
	methods.Register("PRKernel", "ResetTable", k.ResetTable)
	methods.Register("PRKernel", "WriteStatus", k.WriteStatus)
}

func (k *Kernel) iteration(kc *kernel.Context) int {
	n, _ := strconv.Atoi(kc.Params["iteration"])
	return n
}

func (k *Kernel) graphPath(shard int) string {
	return filepath.Join(k.GraphDir, fmt.Sprintf("pr-graph-%05d-of-%05d.rec", shard, k.NumShards))
}

// BuildGraph writes a synthetic web graph for one shard: every site whose
// index is congruent to shard mod NumShards gets edgesPerSite outbound
// links, 1 in 10 landing on a different, randomly chosen site (the same
// "mostly local, occasionally distant" bias as powerlaw_random's targeting
// in examples/pagerank.cc, without that function's power-law size
// distribution — this repo gives every site exactly one page, which is
// enough to exercise sharding/propagation end to end without porting
// pagerank.cc's site-size sampling).
func (k *Kernel) BuildGraph(ctx context.Context, kc *kernel.Context) error {
	if err := os.MkdirAll(k.GraphDir, 0o755); err != nil {
		return fmt.Errorf("pagerank: build graph dir: %w", err)
	}
	f, err := os.Create(k.graphPath(kc.Shard))
	if err != nil {
		return fmt.Errorf("pagerank: create graph shard %d: %w", kc.Shard, err)
	}
	defer f.Close()

	rng := rand.New(rand.NewSource(int64(kc.Shard)))
	w := record.NewWriter(f)
	for site := kc.Shard; site < k.Nodes; site += k.NumShards {
		p := record.Page{Site: uint32(site), ID: 0}
		for e := 0; e < edgesPerSite; e++ {
			targetSite := uint32(site)
			if rng.Intn(10) == 0 {
				targetSite = uint32(rng.Intn(k.Nodes))
			}
			p.TargetSite = append(p.TargetSite, targetSite)
			p.TargetID = append(p.TargetID, 0)
		}
		if err := w.Write(p); err != nil {
			return fmt.Errorf("pagerank: write graph record: %w", err)
		}
	}
	return nil
}

// Initialize resizes both rank tables to hold the graph's full key space,
// examples/pagerank.cc's next_pr_hash->resize((int)(2*nodes)) /
// curr_pr_hash->resize(...).
func (k *Kernel) Initialize(ctx context.Context, kc *kernel.Context) error {
	curr, ok := registry.GetTable[PageID, float32](k.Env, CurrTableID)
	if !ok {
		return fmt.Errorf("pagerank: table %d not registered", CurrTableID)
	}
	next, ok := registry.GetTable[PageID, float32](k.Env, NextTableID)
	if !ok {
		return fmt.Errorf("pagerank: table %d not registered", NextTableID)
	}
	size := 2 * k.Nodes
	curr.Resize(kc.Shard, size)
	next.Resize(kc.Shard, size)
	return nil
}

// PageRankIter reads this shard's graph records and, per record, seeds the
// next table with a random-restart contribution plus this node's
// propagated rank split evenly across its outbound edges — the
// RecordFile-reading loop in examples/pagerank.cc's PageRankIter.
func (k *Kernel) PageRankIter(ctx context.Context, kc *kernel.Context) error {
	iteration := k.iteration(kc)
	currID, nextID := tableIDsFor(iteration)
	curr, ok := registry.GetTable[PageID, float32](k.Env, currID)
	if !ok {
		return fmt.Errorf("pagerank: table %d not registered", currID)
	}
	next, ok := registry.GetTable[PageID, float32](k.Env, nextID)
	if !ok {
		return fmt.Errorf("pagerank: table %d not registered", nextID)
	}

	f, err := os.Open(k.graphPath(kc.Shard))
	if err != nil {
		return fmt.Errorf("pagerank: open graph shard %d: %w", kc.Shard, err)
	}
	defer f.Close()

	pages, err := record.NewReader(f).ReadAll()
	if err != nil {
		return fmt.Errorf("pagerank: read graph shard %d: %w", kc.Shard, err)
	}

	restart := RandomRestartSeed(k.TotalRank, k.Nodes)
	for _, p := range pages {
		id := P(p.Site, p.ID)
		next.Update(id, restart)

		v, err := curr.GetLocal(id)
		if err != nil && !errors.Is(err, table.ErrNotPresent) {
			return fmt.Errorf("pagerank: read current rank for %+v: %w", id, err)
		}
		if len(p.TargetSite) == 0 {
			continue
		}
		contribution := float32(kPropagationFactor) * v / float32(len(p.TargetSite))
		for i := range p.TargetSite {
			next.Update(P(p.TargetSite[i], p.TargetID[i]), contribution)
		}
	}
	return nil
}

// ResetTable clears this shard's partition of whichever table was "curr"
// this iteration, so it starts empty as "next" in the following
// iteration.
func (k *Kernel) ResetTable(ctx context.Context, kc *kernel.Context) error {
	currID, _ := tableIDsFor(k.iteration(kc))
	curr, ok := registry.GetTable[PageID, float32](k.Env, currID)
	if !ok {
		return fmt.Errorf("pagerank: table %d not registered", currID)
	}
	curr.Clear(kc.Shard)
	return nil
}

// WriteStatus logs the rank of page (0, 0) as of this iteration's freshly
// propagated values, mirroring examples/pagerank.cc's WriteStatus
// diagnostic print. It reads the "next" table rather than "curr": by the
// time WriteStatus runs, PageRankIter has already written this iteration's
// ranks into next and ResetTable has already cleared curr in preparation
// for the following iteration, so next is the only one of the pair still
// holding a meaningful value.
func (k *Kernel) WriteStatus(ctx context.Context, kc *kernel.Context) error {
	iteration := k.iteration(kc)
	_, nextID := tableIDsFor(iteration)
	next, ok := registry.GetTable[PageID, float32](k.Env, nextID)
	if !ok {
		return fmt.Errorf("pagerank: table %d not registered", nextID)
	}
	v, err := next.Get(ctx, P(0, 0))
	if err != nil && !errors.Is(err, table.ErrNotPresent) {
		return fmt.Errorf("pagerank: read status rank: %w", err)
	}
	k.Log.Infow("pagerank status", "iteration", iteration, "rank_0_0", v)
	return nil
}
