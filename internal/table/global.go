package table

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

// ErrNotLocal is returned by GetLocal when the requested key's shard is not
// owned by this rank.
var ErrNotLocal = fmt.Errorf("table: shard not owned by this rank")

type getRequestWire struct {
	TableID int    `json:"table_id"`
	Key     []byte `json:"key"`
}

type getResponseWire struct {
	Value []byte `json:"value"`
	Found bool   `json:"found"`
}

type putEntryWire struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

type putRequestWire struct {
	TableID int            `json:"table_id"`
	Entries []putEntryWire `json:"entries"`
}

// GlobalConfig bundles everything a Global table needs beyond the bus
// client: the sharding/accumulation contract shared with every rank, plus
// this rank's view of which shards it owns.
type GlobalConfig[K comparable, V any] struct {
	TableID     int
	NumShards   int
	ShardOf     func(K, int) int
	Accumulate  func(a, b V) V
	EncodeKey   func(K) ([]byte, error)
	DecodeKey   func([]byte) (K, error)
	EncodeValue func(V) ([]byte, error)
	DecodeValue func([]byte) (V, error)
	NewLocal    func(shard int) *Local[K, V]
	Owned       []bool // index = shard id
	OwnerRank   func(shard int) int
	Bus         bus.Client
}

// Global multiplexes one Local table per shard into a single logical
// table: Get/Update dispatch to the owning Local directly for owned
// shards, and to a shadow cache (reads) or outbound buffer (writes) for
// shards owned elsewhere, with at most one in-flight remote read per key in
// flight at a time (worker/table.h, worker/accumulator.cc).
//
// Every access to partitions[s] — reading the pointer, lazily allocating
// it, operating on its contents, or swapping it out — holds shardMu[s] for
// the whole operation, so a single per-shard lock serializes both "which
// Local object lives here" and "what's inside it" instead of needing two
// locks kept in sync.
type Global[K comparable, V any] struct {
	cfg GlobalConfig[K, V]

	partitions []*Local[K, V]
	shardMu    []sync.Mutex

	inflight singleflight.Group
}

// NewGlobal constructs a Global table from cfg. Owned shards get their
// Local allocated eagerly via cfg.NewLocal; non-owned partitions are left
// nil and created lazily on first shadow-cache fill or buffered write.
func NewGlobal[K comparable, V any](cfg GlobalConfig[K, V]) *Global[K, V] {
	g := &Global[K, V]{
		cfg:        cfg,
		partitions: make([]*Local[K, V], cfg.NumShards),
		shardMu:    make([]sync.Mutex, cfg.NumShards),
	}
	for s := 0; s < cfg.NumShards; s++ {
		if s < len(cfg.Owned) && cfg.Owned[s] {
			g.partitions[s] = cfg.NewLocal(s)
		}
	}
	return g
}

func (g *Global[K, V]) owns(shard int) bool {
	return shard < len(g.cfg.Owned) && g.cfg.Owned[shard]
}

// ensureLocked returns partitions[shard], allocating it via cfg.NewLocal if
// absent. Caller must hold shardMu[shard].
func (g *Global[K, V]) ensureLocked(shard int) *Local[K, V] {
	if g.partitions[shard] == nil {
		g.partitions[shard] = g.cfg.NewLocal(shard)
	}
	return g.partitions[shard]
}

// Get returns the value for k, fetching it from the owning rank over the
// bus if the shard isn't owned locally. Concurrent Get calls for the same
// key collapse into a single round trip via singleflight.
func (g *Global[K, V]) Get(ctx context.Context, k K) (V, error) {
	var zero V
	shard := g.cfg.ShardOf(k, g.cfg.NumShards)

	if g.owns(shard) {
		g.shardMu[shard].Lock()
		defer g.shardMu[shard].Unlock()
		return g.partitions[shard].Get(k)
	}

	g.shardMu[shard].Lock()
	if g.partitions[shard] != nil {
		if v, err := g.partitions[shard].Get(k); err == nil {
			g.shardMu[shard].Unlock()
			return v, nil
		}
	}
	g.shardMu[shard].Unlock()

	ek, err := g.cfg.EncodeKey(k)
	if err != nil {
		return zero, fmt.Errorf("table: encode key: %w", err)
	}

	sfKey := fmt.Sprintf("%d:%x", shard, ek)
	result, err, _ := g.inflight.Do(sfKey, func() (any, error) {
		timer := prometheus.NewTimer(metrics.RemoteGetDuration.WithLabelValues(fmt.Sprint(g.cfg.TableID)))
		defer timer.ObserveDuration()

		var resp getResponseWire
		req := getRequestWire{TableID: g.cfg.TableID, Key: ek}
		if err := g.cfg.Bus.Request(ctx, g.cfg.OwnerRank(shard), bus.TagGetRequest, req, &resp); err != nil {
			return nil, fmt.Errorf("table: remote get shard %d: %w", shard, err)
		}
		if !resp.Found {
			return nil, ErrNotPresent
		}
		v, err := g.cfg.DecodeValue(resp.Value)
		if err != nil {
			return nil, fmt.Errorf("table: decode remote value: %w", err)
		}

		g.shardMu[shard].Lock()
		g.ensureLocked(shard).Put(k, v)
		g.shardMu[shard].Unlock()

		return v, nil
	})
	if err != nil {
		return zero, err
	}
	return result.(V), nil
}

// GetLocal returns the value for k without ever going over the bus,
// failing with ErrNotLocal if the shard isn't owned here.
func (g *Global[K, V]) GetLocal(k K) (V, error) {
	var zero V
	shard := g.cfg.ShardOf(k, g.cfg.NumShards)
	if !g.owns(shard) {
		return zero, ErrNotLocal
	}
	g.shardMu[shard].Lock()
	defer g.shardMu[shard].Unlock()
	return g.partitions[shard].Get(k)
}

// Update merges v into k's entry, directly if the shard is owned, or into
// the shard's outbound buffer otherwise (flushed later by the worker's
// flusher goroutine as a PUT_REQUEST).
func (g *Global[K, V]) Update(k K, v V) {
	shard := g.cfg.ShardOf(k, g.cfg.NumShards)

	g.shardMu[shard].Lock()
	defer g.shardMu[shard].Unlock()
	if g.owns(shard) {
		g.partitions[shard].Update(k, v)
		return
	}
	g.ensureLocked(shard).Update(k, v)
}

// Clear empties the Local for shard, leaving it allocated.
func (g *Global[K, V]) Clear(shard int) {
	g.shardMu[shard].Lock()
	defer g.shardMu[shard].Unlock()
	if g.partitions[shard] != nil {
		g.partitions[shard].Clear()
	}
}

// Resize grows or shrinks the Local for shard to hold n buckets.
func (g *Global[K, V]) Resize(shard, n int) {
	g.shardMu[shard].Lock()
	defer g.shardMu[shard].Unlock()
	if g.partitions[shard] != nil {
		g.partitions[shard].Resize(n)
	}
}

// PendingWriteBytes estimates the encoded size of every buffered write
// waiting to be flushed to a remote owner, for the per-table Prometheus
// gauge.
func (g *Global[K, V]) PendingWriteBytes() int {
	total := 0
	for shard := range g.partitions {
		if g.owns(shard) {
			continue
		}
		g.shardMu[shard].Lock()
		p := g.partitions[shard]
		if p != nil {
			p.All(func(k K, v V) bool {
				if ek, err := g.cfg.EncodeKey(k); err == nil {
					total += len(ek)
				}
				if ev, err := g.cfg.EncodeValue(v); err == nil {
					total += len(ev)
				}
				return true
			})
		}
		g.shardMu[shard].Unlock()
	}
	metrics.PendingWriteBytes.WithLabelValues(fmt.Sprint(g.cfg.TableID)).Set(float64(total))
	return total
}

// PendingBuffer pairs a drained outbound buffer with the shard it was
// buffering writes for, since the caller needs the shard id to know which
// owning rank to flush it to.
type PendingBuffer[K comparable, V any] struct {
	Shard int
	Local *Local[K, V]
}

// GetPendingUpdates extracts and returns every non-empty outbound buffer,
// atomically replacing each with a fresh empty Local so concurrent Update
// calls during the flush land in the new buffer rather than racing the
// drain.
func (g *Global[K, V]) GetPendingUpdates() []PendingBuffer[K, V] {
	var drained []PendingBuffer[K, V]
	for shard := range g.partitions {
		if g.owns(shard) {
			continue
		}
		g.shardMu[shard].Lock()
		p := g.partitions[shard]
		if p != nil && p.Entries() > 0 {
			drained = append(drained, PendingBuffer[K, V]{Shard: shard, Local: p})
			g.partitions[shard] = g.cfg.NewLocal(shard)
		}
		g.shardMu[shard].Unlock()
	}
	return drained
}

// OwnerRank exposes the configured owner-rank function so callers flushing
// a PendingBuffer know where to send it.
func (g *Global[K, V]) OwnerRank(shard int) int {
	return g.cfg.OwnerRank(shard)
}

// EncodeKey and EncodeValue expose the configured codecs so the worker's
// flusher can serialize a drained PendingBuffer into a PUT_REQUEST without
// reaching into Global's private config.
func (g *Global[K, V]) EncodeKey(k K) ([]byte, error)   { return g.cfg.EncodeKey(k) }
func (g *Global[K, V]) EncodeValue(v V) ([]byte, error) { return g.cfg.EncodeValue(v) }

// DecodeKey and DecodeValue are the inverse, used by the worker's
// HandleGetRequest/HandlePutRequest dispatch to go from wire bytes to K/V.
func (g *Global[K, V]) DecodeKey(b []byte) (K, error)   { return g.cfg.DecodeKey(b) }
func (g *Global[K, V]) DecodeValue(b []byte) (V, error) { return g.cfg.DecodeValue(b) }

// TableID returns the id this Global was configured with.
func (g *Global[K, V]) TableID() int { return g.cfg.TableID }

// OwnedShards returns, in ascending order, every shard id this rank owns —
// the set a checkpoint or a RUN_KERNEL dispatch needs to iterate.
func (g *Global[K, V]) OwnedShards() []int {
	var out []int
	for s := 0; s < g.cfg.NumShards; s++ {
		if g.owns(s) {
			out = append(out, s)
		}
	}
	return out
}

func (g *Global[K, V]) codec() EntryCodec[K, V] {
	return EntryCodec[K, V]{
		EncodeKey:   g.cfg.EncodeKey,
		DecodeKey:   g.cfg.DecodeKey,
		EncodeValue: g.cfg.EncodeValue,
		DecodeValue: g.cfg.DecodeValue,
	}
}

// SerializeShard writes every entry of an owned shard to w, for checkpoint
// writing. Fails with ErrNotLocal if the shard isn't owned here.
func (g *Global[K, V]) SerializeShard(w io.Writer, shard int) error {
	if !g.owns(shard) {
		return ErrNotLocal
	}
	g.shardMu[shard].Lock()
	defer g.shardMu[shard].Unlock()
	return g.partitions[shard].Serialize(w, g.codec())
}

// RestoreShard reads entries written by SerializeShard back into an owned
// shard's Local via Update (never Put), so a restore onto a non-empty
// table still respects the accumulator.
func (g *Global[K, V]) RestoreShard(r io.Reader, shard int) error {
	if !g.owns(shard) {
		return ErrNotLocal
	}
	g.shardMu[shard].Lock()
	defer g.shardMu[shard].Unlock()
	return g.partitions[shard].ApplyEncoded(r, g.codec())
}
