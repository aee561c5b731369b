// Package coordinator implements the orchestration layer for a BSP job.
// See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"sync"
)

// ShardAssignment records which worker rank owns a shard.
type ShardAssignment struct {
	ShardID int
	Rank    string // stringified worker rank, e.g. "0"
}

// ShardRegistry is the shard→rank placement table a BSP job computes once
// (via RebalanceShards) and never mutates afterward: BuildShardAssignment
// is the only caller that builds one, and it calls RebalanceShards exactly
// once with the job's full worker-rank list.
type ShardRegistry struct {
	assignments map[int]*ShardAssignment
	mu          sync.RWMutex
	numShards   int
}

// NewShardRegistry creates an empty registry for numShards shards.
func NewShardRegistry(numShards int) *ShardRegistry {
	return &ShardRegistry{
		assignments: make(map[int]*ShardAssignment),
		numShards:   numShards,
	}
}

// GetAssignment returns a copy of shardID's current assignment, or nil if
// unassigned.
func (r *ShardRegistry) GetAssignment(shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.assignments[shardID]
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

// GetNodeShards returns every shard ID assigned to rank (as a stringified
// rank number), in no particular order.
func (r *ShardRegistry) GetNodeShards(rank string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var shards []int
	for shardID, a := range r.assignments {
		if a.Rank == rank {
			shards = append(shards, shardID)
		}
	}
	return shards
}

// NumShards returns the total shard count this registry was created with.
func (r *ShardRegistry) NumShards() int {
	return r.numShards
}

// RebalanceShards assigns every shard to a rank round-robin: shard i goes
// to ranks[i % len(ranks)]. Any prior assignments are overwritten.
func (r *ShardRegistry) RebalanceShards(ranks []string) error {
	if len(ranks) == 0 {
		return errors.New("cannot rebalance with no ranks")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for shardID := 0; shardID < r.numShards; shardID++ {
		rank := ranks[shardID%len(ranks)]
		r.assignments[shardID] = &ShardAssignment{ShardID: shardID, Rank: rank}
	}
	return nil
}
