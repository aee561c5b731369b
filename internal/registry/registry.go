// Package registry is the process-wide table catalog: each table gets a
// Descriptor describing its key/value marshaling, sharding, and merge
// behavior, keyed by a small integer TableID. Grounded on Piccolo's
// TableRegistry (worker/table-registry.h) and its create_table convenience
// function, but modeled as an explicit Environment value threaded through
// worker/coordinator construction rather than a package-level singleton —
// process-wide mutable state is worth avoiding even though the original
// used it.
package registry

import (
	"fmt"
	"sync"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/marshal"
	"github.com/dreamware/bsptable/internal/table"
)

// Descriptor is everything needed to construct and operate a table of a
// given (K, V): how to encode/decode keys and values for the wire, how to
// assign a key to a shard, how to merge values on write, and how to build a
// fresh Local partition.
type Descriptor[K comparable, V any] struct {
	TableID      int
	NumShards    int
	KeyMarshal   marshal.Marshal[K]
	ValueMarshal marshal.Marshal[V]
	ShardOf      func(K, int) int
	Accumulate   func(a, b V) V
	NewLocal     func(shard int) *table.Local[K, V]
}

// erasedTable is the type-erased slot the catalog stores each Descriptor
// under, since Go generics can't erase K/V at a map value without an
// interface seam. It exposes only the table id; the byte-oriented facade
// the worker's message loop dispatches through is worker.managedTable.
type erasedTable interface {
	tableID() int
}

type erasedDescriptor[K comparable, V any] struct {
	desc Descriptor[K, V]
}

func (e erasedDescriptor[K, V]) tableID() int { return e.desc.TableID }

// Environment is the non-global table catalog. Zero value is ready to use.
// It holds both the table Descriptors (read back through Lookup) and the
// live, bus-wired *table.Global
// instances kernel methods read and write through (Piccolo's
// this->get_table<K,V>(id) call inside a kernel's Init()).
type Environment struct {
	mu     sync.RWMutex
	tables map[int]erasedTable
	live   map[int]any
}

// NewEnvironment constructs an empty catalog.
func NewEnvironment() *Environment {
	return &Environment{tables: make(map[int]erasedTable), live: make(map[int]any)}
}

// Register is a free function, not a method, because Go methods cannot
// introduce new type parameters: it stores d in env under d.TableID.
func Register[K comparable, V any](env *Environment, d Descriptor[K, V]) error {
	env.mu.Lock()
	defer env.mu.Unlock()
	if _, exists := env.tables[d.TableID]; exists {
		return fmt.Errorf("registry: table id %d already registered", d.TableID)
	}
	env.tables[d.TableID] = erasedDescriptor[K, V]{desc: d}
	return nil
}

// Lookup retrieves the typed Descriptor registered for id. Callers must
// know K, V for the table id in question; a mismatched type parameter
// returns ok=false rather than panicking.
func Lookup[K comparable, V any](env *Environment, id int) (Descriptor[K, V], bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	et, exists := env.tables[id]
	if !exists {
		return Descriptor[K, V]{}, false
	}
	ed, ok := et.(erasedDescriptor[K, V])
	if !ok {
		return Descriptor[K, V]{}, false
	}
	return ed.desc, true
}

// TableIDs returns every registered table id, in no particular order.
func (env *Environment) TableIDs() []int {
	env.mu.RLock()
	defer env.mu.RUnlock()
	ids := make([]int, 0, len(env.tables))
	for id := range env.tables {
		ids = append(ids, id)
	}
	return ids
}

// CreateTable registers d and returns a ready-to-use Global table for this
// rank, given its ownership bitmap and bus client — the Go equivalent of
// Piccolo's Registry::create_table convenience wrapper around allocating a
// GlobalTable and registering it in one call.
func CreateTable[K comparable, V any](env *Environment, d Descriptor[K, V], owned []bool, ownerRank func(shard int) int, bus bus.Client) (*table.Global[K, V], error) {
	if err := Register(env, d); err != nil {
		return nil, err
	}
	g := table.NewGlobal(table.GlobalConfig[K, V]{
		TableID:     d.TableID,
		NumShards:   d.NumShards,
		ShardOf:     d.ShardOf,
		Accumulate:  d.Accumulate,
		EncodeKey:   d.KeyMarshal.Encode,
		DecodeKey:   d.KeyMarshal.Decode,
		EncodeValue: d.ValueMarshal.Encode,
		DecodeValue: d.ValueMarshal.Decode,
		NewLocal:    d.NewLocal,
		Owned:       owned,
		OwnerRank:   ownerRank,
		Bus:         bus,
	})
	env.mu.Lock()
	env.live[d.TableID] = g
	env.mu.Unlock()
	return g, nil
}

// GetTable returns the live *table.Global[K,V] registered under id via
// CreateTable — the Go equivalent of Piccolo's DSMKernel::get_table<K,V>(id).
func GetTable[K comparable, V any](env *Environment, id int) (*table.Global[K, V], bool) {
	env.mu.RLock()
	defer env.mu.RUnlock()
	v, exists := env.live[id]
	if !exists {
		return nil, false
	}
	g, ok := v.(*table.Global[K, V])
	return g, ok
}
