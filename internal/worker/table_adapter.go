package worker

import (
	"bytes"
	"context"
	"fmt"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/checkpoint"
	"github.com/dreamware/bsptable/internal/metrics"
	"github.com/dreamware/bsptable/internal/table"
)

// managedTable is the byte-oriented facade the worker's untyped message
// loop dispatches through — Go generics can't erase a table's (K, V) at a
// map value, so every registered table is wrapped in a tableAdapter
// implementing this interface, the same seam registry.erasedTable uses for
// the table catalog.
type managedTable interface {
	TableID() int
	HandleGetRequest(encodedKey []byte) (encodedValue []byte, found bool, err error)
	HandlePutRequest(entries []WireEntry) error
	PendingWriteBytes() int
	Flush(ctx context.Context, self bus.Client) error
	OwnedShards() []int
	WriteCheckpoint(store *checkpoint.Store, iteration int) error
	RestoreCheckpoint(store *checkpoint.Store, iteration int) error
}

// tableAdapter wraps a *table.Global[K,V] to satisfy managedTable.
type tableAdapter[K comparable, V any] struct {
	g *table.Global[K, V]
}

func newTableAdapter[K comparable, V any](g *table.Global[K, V]) managedTable {
	return &tableAdapter[K, V]{g: g}
}

func (a *tableAdapter[K, V]) TableID() int { return a.g.TableID() }

func (a *tableAdapter[K, V]) HandleGetRequest(encodedKey []byte) ([]byte, bool, error) {
	k, err := a.g.DecodeKey(encodedKey)
	if err != nil {
		return nil, false, fmt.Errorf("worker: decode get-request key: %w", err)
	}
	v, err := a.g.GetLocal(k)
	if err != nil {
		return nil, false, nil
	}
	ev, err := a.g.EncodeValue(v)
	if err != nil {
		return nil, false, fmt.Errorf("worker: encode get-response value: %w", err)
	}
	return ev, true, nil
}

func (a *tableAdapter[K, V]) HandlePutRequest(entries []WireEntry) error {
	for _, e := range entries {
		k, err := a.g.DecodeKey(e.Key)
		if err != nil {
			return fmt.Errorf("worker: decode put-request key: %w", err)
		}
		v, err := a.g.DecodeValue(e.Value)
		if err != nil {
			return fmt.Errorf("worker: decode put-request value: %w", err)
		}
		a.g.Update(k, v)
	}
	return nil
}

func (a *tableAdapter[K, V]) PendingWriteBytes() int {
	return a.g.PendingWriteBytes()
}

// Flush drains every outbound buffer and ships each as a PUT_REQUEST to its
// owning rank.
func (a *tableAdapter[K, V]) Flush(ctx context.Context, self bus.Client) error {
	tableID := a.g.TableID()
	for _, buf := range a.g.GetPendingUpdates() {
		var entries []WireEntry
		buf.Local.All(func(k K, v V) bool {
			ek, err := a.g.EncodeKey(k)
			if err != nil {
				return false
			}
			ev, err := a.g.EncodeValue(v)
			if err != nil {
				return false
			}
			entries = append(entries, WireEntry{Key: ek, Value: ev})
			return true
		})
		if len(entries) == 0 {
			continue
		}
		owner := a.g.OwnerRank(buf.Shard)
		if err := self.Send(ctx, owner, bus.TagPutRequest, putRequestMsg{TableID: tableID, Entries: entries}); err != nil {
			return fmt.Errorf("worker: flush shard %d to rank %d: %w", buf.Shard, owner, err)
		}
		metrics.FlushesTotal.WithLabelValues(fmt.Sprint(tableID)).Inc()
	}
	return nil
}

func (a *tableAdapter[K, V]) OwnedShards() []int { return a.g.OwnedShards() }

// WriteCheckpoint serializes every shard this rank owns for this table and
// durably stores it at iteration, one checkpoint.Store key per shard.
func (a *tableAdapter[K, V]) WriteCheckpoint(store *checkpoint.Store, iteration int) error {
	var zeroK K
	var zeroV V
	for _, shard := range a.g.OwnedShards() {
		var buf bytes.Buffer
		if err := a.g.SerializeShard(&buf, shard); err != nil {
			return fmt.Errorf("worker: checkpoint serialize shard %d: %w", shard, err)
		}
		header := checkpoint.Header{
			TableID:   a.g.TableID(),
			Shard:     shard,
			Iteration: iteration,
			KeyType:   fmt.Sprintf("%T", zeroK),
			ValueType: fmt.Sprintf("%T", zeroV),
		}
		if err := store.WriteShard(header, buf.Bytes()); err != nil {
			return fmt.Errorf("worker: checkpoint write shard %d: %w", shard, err)
		}
	}
	return nil
}

// RestoreCheckpoint reloads every shard this rank owns for this table from
// iteration, applying entries via Update so a restore onto an
// already-initialized table still merges rather than silently overwrites.
func (a *tableAdapter[K, V]) RestoreCheckpoint(store *checkpoint.Store, iteration int) error {
	for _, shard := range a.g.OwnedShards() {
		_, payload, err := store.ReadShard(a.g.TableID(), shard, iteration)
		if err != nil {
			return fmt.Errorf("worker: checkpoint read shard %d: %w", shard, err)
		}
		if err := a.g.RestoreShard(bytes.NewReader(payload), shard); err != nil {
			return fmt.Errorf("worker: checkpoint restore shard %d: %w", shard, err)
		}
	}
	return nil
}
