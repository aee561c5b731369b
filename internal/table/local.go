// Package table implements the partitioned table subsystem: a single-shard
// open-addressed hash store (Local) and the global table that multiplexes
// many local shards plus a remote-fetch/remote-update path (Global).
//
// Local is grounded on the original Piccolo SparseTable
// (kernel/sparse-table.h): linear probing, load factor 0.8, doubling growth
// (1 + 2*size), and an update-vs-put split so that outbound buffers and
// owning tables can share the same structure while differing only in which
// merge operation seeds an empty slot.
package table

import (
	"errors"
	"fmt"
	"io"
)

// ErrNotPresent is returned by Get when the key has no entry in the table.
var ErrNotPresent = errors.New("table: key not present")

const loadFactor = 0.8

type bucket[K comparable, V any] struct {
	key   K
	value V
	inUse bool
}

// Local is a single-shard open-addressed hash map with accumulate-on-
// collision semantics. It is not safe for concurrent use without external
// synchronization: Global's per-shard mutex serializes access, for owned
// partitions and outbound buffers alike.
type Local[K comparable, V any] struct {
	hash    func(K) uint64
	accum   func(a, b V) V
	buckets []bucket[K, V]
	size    int
	entries int
}

// NewLocal creates a Local table of the given initial size (clamped to at
// least 1), using hash to place keys and accum to merge values on
// collision. accum must be associative and commutative; see Global for why.
func NewLocal[K comparable, V any](size int, hash func(K) uint64, accum func(a, b V) V) *Local[K, V] {
	if size < 1 {
		size = 1
	}
	return &Local[K, V]{
		buckets: make([]bucket[K, V], size),
		size:    size,
		hash:    hash,
		accum:   accum,
	}
}

// Size reports the current bucket array capacity.
func (l *Local[K, V]) Size() int { return l.size }

// Entries reports the number of in-use buckets.
func (l *Local[K, V]) Entries() int { return l.entries }

func (l *Local[K, V]) bucketIndex(k K) int {
	return int(l.hash(k) % uint64(l.size))
}

// bucketFor returns the index of k's slot, or -1 if k is absent. The probe
// starts at bucketIndex(k) and wraps at most once around the table.
func (l *Local[K, V]) bucketFor(k K) int {
	start := l.bucketIndex(k)
	b := start
	for {
		if !l.buckets[b].inUse {
			return -1
		}
		if l.buckets[b].key == k {
			return b
		}
		b = (b + 1) % l.size
		if b == start {
			return -1
		}
	}
}

// Get returns the value stored for k, or ErrNotPresent if k is absent.
func (l *Local[K, V]) Get(k K) (V, error) {
	var zero V
	b := l.bucketFor(k)
	if b == -1 {
		return zero, ErrNotPresent
	}
	return l.buckets[b].value, nil
}

// Contains reports whether k has an entry.
func (l *Local[K, V]) Contains(k K) bool {
	return l.bucketFor(k) != -1
}

// Put inserts or overwrites k's value. The load-factor check fires before
// probing for a brand new key: it must run before the probe, not after, or
// a fully-occupied single-slot table would never trigger the resize that
// makes room for it.
func (l *Local[K, V]) Put(k K, v V) {
	if !l.Contains(k) && l.entries+1 > int(loadFactor*float64(l.size)) {
		l.Resize(1 + 2*l.size)
	}

	start := l.bucketIndex(k)
	b := start
	for {
		if !l.buckets[b].inUse {
			l.buckets[b] = bucket[K, V]{key: k, value: v, inUse: true}
			l.entries++
			return
		}
		if l.buckets[b].key == k {
			l.buckets[b].value = v
			return
		}
		b = (b + 1) % l.size
		if b == start {
			// Table is full and k isn't present; the load-factor check
			// above should have prevented this for any size > 1.
			panic("table: Local full, cannot insert")
		}
	}
}

// Update merges v into the existing entry for k via the accumulator,
// seeding an empty slot with v on first touch (so a buffer's first write
// of a key stores v, and a second write combines via accum — correct
// because accum is required commutative+associative with identity under
// first touch).
func (l *Local[K, V]) Update(k K, v V) {
	b := l.bucketFor(k)
	if b == -1 {
		l.Put(k, v)
		return
	}
	l.buckets[b].value = l.accum(l.buckets[b].value, v)
}

// Clear marks every bucket not-in-use and resets the entry count. Bucket
// storage is not deallocated.
func (l *Local[K, V]) Clear() {
	for i := range l.buckets {
		l.buckets[i] = bucket[K, V]{}
	}
	l.entries = 0
}

// Resize rehashes into a fresh bucket array of size n, reinserting every
// in-use entry via Put. Preserves the multiset of (k, v) pairs.
func (l *Local[K, V]) Resize(n int) {
	if n < 1 {
		n = 1
	}
	old := l.buckets
	l.buckets = make([]bucket[K, V], n)
	l.size = n
	l.entries = 0
	for _, b := range old {
		if b.inUse {
			l.Put(b.key, b.value)
		}
	}
}

// All returns a single-pass iterator over (key, value) pairs in arbitrary
// order. Not restartable; invalidated by any mutation during iteration.
func (l *Local[K, V]) All(yield func(K, V) bool) {
	for _, b := range l.buckets {
		if b.inUse {
			if !yield(b.key, b.value) {
				return
			}
		}
	}
}

// EntryCodec is the marshal pair a Local needs for Serialize/ApplyEncoded.
// Kept as a small struct rather than importing the marshal package directly
// so table has no dependency on it; callers (GlobalTable, checkpoint) supply
// the codec for the concrete K, V in use.
type EntryCodec[K comparable, V any] struct {
	EncodeKey   func(K) ([]byte, error)
	DecodeKey   func([]byte) (K, error)
	EncodeValue func(V) ([]byte, error)
	DecodeValue func([]byte) (V, error)
}

func writeFramed(w io.Writer, b []byte) error {
	var lenBuf [4]byte
	n := uint32(len(b))
	lenBuf[0] = byte(n >> 24)
	lenBuf[1] = byte(n >> 16)
	lenBuf[2] = byte(n >> 8)
	lenBuf[3] = byte(n)
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := uint32(lenBuf[0])<<24 | uint32(lenBuf[1])<<16 | uint32(lenBuf[2])<<8 | uint32(lenBuf[3])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Serialize writes every in-use entry as a length-prefixed (encoded_key,
// encoded_value) pair to w.
func (l *Local[K, V]) Serialize(w io.Writer, codec EntryCodec[K, V]) error {
	var outerErr error
	l.All(func(k K, v V) bool {
		ek, err := codec.EncodeKey(k)
		if err != nil {
			outerErr = fmt.Errorf("table: serialize key: %w", err)
			return false
		}
		ev, err := codec.EncodeValue(v)
		if err != nil {
			outerErr = fmt.Errorf("table: serialize value: %w", err)
			return false
		}
		if err := writeFramed(w, ek); err != nil {
			outerErr = err
			return false
		}
		if err := writeFramed(w, ev); err != nil {
			outerErr = err
			return false
		}
		return true
	})
	return outerErr
}

// ApplyEncoded reads (encoded_key, encoded_value) pairs from r until EOF,
// decoding and calling Update for each — never Put — so merges on the
// owner respect the accumulator.
func (l *Local[K, V]) ApplyEncoded(r io.Reader, codec EntryCodec[K, V]) error {
	for {
		ek, err := readFramed(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("table: read key: %w", err)
		}
		ev, err := readFramed(r)
		if err != nil {
			return fmt.Errorf("table: read value: %w", err)
		}
		k, err := codec.DecodeKey(ek)
		if err != nil {
			return fmt.Errorf("table: decode key: %w", err)
		}
		v, err := codec.DecodeValue(ev)
		if err != nil {
			return fmt.Errorf("table: decode value: %w", err)
		}
		l.Update(k, v)
	}
}

// NewEntryCodec constructs the codec Serialize/ApplyEncoded need from a pair
// of marshal-shaped encode/decode function sets.
func NewEntryCodec[K comparable, V any](
	encodeKey func(K) ([]byte, error), decodeKey func([]byte) (K, error),
	encodeValue func(V) ([]byte, error), decodeValue func([]byte) (V, error),
) EntryCodec[K, V] {
	return EntryCodec[K, V]{
		EncodeKey:   encodeKey,
		DecodeKey:   decodeKey,
		EncodeValue: encodeValue,
		DecodeValue: decodeValue,
	}
}
