package registry

import "cmp"

// Sum, Min, Max and Replace are the built-in accumulators every Descriptor
// can use for Accumulate, mirroring Piccolo's Accumulator<V>::{sum,min,max,
// replace} (kernel/table.h). Sum, Min and Max are commutative and
// associative, which is what lets Update seed an empty slot with the first
// write and merge later writes regardless of arrival order. Replace is
// associative but not commutative: its result is whichever write arrives
// last.

// Sum adds a and b. V must be a numeric type.
func Sum[V int | int32 | int64 | uint | uint32 | uint64 | float32 | float64](a, b V) V {
	return a + b
}

// Min returns the smaller of a and b.
func Min[V cmp.Ordered](a, b V) V {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max[V cmp.Ordered](a, b V) V {
	if a > b {
		return a
	}
	return b
}

// Replace discards a and keeps b: the "last write wins" accumulator for
// tables where concurrent writers are known not to race on the same key.
func Replace[V any](_, b V) V {
	return b
}
