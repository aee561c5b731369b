package registry

import (
	"testing"

	"github.com/dreamware/bsptable/internal/bus"
	"github.com/dreamware/bsptable/internal/marshal"
	"github.com/dreamware/bsptable/internal/table"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shardMod(k int64, n int) int { return int(k) % n }

func descriptorFor(tableID int) Descriptor[int64, int64] {
	return Descriptor[int64, int64]{
		TableID:      tableID,
		NumShards:    2,
		KeyMarshal:   marshal.Raw[int64]{},
		ValueMarshal: marshal.Raw[int64]{},
		ShardOf:      shardMod,
		Accumulate:   Sum[int64],
		NewLocal: func(shard int) *table.Local[int64, int64] {
			return table.NewLocal[int64, int64](4, func(k int64) uint64 { return uint64(k) }, Sum[int64])
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	env := NewEnvironment()
	d := descriptorFor(1)
	require.NoError(t, Register(env, d))

	got, ok := Lookup[int64, int64](env, 1)
	require.True(t, ok)
	assert.Equal(t, 2, got.NumShards)
}

func TestRegisterDuplicateTableIDFails(t *testing.T) {
	env := NewEnvironment()
	require.NoError(t, Register(env, descriptorFor(1)))
	err := Register(env, descriptorFor(1))
	assert.Error(t, err)
}

func TestLookupWrongTypeParamsFails(t *testing.T) {
	env := NewEnvironment()
	require.NoError(t, Register(env, descriptorFor(1)))

	_, ok := Lookup[string, int64](env, 1)
	assert.False(t, ok)
}

func TestLookupUnknownTableID(t *testing.T) {
	env := NewEnvironment()
	_, ok := Lookup[int64, int64](env, 99)
	assert.False(t, ok)
}

func TestCreateTableRegistersAndReturnsGlobal(t *testing.T) {
	env := NewEnvironment()
	net := bus.NewNetwork()
	c0 := net.NewServer(0)

	g, err := CreateTable(env, descriptorFor(1), []bool{true, false}, func(shard int) int { return shard }, c0)
	require.NoError(t, err)
	require.NotNil(t, g)

	_, ok := Lookup[int64, int64](env, 1)
	assert.True(t, ok)

	g.Update(0, 10)
	v, err := g.GetLocal(0)
	require.NoError(t, err)
	assert.EqualValues(t, 10, v)

	fromEnv, ok := GetTable[int64, int64](env, 1)
	require.True(t, ok)
	assert.Same(t, g, fromEnv)
}

func TestAccumulators(t *testing.T) {
	assert.Equal(t, int64(7), Sum[int64](3, 4))
	assert.Equal(t, 3, Min(3, 5))
	assert.Equal(t, 5, Max(3, 5))
	assert.Equal(t, "b", Replace("a", "b"))
}
