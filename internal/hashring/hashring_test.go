package hashring

import (
	"crypto/sha256"
	"fmt"
	"math"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashMatchesSHA256Low32Bits(t *testing.T) {
	for _, key := range []string{"page-42", "redis://redis1:6379-0", "a", ""} {
		sum := sha256.Sum256([]byte(key))
		want := new(big.Int).Mod(new(big.Int).SetBytes(sum[:]), big.NewInt(1<<32)).Uint64()
		assert.Equal(t, uint32(want), Hash(key), "key %q", key)
	}
}

func TestLookupEmptyRing(t *testing.T) {
	r := NewRing(DefaultVirtualNodes)
	_, ok := r.Lookup("page-1")
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}

func TestLookupDeterministicAcrossInstances(t *testing.T) {
	a := NewRing(DefaultVirtualNodes)
	b := NewRing(DefaultVirtualNodes)
	for _, shard := range []string{"redis://x:6379", "redis://y:6379", "redis://z:6379"} {
		a.Add(shard)
		b.Add(shard)
	}

	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("page-%d", i)
		shardA, okA := a.Lookup(key)
		shardB, okB := b.Lookup(key)
		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, shardA, shardB, "key %q", key)
	}

	// stable across repeated calls on the same instance
	first, _ := a.Lookup("page-42")
	for i := 0; i < 10; i++ {
		again, _ := a.Lookup("page-42")
		assert.Equal(t, first, again)
	}
}

func TestAddIsIdempotent(t *testing.T) {
	r := NewRing(DefaultVirtualNodes)
	r.Add("redis://x:6379")
	positions := r.Len()
	r.Add("redis://x:6379")
	assert.Equal(t, positions, r.Len())
	assert.Equal(t, []string{"redis://x:6379"}, r.Shards())
}

func TestRemoveDeletesOnlyOwnPositions(t *testing.T) {
	both := NewRing(DefaultVirtualNodes)
	both.Add("redis://x:6379")
	both.Add("redis://y:6379")

	only := NewRing(DefaultVirtualNodes)
	only.Add("redis://x:6379")

	both.Remove("redis://y:6379")

	assert.Equal(t, only.Len(), both.Len())
	assert.Equal(t, []string{"redis://x:6379"}, both.Shards())
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("page-%d", i)
		want, _ := only.Lookup(key)
		got, ok := both.Lookup(key)
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	both.Remove("redis://x:6379")
	_, ok := both.Lookup("page-1")
	assert.False(t, ok)
}

func TestLookupWrapsPastHighestPosition(t *testing.T) {
	r := NewRing(DefaultVirtualNodes)
	r.Add("redis://x:6379")
	r.Add("redis://y:6379")

	highest := r.positions[len(r.positions)-1]
	if highest == math.MaxUint32 {
		t.Skip("highest position leaves no room past it")
	}
	wrapped, ok := r.LookupPosition(highest + 1)
	require.True(t, ok)
	first, ok := r.LookupPosition(0)
	require.True(t, ok)
	assert.Equal(t, r.owners[r.positions[0]], first)
	assert.Equal(t, first, wrapped)
}

func TestCloneIsIndependent(t *testing.T) {
	r := NewRing(DefaultVirtualNodes)
	r.Add("redis://x:6379")

	snapshot := r.Clone()
	r.Add("redis://y:6379")
	r.Remove("redis://x:6379")

	assert.Equal(t, []string{"redis://x:6379"}, snapshot.Shards())
	shard, ok := snapshot.Lookup("page-1")
	require.True(t, ok)
	assert.Equal(t, "redis://x:6379", shard)
}

func TestKeysSpreadAcrossShards(t *testing.T) {
	r := NewRing(DefaultVirtualNodes)
	r.Add("redis://x:6379")
	r.Add("redis://y:6379")

	perShard := make(map[string]int)
	for i := 0; i < 1000; i++ {
		shard, ok := r.Lookup(fmt.Sprintf("page-%d", i))
		require.True(t, ok)
		perShard[shard]++
	}
	assert.Len(t, perShard, 2)
	for shard, n := range perShard {
		assert.Greater(t, n, 100, "shard %s starved", shard)
	}
}
