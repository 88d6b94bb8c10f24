// Package hashring
package hashring

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
	"strconv"
)

// DefaultVirtualNodes is the number of ring positions each shard contributes.
const DefaultVirtualNodes = 100

// Ring maps keys to shard URLs using consistent hashing with virtual nodes.
// A Ring is not synchronized; owners that share one across goroutines must
// publish immutable snapshots via Clone.
type Ring struct {
	virtualNodes int
	positions    []uint32 // sorted ascending
	owners       map[uint32]string
}

func NewRing(virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		virtualNodes: virtualNodes,
		owners:       make(map[uint32]string),
	}
}

// Hash reduces a key to a 32-bit ring position: the low 32 bits of its
// SHA-256 digest, read big-endian.
func Hash(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[28:])
}

// Add inserts one virtual position per replica for the given shard. Positions
// that collide with an existing entry are skipped rather than overwritten, so
// re-adding the same shard is a no-op.
func (r *Ring) Add(shard string) {
	for i := 0; i < r.virtualNodes; i++ {
		pos := Hash(shard + "-" + strconv.Itoa(i))
		if _, taken := r.owners[pos]; taken {
			continue
		}
		idx := sort.Search(len(r.positions), func(j int) bool { return r.positions[j] >= pos })
		r.positions = append(r.positions, 0)
		copy(r.positions[idx+1:], r.positions[idx:])
		r.positions[idx] = pos
		r.owners[pos] = shard
	}
}

// Remove deletes every position owned by the given shard, leaving positions
// of other shards untouched.
func (r *Ring) Remove(shard string) {
	kept := r.positions[:0]
	for _, pos := range r.positions {
		if r.owners[pos] == shard {
			delete(r.owners, pos)
			continue
		}
		kept = append(kept, pos)
	}
	r.positions = kept
}

// Lookup returns the shard owning the given key. ok is false only when the
// ring is empty.
func (r *Ring) Lookup(key string) (shard string, ok bool) {
	return r.LookupPosition(Hash(key))
}

// LookupPosition returns the shard owning the first position >= pos, wrapping
// to the start of the ring past the highest position.
func (r *Ring) LookupPosition(pos uint32) (shard string, ok bool) {
	if len(r.positions) == 0 {
		return "", false
	}
	idx := sort.Search(len(r.positions), func(j int) bool { return r.positions[j] >= pos })
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]], true
}

// Clone returns a deep copy, used to snapshot the ring before a membership
// change and to publish updated rings copy-on-write.
func (r *Ring) Clone() *Ring {
	clone := &Ring{
		virtualNodes: r.virtualNodes,
		positions:    make([]uint32, len(r.positions)),
		owners:       make(map[uint32]string, len(r.owners)),
	}
	copy(clone.positions, r.positions)
	for pos, shard := range r.owners {
		clone.owners[pos] = shard
	}
	return clone
}

// Len returns the number of virtual positions on the ring.
func (r *Ring) Len() int {
	return len(r.positions)
}

// Shards returns the distinct shards on the ring, sorted.
func (r *Ring) Shards() []string {
	seen := make(map[string]struct{})
	for _, shard := range r.owners {
		seen[shard] = struct{}{}
	}
	shards := make([]string, 0, len(seen))
	for shard := range seen {
		shards = append(shards, shard)
	}
	sort.Strings(shards)
	return shards
}
