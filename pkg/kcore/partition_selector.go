package kcore

import (
	"hash/fnv"
	"sort"
	"sync/atomic"
)

// PartitionSelector picks a destination partition for a record that
// carries no explicit partition assignment. Implemented on the standard
// library's hash/fnv since no pack dependency offers a hashing
// primitive suited to this, and FNV-1a is the conventional choice for
// this exact key-to-partition problem.
type PartitionSelector interface {
	Select(topic string, key []byte, partitions []PartitionMetadata) int32
}

// keyHashSelector routes by FNV-1a(key) mod len(partitions) when key is
// non-empty, and round-robins otherwise. Partitions are sorted by ID
// first so the selection is deterministic regardless of the order the
// router's cache happens to store them in.
type keyHashSelector struct {
	rr uint64
}

// NewPartitionSelector returns the default PartitionSelector.
func NewPartitionSelector() PartitionSelector {
	return &keyHashSelector{}
}

func (s *keyHashSelector) Select(topic string, key []byte, partitions []PartitionMetadata) int32 {
	if len(partitions) == 0 {
		return -1
	}
	ordered := make([]PartitionMetadata, len(partitions))
	copy(ordered, partitions)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Partition < ordered[j].Partition })

	if len(key) == 0 {
		n := atomic.AddUint64(&s.rr, 1)
		return ordered[int(n)%len(ordered)].Partition
	}

	h := fnv.New32a()
	h.Write(key)
	return ordered[int(h.Sum32())%len(ordered)].Partition
}
