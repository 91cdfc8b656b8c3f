package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
)

// ConsistentHashBalancer maps keys to nodes using a hash ring. The same key
// always maps to the same node (until the ring changes), giving per-key
// affinity to one node instead of scattering across all of them. No reqset
// dispatch pattern uses it.
//
// Virtual nodes: each real node is mapped to N virtual nodes on the ring,
// so a handful of real nodes still distribute statistically uniformly.
type ConsistentHashBalancer struct {
	replicas int              // Virtual nodes per real node
	ring     []uint32         // Sorted hash values on the ring
	nodes    map[uint32]*Node // Hash value -> node mapping
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per node.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		ring:     []uint32{},
		nodes:    make(map[uint32]*Node),
	}
}

// Add places a node onto the hash ring with N virtual nodes.
func (b *ConsistentHashBalancer) Add(node *Node) {
	for i := 0; i < b.replicas; i++ {
		key := fmt.Sprintf("%s#%d", node.Addr, i)
		hash := crc32.ChecksumIEEE([]byte(key))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = node
	}
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// Pick finds the node responsible for the given key: hash it, then
// binary-search for the first ring position >= that hash, wrapping to the
// first node if the hash is larger than all of them.
//
// Pick takes a string key rather than a node list because consistent
// hashing is key-based; it does not implement Balancer directly.
func (b *ConsistentHashBalancer) Pick(key string) (*Node, error) {
	if len(b.ring) == 0 {
		return nil, fmt.Errorf("loadbalance: hash ring is empty")
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	return b.nodes[b.ring[idx]], nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
