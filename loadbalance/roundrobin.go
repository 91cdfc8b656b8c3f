package loadbalance

import (
	"fmt"
	"sync/atomic"
)

// RoundRobinBalancer distributes requests evenly across all nodes in order.
// Uses an atomic counter for lock-free, goroutine-safe operation.
//
// Best for: the RoundRobin dispatch pattern against equal-capacity nodes.
type RoundRobinBalancer struct {
	counter int64 // Atomic counter, incremented on each Pick()
}

// Pick selects the next node in round-robin order.
func (b *RoundRobinBalancer) Pick(nodes []Node) (*Node, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("loadbalance: no nodes available")
	}
	index := atomic.AddInt64(&b.counter, 1) % int64(len(nodes))
	return &nodes[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
