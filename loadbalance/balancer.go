// Package loadbalance picks one node out of a set for the client request
// set (C7) to dispatch a RoundRobin request to (a SingleNode request's
// target is chosen by the caller).
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity nodes, cycles through in order
//   - WeightedRandom:  heterogeneous nodes (different CPU/memory)
//   - ConsistentHash:  stateful requests wanting affinity to one node
package loadbalance

// Node is the address/weight pair a Balancer chooses between. reqset's
// ConnSet builds one of these per live conn.Connection it holds.
type Node struct {
	Addr   string // Network address, e.g. "127.0.0.1:8080"
	Weight int    // Weight for load balancing (higher = more traffic)
}

// Balancer is the interface for node-selection strategies. ConnSet calls
// Pick() once per RoundRobin-pattern request.
type Balancer interface {
	// Pick selects one node from the available list.
	// Called on every dispatch — must be goroutine-safe.
	Pick(nodes []Node) (*Node, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}
