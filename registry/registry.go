// Package registry is the optional dynamic node-discovery backend for the
// client request set's (C7/C10) ConnSet: instead of the operator listing
// every node's address up front in the nodes file, a server registers
// itself in etcd on startup and ConnSet watches the pool for changes.
package registry

// Node represents a single running server advertised under a pool name.
type Node struct {
	Addr    string // Network address, e.g., "127.0.0.1:8080"
	Weight  int    // Weight for load balancing (higher = more traffic)
	Version string // Protocol/build version, for canary rollouts
}

// Registry is the interface for node registration and discovery.
// EtcdRegistry is the implementation in this package.
type Registry interface {
	// Register adds a node to the registry with a TTL lease. The entry is
	// automatically removed if KeepAlive stops (e.g. the server crashes).
	Register(poolName string, node Node, ttl int64) error

	// Deregister removes a node from the registry.
	// Called during graceful shutdown BEFORE closing the listener.
	Deregister(poolName string, addr string) error

	// Discover returns all currently registered nodes in a pool.
	// ConnSet calls this to seed its initial connection set.
	Discover(poolName string) ([]Node, error)

	// Watch returns a channel that emits the updated node list whenever
	// the pool's membership changes (new nodes, removals, lease expiry).
	// This enables real-time discovery without polling.
	Watch(poolName string) <-chan []Node
}
