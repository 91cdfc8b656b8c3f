// etcd is a distributed key-value store that provides strong consistency
// (Raft protocol). It is used here as a "distributed phonebook" for nodes:
//
//	Key:   /neomux/{poolName}/{Addr}
//	Value: JSON-encoded Node
//
// Registration uses TTL-based leases: if the server crashes, the lease
// expires and the entry is automatically removed, preventing "ghost" nodes
// from lingering in a client's ConnSet.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // etcd client connection (thread-safe, shared across goroutines)
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register adds a node to etcd with a TTL lease.
//
// Flow:
//  1. Create a lease with the given TTL (e.g., 10 seconds)
//  2. Put the key-value pair with the lease attached
//  3. Start KeepAlive to automatically renew the lease
//
// leaseID is a local variable, not stored on the struct, so that multiple
// servers can safely share one EtcdRegistry instance.
func (r *EtcdRegistry) Register(poolName string, node Node, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(node)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, "/neomux/"+poolName+"/"+node.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up and blocks etcd's renewal.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a node from etcd.
// Called during graceful shutdown before closing the listener.
func (r *EtcdRegistry) Deregister(poolName string, addr string) error {
	ctx := context.TODO()
	_, err := r.client.Delete(ctx, "/neomux/"+poolName+"/"+addr)
	return err
}

// Watch monitors a pool prefix in etcd and emits the updated node list
// whenever anything under it changes (new registrations, deregistrations,
// lease expirations).
func (r *EtcdRegistry) Watch(poolName string) <-chan []Node {
	ctx := context.TODO()
	ch := make(chan []Node, 1)
	prefix := "/neomux/" + poolName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list on any change rather than reconstructing
			// state from individual watch events.
			nodes, _ := r.Discover(poolName)
			ch <- nodes
		}
	}()

	return ch
}

// Discover returns all currently registered nodes in a pool by querying
// etcd with a key prefix.
func (r *EtcdRegistry) Discover(poolName string) ([]Node, error) {
	ctx := context.TODO()
	prefix := "/neomux/" + poolName + "/"

	resp, err := r.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	nodes := make([]Node, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var node Node
		if err := json.Unmarshal(kv.Value, &node); err != nil {
			continue // Skip malformed entries.
		}
		nodes = append(nodes, node)
	}

	return nodes, nil
}
