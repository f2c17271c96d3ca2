// etcd v3 implementation of the Registry interface.
//
// Keys follow /nettalk/{peerName}/{addr} with JSON-encoded instance metadata
// as the value. Registration attaches a TTL lease kept alive in the
// background; if the owner dies, the lease expires and the entry vanishes,
// so stale peers never linger.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/nettalk/"

// EtcdRegistry implements Registry over etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register stores the instance under a TTL lease and starts background
// renewal. The lease id stays a local variable — storing it on the struct
// races when several listeners share one registry.
func (r *EtcdRegistry) Register(peerName string, instance PeerInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, keyPrefix+peerName+"/"+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain renewal responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes one instance, typically during graceful shutdown.
func (r *EtcdRegistry) Deregister(peerName string, addr string) error {
	_, err := r.client.Delete(context.TODO(), keyPrefix+peerName+"/"+addr)
	return err
}

// Discover returns all live instances registered under peerName.
func (r *EtcdRegistry) Discover(peerName string) ([]PeerInstance, error) {
	resp, err := r.client.Get(context.TODO(), keyPrefix+peerName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]PeerInstance, 0)
	for _, kv := range resp.Kvs {
		var instance PeerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Watch emits the full instance list whenever anything changes under
// peerName — registrations, deregistrations, or lease expirations.
func (r *EtcdRegistry) Watch(peerName string) <-chan []PeerInstance {
	ctx := context.TODO()
	ch := make(chan []PeerInstance, 1)
	prefix := keyPrefix + peerName + "/"

	go func() {
		watchChan := r.client.Watch(ctx, prefix, clientv3.WithPrefix())
		for range watchChan {
			// Re-fetch the full list on any change rather than patching it
			// from individual events.
			instances, _ := r.Discover(peerName)
			ch <- instances
		}
	}()

	return ch
}
