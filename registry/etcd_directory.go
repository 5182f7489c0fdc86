package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	defaultKeyPrefix = "/postling/"
	defaultTTL       = 10 // seconds
)

// EtcdDirectory implements Directory using etcd v3.
//
// etcd is a distributed key-value store that provides strong consistency (Raft
// protocol). It is used as a shared phonebook of exposed methods:
//
//	Key:   /postling/{endpoint}
//	Value: JSON-encoded list of method names
//
// Entries are attached to a TTL lease: if the process dies, the lease expires
// and the entry disappears with it.
type EtcdDirectory struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	prefix string
	ttl    int64

	// Lease keep-alives outlive the Publish call that started them.
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID
}

type EtcdOption func(*EtcdDirectory)

// WithKeyPrefix changes the key namespace, "/postling/" by default.
func WithKeyPrefix(prefix string) EtcdOption {
	return func(d *EtcdDirectory) { d.prefix = prefix }
}

// WithTTL sets the lease TTL in seconds.
func WithTTL(seconds int64) EtcdOption {
	return func(d *EtcdDirectory) { d.ttl = seconds }
}

// NewEtcdDirectory connects to the given etcd endpoints.
func NewEtcdDirectory(endpoints []string, dialTimeout time.Duration, opts ...EtcdOption) (*EtcdDirectory, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	d := &EtcdDirectory{
		client: c,
		prefix: defaultKeyPrefix,
		ttl:    defaultTTL,
		leases: make(map[string]clientv3.LeaseID),
	}
	for _, o := range opts {
		o(d)
	}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

func (d *EtcdDirectory) key(endpoint string) string {
	return d.prefix + endpoint
}

// Publish stores names under the endpoint key. The first publish for an
// endpoint grants a lease and starts renewing it in the background.
func (d *EtcdDirectory) Publish(ctx context.Context, endpoint string, names []string) error {
	lease, err := d.lease(ctx, endpoint)
	if err != nil {
		return err
	}

	val, err := json.Marshal(names)
	if err != nil {
		return err
	}

	_, err = d.client.Put(ctx, d.key(endpoint), string(val), clientv3.WithLease(lease))
	return err
}

func (d *EtcdDirectory) lease(ctx context.Context, endpoint string) (clientv3.LeaseID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.leases[endpoint]; ok {
		return id, nil
	}

	lease, err := d.client.Grant(ctx, d.ttl)
	if err != nil {
		return 0, err
	}
	ch, err := d.client.KeepAlive(d.ctx, lease.ID)
	if err != nil {
		return 0, err
	}
	// Drain responses; the channel closes once the lease is lost or revoked.
	go func() {
		for range ch {
		}
		d.dropLease(endpoint, lease.ID)
	}()
	d.leases[endpoint] = lease.ID
	return lease.ID, nil
}

// dropLease forgets a lease that is no longer kept alive, so the next Publish
// grants a fresh one. A newer lease for the same endpoint is left alone.
func (d *EtcdDirectory) dropLease(endpoint string, id clientv3.LeaseID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.leases[endpoint]; ok && cur == id {
		delete(d.leases, endpoint)
	}
}

// Withdraw deletes the endpoint entry and revokes its lease.
func (d *EtcdDirectory) Withdraw(ctx context.Context, endpoint string) error {
	if _, err := d.client.Delete(ctx, d.key(endpoint)); err != nil {
		return err
	}

	d.mu.Lock()
	id, ok := d.leases[endpoint]
	delete(d.leases, endpoint)
	d.mu.Unlock()

	if ok {
		if _, err := d.client.Revoke(ctx, id); err != nil {
			return fmt.Errorf("registry: revoke lease: %w", err)
		}
	}
	return nil
}

// Lookup returns the names currently published for endpoint.
func (d *EtcdDirectory) Lookup(ctx context.Context, endpoint string) ([]string, error) {
	resp, err := d.client.Get(ctx, d.key(endpoint))
	if err != nil {
		return nil, err
	}
	if len(resp.Kvs) == 0 {
		return nil, ErrNotPublished
	}
	var names []string
	if err := json.Unmarshal(resp.Kvs[0].Value, &names); err != nil {
		return nil, fmt.Errorf("registry: malformed entry for %s: %w", endpoint, err)
	}
	return names, nil
}

// Watch emits the endpoint's name list whenever its key changes. A deleted or
// expired entry is emitted as nil.
//
// Uses etcd's Watch API (server-push), which is more efficient than polling.
func (d *EtcdDirectory) Watch(ctx context.Context, endpoint string) <-chan []string {
	ch := make(chan []string, 1)

	go func() {
		defer close(ch)
		watchChan := d.client.Watch(ctx, d.key(endpoint))
		for range watchChan {
			// Re-fetch instead of parsing individual events
			names, err := d.Lookup(ctx, endpoint)
			if err != nil && !errors.Is(err, ErrNotPublished) {
				continue
			}
			select {
			case ch <- names:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Close stops lease renewal and closes the etcd client. Entries expire with
// their leases.
func (d *EtcdDirectory) Close() error {
	d.cancel()
	return d.client.Close()
}
