package local

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"jobtk/pkg/metrics"
)

// WorkerRegistry tracks which local workers are alive via etcd leases.
// The teacher uses etcd only for leader election (pkg/coordination);
// this domain has a single-writer manager and no election to run, so
// the same client is repurposed for worker liveness instead — a lease
// per worker, refreshed by KeepAlive. Live is read by the HTTP API's
// GET /api/v1/workers endpoint.
type WorkerRegistry struct {
	client *clientv3.Client
	prefix string
}

func NewWorkerRegistry(endpoints []string, prefix string) (*WorkerRegistry, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to etcd: %w", err)
	}
	return &WorkerRegistry{client: client, prefix: prefix}, nil
}

func (r *WorkerRegistry) Close() error {
	return r.client.Close()
}

// Register grants a TTL-second lease for workerID and keeps it alive
// until ctx is cancelled, at which point the key expires and the
// worker is considered dead.
func (r *WorkerRegistry) Register(ctx context.Context, workerID string, ttlSeconds int64) error {
	lease, err := r.client.Grant(ctx, ttlSeconds)
	if err != nil {
		return fmt.Errorf("grant lease: %w", err)
	}

	key := r.prefix + workerID
	if _, err := r.client.Put(ctx, key, "alive", clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("register worker %s: %w", workerID, err)
	}

	keepAlive, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return fmt.Errorf("keepalive worker %s: %w", workerID, err)
	}
	go func() {
		for range keepAlive {
			// drain responses; the lease client library requires the
			// channel be consumed or KeepAlive stops renewing.
			metrics.HeartbeatsSent.Inc()
		}
	}()
	return nil
}

// Live returns the ids of workers with an unexpired lease.
func (r *WorkerRegistry) Live(ctx context.Context) ([]string, error) {
	resp, err := r.client.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list live workers: %w", err)
	}
	ids := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ids = append(ids, string(kv.Key)[len(r.prefix):])
	}
	metrics.WorkersLive.Set(float64(len(ids)))
	return ids, nil
}
