package storage

import (
	"context"
	"time"

	"github.com/shardvault/shardvault/internal/nodes"
	"golang.org/x/sync/errgroup"
)

// ProbeResult is the outcome of one discovery stat against one node.
type ProbeResult struct {
	NodeIndex int
	Node      nodes.Node
	Present   bool
	Info      ObjectInfo // Set when Present
	Kind      Kind       // Failure kind when not Present
	Err       error      // Failure when not Present
}

// Absent reports whether the node answered and does not hold the object.
// A node that timed out or errored is neither present nor absent.
func (p ProbeResult) Absent() bool {
	return !p.Present && p.Kind == KindNotFound
}

// Locate returns the nodes currently holding key, in index order. A probe
// that fails or exceeds the probe timeout counts as "not present".
func (r *ReplicaSet) Locate(ctx context.Context, key string) ([]nodes.Node, error) {
	results, err := r.LocateDetailed(ctx, key)
	if err != nil {
		return nil, err
	}
	return PresentNodes(results), nil
}

// LocateDetailed probes every node exactly once, concurrently, each probe
// bounded by the probe timeout, and returns one result per node in index order.
func (r *ReplicaSet) LocateDetailed(ctx context.Context, key string) ([]ProbeResult, error) {
	if r.clients.Len() == 0 {
		return nil, ErrNoNodes
	}

	results := make([]ProbeResult, r.clients.Len())
	var g errgroup.Group
	for i := 0; i < r.clients.Len(); i++ {
		g.Go(func() error {
			results[i] = r.probe(ctx, i, key)
			return nil
		})
	}
	_ = g.Wait()

	return results, nil
}

// callWithTimeout runs fn in its own goroutine so a client that ignores
// context cancellation still cannot hold the caller past d.
func callWithTimeout(ctx context.Context, d time.Duration, fn func(ctx context.Context) error) error {
	tctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- fn(tctx) }()

	select {
	case err := <-done:
		return err
	case <-tctx.Done():
		return tctx.Err()
	}
}

func (r *ReplicaSet) probe(ctx context.Context, index int, key string) ProbeResult {
	node := r.clients.Node(index)
	client := r.clients.Client(index)

	start := time.Now()
	var info ObjectInfo
	err := callWithTimeout(ctx, r.probeTimeout, func(ctx context.Context) error {
		i, err := client.StatObject(ctx, r.bucket, key)
		if err == nil {
			info = i
		}
		return err
	})
	r.metrics.recordProbe(index, time.Since(start))

	if err == nil {
		return ProbeResult{NodeIndex: index, Node: node, Present: true, Info: info}
	}

	nodeErr := r.nodeFailure(index, "stat", key, err)
	return ProbeResult{NodeIndex: index, Node: node, Kind: nodeErr.Kind, Err: nodeErr}
}

// CheckNodes asks every node, concurrently, whether the bucket exists. Each
// check is bounded by the probe timeout. A node succeeds only if it answers
// and holds the bucket.
func (r *ReplicaSet) CheckNodes(ctx context.Context) []ReplicaStatus {
	statuses := make([]ReplicaStatus, r.clients.Len())
	var g errgroup.Group
	for i := 0; i < r.clients.Len(); i++ {
		g.Go(func() error {
			client := r.clients.Client(i)
			err := callWithTimeout(ctx, r.probeTimeout, func(ctx context.Context) error {
				exists, err := client.BucketExists(ctx, r.bucket)
				if err == nil && !exists {
					return ErrBucketNotFound
				}
				return err
			})
			if err != nil {
				err = r.nodeFailure(i, "check", "", err)
			}
			statuses[i] = newStatus(i, r.clients.Node(i), err)
			return nil
		})
	}
	_ = g.Wait()
	return statuses
}

// PresentNodes returns the nodes of the results that hold the object.
func PresentNodes(results []ProbeResult) []nodes.Node {
	out := make([]nodes.Node, 0, len(results))
	for _, res := range results {
		if res.Present {
			out = append(out, res.Node)
		}
	}
	return out
}

// ProbeStatuses converts probe results into replica statuses, one per node,
// suitable for a metadata snapshot.
func ProbeStatuses(results []ProbeResult) []ReplicaStatus {
	out := make([]ReplicaStatus, len(results))
	for i, res := range results {
		out[i] = newStatus(res.NodeIndex, res.Node, res.Err)
		out[i].Success = res.Present
	}
	return out
}
