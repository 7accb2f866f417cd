package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/shardvault/shardvault/internal/nodes"
)

// DefaultProbeTimeout bounds a single discovery stat call.
const DefaultProbeTimeout = 3 * time.Second

// Options configures a ReplicaSet.
type Options struct {
	Bucket       string
	Primary      int           // Index of the node that receives writes first
	ProbeTimeout time.Duration // Per-node discovery timeout (default: 3s)
	Logger       zerolog.Logger
	Metrics      *ReplicaMetrics // Optional
}

// ReplicaSet runs object operations across every node of a ClientSet.
// It holds no mutable state and is safe for concurrent use.
type ReplicaSet struct {
	clients      *ClientSet
	bucket       string
	primary      int
	probeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *ReplicaMetrics
}

// NewReplicaSet creates a replica set over clients.
func NewReplicaSet(clients *ClientSet, opts Options) (*ReplicaSet, error) {
	if clients == nil || clients.Len() == 0 {
		return nil, ErrNoNodes
	}
	if opts.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket is required", ErrInvalidRequest)
	}
	if opts.Primary < 0 || opts.Primary >= clients.Len() {
		return nil, fmt.Errorf("%w: primary index %d out of range for %d nodes", ErrInvalidRequest, opts.Primary, clients.Len())
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}

	return &ReplicaSet{
		clients:      clients,
		bucket:       opts.Bucket,
		primary:      opts.Primary,
		probeTimeout: opts.ProbeTimeout,
		logger:       opts.Logger.With().Str("component", "replicas").Logger(),
		metrics:      opts.Metrics,
	}, nil
}

// Len returns the number of nodes.
func (r *ReplicaSet) Len() int {
	return r.clients.Len()
}

// Nodes returns the node list in index order.
func (r *ReplicaSet) Nodes() []nodes.Node {
	return r.clients.Nodes()
}

// Bucket returns the bucket shared by every node.
func (r *ReplicaSet) Bucket() string {
	return r.bucket
}

func (r *ReplicaSet) nodeFailure(index int, op, key string, err error) *NodeError {
	nodeErr := newNodeError(index, r.clients.Node(index), op, err)
	r.metrics.recordNodeFailure(nodeErr)
	r.logger.Debug().
		Int("node", index).
		Str("endpoint", nodeErr.Node.Address()).
		Str("op", op).
		Str("key", key).
		Str("kind", nodeErr.Kind.String()).
		Err(err).
		Msg("Node operation failed")
	return nodeErr
}

// ReadObject opens key on the first node, in index order, that serves it.
// No node after the serving one is contacted. When every node fails the
// error matches ErrNotFoundAnywhere and wraps the last node's error.
func (r *ReplicaSet) ReadObject(ctx context.Context, key string) (io.ReadCloser, int, error) {
	if key == "" {
		return nil, -1, fmt.Errorf("%w: empty object key", ErrInvalidRequest)
	}

	var lastErr error
	for i := 0; i < r.clients.Len(); i++ {
		rc, err := r.clients.Client(i).GetObject(ctx, r.bucket, key)
		if err != nil {
			lastErr = r.nodeFailure(i, "get", key, err)
			continue
		}
		r.metrics.recordOperation("read", true)
		r.metrics.recordRead(i)
		return rc, i, nil
	}

	err := fmt.Errorf("%w: %s: %w", ErrNotFoundAnywhere, key, lastErr)
	r.metrics.recordOperation("read", false)
	return nil, -1, err
}

// ReadObjectBytes reads key fully into memory using the failover read path.
func (r *ReplicaSet) ReadObjectBytes(ctx context.Context, key string) ([]byte, int, error) {
	rc, index, err := r.ReadObject(ctx, key)
	if err != nil {
		return nil, -1, err
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, index, r.nodeFailure(index, "read", key, err)
	}
	return data, index, nil
}

// WriteObject stores data under key and returns the index of the node that
// accepted it. The primary is tried first. Only a connection-class failure
// on the primary moves on to the remaining nodes, in index order, stopping at
// the first success. Other replicas are filled in later by healing.
func (r *ReplicaSet) WriteObject(ctx context.Context, key string, data []byte, contentType string) (int, error) {
	if key == "" {
		return -1, fmt.Errorf("%w: empty object key", ErrInvalidRequest)
	}

	err := r.WriteTo(ctx, r.primary, key, data, contentType)
	if err == nil {
		r.metrics.recordOperation("write", true)
		r.metrics.recordWrite(len(data))
		return r.primary, nil
	}
	if Classify(err) != KindConnection {
		r.metrics.recordOperation("write", false)
		return -1, err
	}

	r.metrics.recordFallback()
	r.logger.Warn().
		Int("primary", r.primary).
		Str("key", key).
		Err(err).
		Msg("Primary unreachable, falling back to other nodes")

	lastErr := err
	for i := 0; i < r.clients.Len(); i++ {
		if i == r.primary {
			continue
		}
		if err := r.WriteTo(ctx, i, key, data, contentType); err != nil {
			lastErr = err
			continue
		}
		r.logger.Info().Int("node", i).Str("key", key).Msg("Write accepted by fallback node")
		r.metrics.recordOperation("write", true)
		r.metrics.recordWrite(len(data))
		return i, nil
	}

	err = fmt.Errorf("%w: %s: %w", ErrWriteFailedEverywhere, key, lastErr)
	r.metrics.recordOperation("write", false)
	return -1, err
}

// WriteTo writes data to a single node.
func (r *ReplicaSet) WriteTo(ctx context.Context, index int, key string, data []byte, contentType string) error {
	if err := r.checkIndex(index); err != nil {
		return err
	}
	if err := r.clients.Client(index).PutObject(ctx, r.bucket, key, data, contentType); err != nil {
		return r.nodeFailure(index, "put", key, err)
	}
	return nil
}

// ReadFrom reads key fully from a single node.
func (r *ReplicaSet) ReadFrom(ctx context.Context, index int, key string) ([]byte, error) {
	if err := r.checkIndex(index); err != nil {
		return nil, err
	}
	rc, err := r.clients.Client(index).GetObject(ctx, r.bucket, key)
	if err != nil {
		return nil, r.nodeFailure(index, "get", key, err)
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, r.nodeFailure(index, "read", key, err)
	}
	return data, nil
}

func (r *ReplicaSet) checkIndex(index int) error {
	if index < 0 || index >= r.clients.Len() {
		return fmt.Errorf("%w: node index %d out of range", ErrInvalidRequest, index)
	}
	return nil
}

// DeleteEverywhere removes key from every node and returns one status per
// node. Every node is attempted regardless of earlier failures. A node that
// reports the object absent counts as a success.
func (r *ReplicaSet) DeleteEverywhere(ctx context.Context, key string) ([]ReplicaStatus, error) {
	if r.clients.Len() == 0 {
		return nil, ErrNoNodes
	}
	if key == "" {
		return nil, fmt.Errorf("%w: empty object key", ErrInvalidRequest)
	}

	statuses := make([]ReplicaStatus, r.clients.Len())
	for i := 0; i < r.clients.Len(); i++ {
		var nodeErr error
		if err := r.clients.Client(i).RemoveObject(ctx, r.bucket, key); err != nil && !IsNotFound(err) {
			nodeErr = r.nodeFailure(i, "delete", key, err)
		}
		statuses[i] = newStatus(i, r.clients.Node(i), nodeErr)
	}

	ok := CountSucceeded(statuses)
	if ok < len(statuses) {
		r.logger.Warn().
			Str("key", key).
			Int("succeeded", ok).
			Int("nodes", len(statuses)).
			Msg("Delete did not reach every node")
		r.metrics.recordOperation("delete", false)
	} else {
		r.metrics.recordOperation("delete", true)
	}
	return statuses, nil
}

// EnsureBucket creates the bucket on every node that lacks it and returns one
// status per node. Unreachable nodes are reported, not fatal.
func (r *ReplicaSet) EnsureBucket(ctx context.Context) []ReplicaStatus {
	statuses := make([]ReplicaStatus, r.clients.Len())
	for i := 0; i < r.clients.Len(); i++ {
		statuses[i] = newStatus(i, r.clients.Node(i), r.ensureBucketOn(ctx, i))
	}
	return statuses
}

func (r *ReplicaSet) ensureBucketOn(ctx context.Context, index int) error {
	client := r.clients.Client(index)
	exists, err := client.BucketExists(ctx, r.bucket)
	if err != nil {
		return r.nodeFailure(index, "bucket_exists", "", err)
	}
	if exists {
		return nil
	}
	if err := client.MakeBucket(ctx, r.bucket); err != nil {
		return r.nodeFailure(index, "make_bucket", "", err)
	}
	r.logger.Info().Int("node", index).Str("bucket", r.bucket).Msg("Created bucket")
	return nil
}
