// Package storage is the replica access layer: it spreads object bytes over
// several independent object-storage nodes and reads them back.
//
// Every node holds a full copy of an object under the same key. Writes land on
// one node synchronously and reach the others through the healing loop; reads
// fail over in node order; deletes and discovery always visit every node and
// report per node.
package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/shardvault/shardvault/internal/nodes"
)

// ObjectInfo is what a stat call reports about an object on one node.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

// ObjectStore is one storage node.
type ObjectStore interface {
	// PutObject stores data under key, replacing any previous object.
	PutObject(ctx context.Context, bucket, key string, data []byte, contentType string) error

	// GetObject opens a read stream for key. The caller closes it.
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// StatObject returns object info, or an error classified KindNotFound.
	StatObject(ctx context.Context, bucket, key string) (ObjectInfo, error)

	// RemoveObject deletes key. Deleting an absent key is not an error.
	RemoveObject(ctx context.Context, bucket, key string) error

	// BucketExists reports whether bucket exists on the node.
	BucketExists(ctx context.Context, bucket string) (bool, error)

	// MakeBucket creates bucket on the node.
	MakeBucket(ctx context.Context, bucket string) error
}

// ClientFactory builds the client for the node at index. It must not contact
// the network; connection failures surface on first use.
type ClientFactory func(index int, node nodes.Node) (ObjectStore, error)

// ClientSet holds one client per node, in node order.
// It is read-only after construction and safe for concurrent use.
type ClientSet struct {
	nodes   []nodes.Node
	clients []ObjectStore
}

// NewClientSet builds one client per node using factory.
func NewClientSet(list []nodes.Node, factory ClientFactory) (*ClientSet, error) {
	if len(list) == 0 {
		return nil, ErrNoNodes
	}

	cs := &ClientSet{
		nodes:   make([]nodes.Node, len(list)),
		clients: make([]ObjectStore, len(list)),
	}
	copy(cs.nodes, list)

	for i, n := range list {
		client, err := factory(i, n)
		if err != nil {
			return nil, fmt.Errorf("create client for node %d (%s): %w", i, n.Address(), err)
		}
		cs.clients[i] = client
	}

	return cs, nil
}

// Len returns the number of nodes.
func (cs *ClientSet) Len() int {
	return len(cs.clients)
}

// Node returns the descriptor of the node at index i.
func (cs *ClientSet) Node(i int) nodes.Node {
	return cs.nodes[i]
}

// Client returns the client of the node at index i.
func (cs *ClientSet) Client(i int) ObjectStore {
	return cs.clients[i]
}

// Nodes returns a copy of the node list.
func (cs *ClientSet) Nodes() []nodes.Node {
	out := make([]nodes.Node, len(cs.nodes))
	copy(out, cs.nodes)
	return out
}
