package storage

import (
	"github.com/google/uuid"
	"github.com/shardvault/shardvault/internal/nodes"
)

// ReplicaStatus is the outcome of one operation against one node.
type ReplicaStatus struct {
	NodeIndex int    `json:"node_index"`
	Endpoint  string `json:"endpoint"`
	Port      int    `json:"port"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

func newStatus(index int, node nodes.Node, err error) ReplicaStatus {
	st := ReplicaStatus{
		NodeIndex: index,
		Endpoint:  node.Endpoint,
		Port:      node.Port,
		Success:   err == nil,
	}
	if err != nil {
		st.Error = err.Error()
	}
	return st
}

// CountSucceeded returns how many statuses report success.
func CountSucceeded(statuses []ReplicaStatus) int {
	n := 0
	for _, st := range statuses {
		if st.Success {
			n++
		}
	}
	return n
}

// NewObjectKey returns a globally unique object key for a new upload.
func NewObjectKey() string {
	return uuid.NewString()
}
