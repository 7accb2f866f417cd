package storage

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ReplicaMetrics holds Prometheus metrics for the replica access layer.
// A nil *ReplicaMetrics records nothing.
type ReplicaMetrics struct {
	OperationsTotal *prometheus.CounterVec   // shardvault_replica_operations_total{operation,status}
	NodeFailures    *prometheus.CounterVec   // shardvault_replica_node_failures_total{node,operation,kind}
	WriteFallbacks  prometheus.Counter       // shardvault_replica_write_fallbacks_total
	ReadsServed     *prometheus.CounterVec   // shardvault_replica_reads_served_total{node}
	ProbeDuration   *prometheus.HistogramVec // shardvault_replica_probe_duration_seconds{node}
	BytesWritten    prometheus.Counter       // shardvault_replica_bytes_written_total
}

// NewReplicaMetrics registers replica metrics with registry.
func NewReplicaMetrics(registry prometheus.Registerer) *ReplicaMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	return &ReplicaMetrics{
		OperationsTotal: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "shardvault_replica_operations_total",
			Help: "Replica operations by operation and outcome",
		}, []string{"operation", "status"}),

		NodeFailures: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "shardvault_replica_node_failures_total",
			Help: "Per-node operation failures by node index, operation and error kind",
		}, []string{"node", "operation", "kind"}),

		WriteFallbacks: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "shardvault_replica_write_fallbacks_total",
			Help: "Writes that fell back from the primary to another node",
		}),

		ReadsServed: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "shardvault_replica_reads_served_total",
			Help: "Reads served by node index",
		}, []string{"node"}),

		ProbeDuration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardvault_replica_probe_duration_seconds",
			Help:    "Duration of discovery stat probes by node index",
			Buckets: prometheus.DefBuckets,
		}, []string{"node"}),

		BytesWritten: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "shardvault_replica_bytes_written_total",
			Help: "Bytes accepted by any node through the write path",
		}),
	}
}

func (m *ReplicaMetrics) recordOperation(operation string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.OperationsTotal.WithLabelValues(operation, status).Inc()
}

func (m *ReplicaMetrics) recordNodeFailure(nodeErr *NodeError) {
	if m == nil {
		return
	}
	m.NodeFailures.WithLabelValues(strconv.Itoa(nodeErr.Index), nodeErr.Op, nodeErr.Kind.String()).Inc()
}

func (m *ReplicaMetrics) recordFallback() {
	if m == nil {
		return
	}
	m.WriteFallbacks.Inc()
}

func (m *ReplicaMetrics) recordRead(index int) {
	if m == nil {
		return
	}
	m.ReadsServed.WithLabelValues(strconv.Itoa(index)).Inc()
}

func (m *ReplicaMetrics) recordProbe(index int, d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(strconv.Itoa(index)).Observe(d.Seconds())
}

func (m *ReplicaMetrics) recordWrite(n int) {
	if m == nil {
		return
	}
	m.BytesWritten.Add(float64(n))
}
