// Package metrics provides Prometheus metrics for shardvault.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shardvault/shardvault/internal/healing"
)

// Registry is the Prometheus registry for all shardvault metrics.
var Registry = prometheus.NewRegistry()

// ServiceMetrics holds the process-level Prometheus metrics.
// Replica access metrics live in storage.ReplicaMetrics and share Registry.
type ServiceMetrics struct {
	// Node reachability (gauges, refreshed by the Collector)
	NodesConfigured prometheus.Gauge
	NodesReachable  prometheus.Gauge
	NodeUp          *prometheus.GaugeVec // labels: node, endpoint

	// Healer state (0=stopped, 1=running, 2=cycling)
	HealerState prometheus.Gauge

	// Healing cycle results (counters)
	HealingCycles        prometheus.Counter
	HealingCyclesSkipped prometheus.Counter
	HealingScanned       prometheus.Counter
	HealingHealed        prometheus.Counter
	HealingCopies        prometheus.Counter
	HealingBytesCopied   prometheus.Counter
	HealingErrors        prometheus.Counter
	HealingUnreachable   prometheus.Counter

	HealingLastCycleTimestamp prometheus.Gauge
	HealingLastCycleSeconds   prometheus.Gauge

	// Build info (constant labels exposed as a gauge)
	Info *prometheus.GaugeVec // labels: instance, version
}

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// InitMetrics initializes all metrics with the given instance name as a constant label.
func InitMetrics(instance, version string) *ServiceMetrics {
	constLabels := prometheus.Labels{
		"instance": instance,
	}

	m := &ServiceMetrics{
		NodesConfigured: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shardvault_nodes_configured",
			Help:        "Number of storage nodes in the registry",
			ConstLabels: constLabels,
		}),
		NodesReachable: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shardvault_nodes_reachable",
			Help:        "Number of storage nodes that answered the last check",
			ConstLabels: constLabels,
		}),
		NodeUp: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name:        "shardvault_node_up",
			Help:        "Whether a storage node answered the last check (1) or not (0)",
			ConstLabels: constLabels,
		}, []string{"node", "endpoint"}),

		HealerState: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shardvault_healer_state",
			Help:        "Healer state (0=stopped, 1=running, 2=cycling)",
			ConstLabels: constLabels,
		}),

		HealingCycles: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_cycles_total",
			Help:        "Completed healing cycles",
			ConstLabels: constLabels,
		}),
		HealingCyclesSkipped: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_cycles_skipped_total",
			Help:        "Healing cycles skipped because another was in progress",
			ConstLabels: constLabels,
		}),
		HealingScanned: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_objects_scanned_total",
			Help:        "Objects examined by healing cycles",
			ConstLabels: constLabels,
		}),
		HealingHealed: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_objects_healed_total",
			Help:        "Objects that received at least one replica copy",
			ConstLabels: constLabels,
		}),
		HealingCopies: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_copies_total",
			Help:        "Successful per-node replica copies",
			ConstLabels: constLabels,
		}),
		HealingBytesCopied: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_bytes_copied_total",
			Help:        "Bytes written by replica copies",
			ConstLabels: constLabels,
		}),
		HealingErrors: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_errors_total",
			Help:        "Errors recorded by healing cycles",
			ConstLabels: constLabels,
		}),
		HealingUnreachable: promauto.With(Registry).NewCounter(prometheus.CounterOpts{
			Name:        "shardvault_healing_unreachable_total",
			Help:        "Discovery probes that could not reach a node during healing",
			ConstLabels: constLabels,
		}),

		HealingLastCycleTimestamp: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shardvault_healing_last_cycle_timestamp_seconds",
			Help:        "Unix time the last healing cycle started",
			ConstLabels: constLabels,
		}),
		HealingLastCycleSeconds: promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
			Name:        "shardvault_healing_last_cycle_duration_seconds",
			Help:        "Duration of the last healing cycle",
			ConstLabels: constLabels,
		}),

		Info: promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardvault_info",
			Help: "Instance information (value is always 1)",
		}, []string{"instance", "version"}),
	}

	m.Info.WithLabelValues(instance, version).Set(1)

	return m
}

// ObserveCycle records one healing cycle. Suitable as healing.Config.OnCycleComplete.
func (m *ServiceMetrics) ObserveCycle(s healing.CycleSummary) {
	if s.Skipped {
		m.HealingCyclesSkipped.Inc()
		return
	}
	m.HealingCycles.Inc()
	m.HealingScanned.Add(float64(s.Scanned))
	m.HealingHealed.Add(float64(s.Healed))
	m.HealingCopies.Add(float64(s.Copies))
	m.HealingBytesCopied.Add(float64(s.BytesCopied))
	m.HealingErrors.Add(float64(len(s.Errors)))
	m.HealingUnreachable.Add(float64(s.Unreachable))
	m.HealingLastCycleTimestamp.Set(float64(s.Started.Unix()))
	m.HealingLastCycleSeconds.Set(s.Duration.Seconds())
}
