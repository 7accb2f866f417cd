package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/shardvault/shardvault/internal/healing"
	"github.com/shardvault/shardvault/internal/storage"
)

// NodeChecker reports per-node reachability.
type NodeChecker interface {
	CheckNodes(ctx context.Context) []storage.ReplicaStatus
}

// HealerStatus reports the healer lifecycle state.
type HealerStatus interface {
	State() healing.State
}

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Nodes  NodeChecker
	Healer HealerStatus // Optional
}

// Collector periodically refreshes gauges that are sampled rather than
// counted: node reachability and healer state.
type Collector struct {
	metrics *ServiceMetrics
	nodes   NodeChecker
	healer  HealerStatus
}

// NewCollector creates a new metrics collector.
func NewCollector(m *ServiceMetrics, cfg CollectorConfig) *Collector {
	return &Collector{
		metrics: m,
		nodes:   cfg.Nodes,
		healer:  cfg.Healer,
	}
}

// Collect updates all gauges from the current state.
func (c *Collector) Collect(ctx context.Context) {
	c.collectNodeStats(ctx)
	c.collectHealerStats()
}

func (c *Collector) collectNodeStats(ctx context.Context) {
	if c.nodes == nil {
		return
	}

	statuses := c.nodes.CheckNodes(ctx)
	c.metrics.NodesConfigured.Set(float64(len(statuses)))
	c.metrics.NodesReachable.Set(float64(storage.CountSucceeded(statuses)))
	for _, st := range statuses {
		up := 0.0
		if st.Success {
			up = 1
		}
		endpoint := st.Endpoint + ":" + strconv.Itoa(st.Port)
		c.metrics.NodeUp.WithLabelValues(strconv.Itoa(st.NodeIndex), endpoint).Set(up)
	}
}

func (c *Collector) collectHealerStats() {
	if c.healer == nil {
		return
	}
	c.metrics.HealerState.Set(float64(c.healer.State()))
}

// Run starts periodic metric collection.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.Collect(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
