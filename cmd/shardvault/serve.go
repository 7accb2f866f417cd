package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/shardvault/shardvault/internal/healing"
	"github.com/shardvault/shardvault/internal/metrics"
	"github.com/shardvault/shardvault/internal/storage"
	"github.com/spf13/cobra"
)

const collectInterval = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the healer and metrics endpoint",
		Long: `Ensure the bucket exists on every node, then run the background healer
until interrupted. When metrics are enabled a Prometheus endpoint is served
on metrics.listen.

Examples:
  shardvault serve --config shardvault.yaml
  SHARDVAULT_NODES=10.0.0.1:9000,10.0.0.2:9000 shardvault serve`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	statuses := a.replicas.EnsureBucket(ctx)
	for _, st := range statuses {
		if !st.Success {
			log.Warn().Int("node", st.NodeIndex).Str("endpoint", st.Endpoint).Str("error", st.Error).
				Msg("Bucket not ensured, node may be offline")
		}
	}
	log.Info().
		Int("nodes", a.replicas.Len()).
		Int("ready", storage.CountSucceeded(statuses)).
		Str("bucket", a.replicas.Bucket()).
		Msg("Storage nodes initialized")

	var serviceMetrics *metrics.ServiceMetrics
	if a.cfg.Metrics.Enabled {
		hostname, _ := os.Hostname()
		serviceMetrics = metrics.InitMetrics(hostname, Version)
	}

	var healer *healing.Healer
	if !a.cfg.Healing.Disabled {
		healer, err = newHealer(a, serviceMetrics)
		if err != nil {
			return err
		}
		healer.Start()
		defer healer.Stop()
	} else {
		log.Info().Msg("Healing disabled")
	}

	if serviceMetrics != nil {
		collector := metrics.NewCollector(serviceMetrics, metrics.CollectorConfig{
			Nodes:  a.replicas,
			Healer: healerStatus(healer),
		})
		go collector.Run(ctx, collectInterval)
		go func() {
			if err := metrics.Serve(ctx, a.cfg.Metrics.Listen, log.Logger); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	// Wait for interrupt
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down...")
	return nil
}

// healerStatus avoids handing the collector a typed nil.
func healerStatus(h *healing.Healer) metrics.HealerStatus {
	if h == nil {
		return nil
	}
	return h
}

func newHealer(a *app, serviceMetrics *metrics.ServiceMetrics) (*healing.Healer, error) {
	cfg := healing.Config{
		Replicas:        a.replicas,
		Catalog:         a.catalog,
		Logger:          a.logger,
		Interval:        a.cfg.Healing.IntervalDuration(),
		CopiesPerSecond: a.cfg.Healing.CopiesPerSecond,
	}
	if serviceMetrics != nil {
		cfg.OnCycleComplete = serviceMetrics.ObserveCycle
	}
	return healing.New(cfg)
}

func newHealCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "heal",
		Short: "Run a single healing cycle",
		Long: `Run one healing cycle in the foreground and print its summary.

Examples:
  shardvault heal --config shardvault.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runHeal(ctx, a, cmd.OutOrStdout())
		},
	}
}

func runHeal(ctx context.Context, a *app, out io.Writer) error {
	healer, err := newHealer(a, nil)
	if err != nil {
		return err
	}
	summary := healer.RunCycle(ctx)
	printSummary(out, summary)
	if len(summary.Errors) > 0 {
		return fmt.Errorf("healing cycle finished with %d errors", len(summary.Errors))
	}
	return nil
}

func printSummary(out io.Writer, s healing.CycleSummary) {
	_, _ = fmt.Fprintf(out, "Scanned:     %d\n", s.Scanned)
	_, _ = fmt.Fprintf(out, "Healed:      %d\n", s.Healed)
	_, _ = fmt.Fprintf(out, "Copies:      %d (%s)\n", s.Copies, humanize.Bytes(uint64(s.BytesCopied)))
	_, _ = fmt.Fprintf(out, "Unreachable: %d\n", s.Unreachable)
	_, _ = fmt.Fprintf(out, "Duration:    %s\n", s.Duration.Round(time.Millisecond))
	if s.Interrupted {
		_, _ = fmt.Fprintln(out, "Interrupted before every object was examined")
	}
	for _, e := range s.Errors {
		_, _ = fmt.Fprintf(out, "  error: %s\n", e)
	}
}
