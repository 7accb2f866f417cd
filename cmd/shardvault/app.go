package main

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shardvault/shardvault/internal/config"
	"github.com/shardvault/shardvault/internal/logging/audit"
	"github.com/shardvault/shardvault/internal/metadata"
	"github.com/shardvault/shardvault/internal/nodes"
	"github.com/shardvault/shardvault/internal/storage"
)

// app holds the components every command works with.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	nodes    []nodes.Node
	replicas *storage.ReplicaSet
	kv       metadata.KV
	catalog  *metadata.Catalog
	audit    *audit.Logger
}

// newApp wires nodes, clients, replica set and catalog from cfg.
// registry may be nil, in which case replica metrics are not collected.
func newApp(cfg *config.Config, logger zerolog.Logger, registry prometheus.Registerer) (*app, error) {
	return newAppWithFactory(cfg, clientFactory(cfg), logger, registry)
}

func newAppWithFactory(cfg *config.Config, factory storage.ClientFactory, logger zerolog.Logger, registry prometheus.Registerer) (*app, error) {
	list, err := nodes.Resolve(cfg.Nodes)
	if err != nil {
		return nil, err
	}

	clients, err := storage.NewClientSet(list, factory)
	if err != nil {
		return nil, err
	}

	var replicaMetrics *storage.ReplicaMetrics
	if registry != nil {
		replicaMetrics = storage.NewReplicaMetrics(registry)
	}

	replicas, err := storage.NewReplicaSet(clients, storage.Options{
		Bucket:       cfg.Storage.Bucket,
		Primary:      cfg.Storage.Primary,
		ProbeTimeout: cfg.Storage.ProbeTimeoutDuration(),
		Logger:       logger,
		Metrics:      replicaMetrics,
	})
	if err != nil {
		return nil, err
	}

	kv, err := openKV(cfg.Metadata)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:      cfg,
		logger:   logger,
		nodes:    list,
		replicas: replicas,
		kv:       kv,
		catalog:  metadata.NewCatalog(kv),
		audit:    audit.NewLogger(logger),
	}, nil
}

func clientFactory(cfg *config.Config) storage.ClientFactory {
	if cfg.Nodes.Backend == config.BackendDisk {
		return storage.DiskClientFactory(cfg.Nodes.DataDir)
	}
	return storage.S3ClientFactory(storage.S3Options{
		AccessKey:      cfg.Nodes.AccessKey,
		SecretKey:      cfg.Nodes.SecretKey,
		Region:         cfg.Nodes.Region,
		UseTLS:         cfg.Nodes.UseTLS,
		RequestTimeout: cfg.Storage.RequestTimeoutDuration(),
		MaxAttempts:    cfg.Storage.MaxAttempts,
		CABundle:       cfg.Nodes.CABundle,
	})
}

func openKV(cfg config.MetadataConfig) (metadata.KV, error) {
	switch cfg.Backend {
	case config.MetadataMemory:
		return metadata.NewMemoryKV(), nil
	case config.MetadataEtcd:
		return metadata.NewEtcdKV(metadata.EtcdOptions{
			Endpoints:   cfg.Endpoints,
			DialTimeout: cfg.DialTimeoutDuration(),
			Username:    cfg.Username,
			Password:    cfg.Password,
			Prefix:      cfg.Prefix,
		})
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Backend)
	}
}

func (a *app) Close() error {
	return a.kv.Close()
}
