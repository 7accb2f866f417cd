// Package config handles configuration loading and validation for shardvault.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Storage node backends.
const (
	BackendS3   = "s3"
	BackendDisk = "disk"
)

// Metadata store backends.
const (
	MetadataEtcd   = "etcd"
	MetadataMemory = "memory"
)

// Environment overrides, applied after the config file.
const (
	EnvNodes             = "SHARDVAULT_NODES"
	EnvAccessKey         = "SHARDVAULT_ACCESS_KEY"
	EnvSecretKey         = "SHARDVAULT_SECRET_KEY"
	EnvMetadataEndpoints = "SHARDVAULT_METADATA_ENDPOINTS"
)

// NodesConfig describes the storage replicas and how to reach them.
// Endpoints takes precedence over the Host/Ports single-host form.
type NodesConfig struct {
	Endpoints []string `yaml:"endpoints"`  // Explicit host:port list, one entry per replica
	Host      string   `yaml:"host"`       // Single-host fallback
	Ports     []int    `yaml:"ports"`      // Ports on Host, one per replica
	UseTLS    bool     `yaml:"use_tls"`    // Reach nodes over https
	CABundle  string   `yaml:"ca_bundle"`  // Extra PEM roots for node certificates
	AccessKey string   `yaml:"access_key"` // Shared by all nodes
	SecretKey string   `yaml:"secret_key"`
	Region    string   `yaml:"region"`   // Signing region (default: us-east-1)
	Backend   string   `yaml:"backend"`  // "s3" (default) or "disk"
	DataDir   string   `yaml:"data_dir"` // Root directory for the disk backend
}

// StorageConfig holds settings for the replica access layer.
type StorageConfig struct {
	Bucket         string `yaml:"bucket"`          // Bucket name shared by every node
	Primary        int    `yaml:"primary"`         // Index of the node that receives writes first
	ProbeTimeout   string `yaml:"probe_timeout"`   // Per-node stat timeout during discovery (default: "3s")
	RequestTimeout string `yaml:"request_timeout"` // HTTP client timeout for node requests (default: "30s")
	MaxAttempts    int    `yaml:"max_attempts"`    // SDK attempts per node request (default: 1, failover does the retrying)
}

// MetadataConfig holds settings for the metadata key-value store.
type MetadataConfig struct {
	Backend     string   `yaml:"backend"`      // "etcd" (default) or "memory"
	Endpoints   []string `yaml:"endpoints"`    // etcd client endpoints
	DialTimeout string   `yaml:"dial_timeout"` // Duration string (default: "5s")
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	Prefix      string   `yaml:"prefix"` // Namespace for every key (default: "/shardvault/")
}

// HealingConfig holds settings for the background replica healer.
type HealingConfig struct {
	Disabled        bool    `yaml:"disabled"`
	Interval        string  `yaml:"interval"`          // Duration string (default: "5m")
	CopiesPerSecond float64 `yaml:"copies_per_second"` // Copy throttle (0 = unlimited)
}

// MetricsConfig holds settings for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"` // Default: "127.0.0.1:9464"
}

// Config is the top-level shardvault configuration.
type Config struct {
	LogLevel string         `yaml:"log_level"`
	Nodes    NodesConfig    `yaml:"nodes"`
	Storage  StorageConfig  `yaml:"storage"`
	Metadata MetadataConfig `yaml:"metadata"`
	Healing  HealingConfig  `yaml:"healing"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// Load reads configuration from a YAML file. An empty path yields a config
// built from defaults and environment overrides only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvNodes); v != "" {
		c.Nodes.Endpoints = []string{v}
	}
	if v := os.Getenv(EnvAccessKey); v != "" {
		c.Nodes.AccessKey = v
	}
	if v := os.Getenv(EnvSecretKey); v != "" {
		c.Nodes.SecretKey = v
	}
	if v := os.Getenv(EnvMetadataEndpoints); v != "" {
		c.Metadata.Endpoints = strings.Split(v, ",")
	}
}

func (c *Config) applyDefaults() {
	if c.Nodes.Backend == "" {
		c.Nodes.Backend = BackendS3
	}
	if c.Nodes.Region == "" {
		c.Nodes.Region = "us-east-1"
	}
	c.Nodes.DataDir = expandHome(c.Nodes.DataDir)
	if c.Nodes.Backend == BackendDisk && c.Nodes.DataDir == "" {
		c.Nodes.DataDir = "/var/lib/shardvault"
	}

	if c.Storage.Bucket == "" {
		c.Storage.Bucket = "shardvault"
	}
	if c.Storage.ProbeTimeout == "" {
		c.Storage.ProbeTimeout = "3s"
	}
	if c.Storage.RequestTimeout == "" {
		c.Storage.RequestTimeout = "30s"
	}
	if c.Storage.MaxAttempts == 0 {
		c.Storage.MaxAttempts = 1
	}

	if c.Metadata.Backend == "" {
		c.Metadata.Backend = MetadataEtcd
	}
	if c.Metadata.Backend == MetadataEtcd && len(c.Metadata.Endpoints) == 0 {
		c.Metadata.Endpoints = []string{"localhost:2379"}
	}
	if c.Metadata.DialTimeout == "" {
		c.Metadata.DialTimeout = "5s"
	}
	if c.Metadata.Prefix == "" {
		c.Metadata.Prefix = "/shardvault/"
	}

	if c.Healing.Interval == "" {
		c.Healing.Interval = "5m"
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9464"
	}
}

// expandHome expands a leading "~/" to the user's home directory.
func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, path[2:])
		}
	}
	return path
}

// Validate checks if the configuration is valid. Node entries themselves are
// parsed and checked by nodes.Resolve.
func (c *Config) Validate() error {
	switch c.Nodes.Backend {
	case BackendS3:
		if c.Nodes.AccessKey == "" || c.Nodes.SecretKey == "" {
			return fmt.Errorf("nodes.access_key and nodes.secret_key are required")
		}
	case BackendDisk:
		if c.Nodes.DataDir == "" {
			return fmt.Errorf("nodes.data_dir is required for the disk backend")
		}
	default:
		return fmt.Errorf("unknown nodes.backend %q", c.Nodes.Backend)
	}

	if c.Storage.Bucket == "" {
		return fmt.Errorf("storage.bucket is required")
	}
	if c.Storage.Primary < 0 {
		return fmt.Errorf("storage.primary must not be negative")
	}
	if c.Storage.MaxAttempts < 1 {
		return fmt.Errorf("storage.max_attempts must be at least 1")
	}
	if err := positiveDuration("storage.probe_timeout", c.Storage.ProbeTimeout); err != nil {
		return err
	}
	if err := positiveDuration("storage.request_timeout", c.Storage.RequestTimeout); err != nil {
		return err
	}

	switch c.Metadata.Backend {
	case MetadataEtcd:
		if len(c.Metadata.Endpoints) == 0 {
			return fmt.Errorf("metadata.endpoints is required for the etcd backend")
		}
		for _, ep := range c.Metadata.Endpoints {
			if strings.TrimSpace(ep) == "" {
				return fmt.Errorf("metadata.endpoints contains an empty entry")
			}
		}
	case MetadataMemory:
	default:
		return fmt.Errorf("unknown metadata.backend %q", c.Metadata.Backend)
	}
	if err := positiveDuration("metadata.dial_timeout", c.Metadata.DialTimeout); err != nil {
		return err
	}

	if err := positiveDuration("healing.interval", c.Healing.Interval); err != nil {
		return err
	}
	if c.Healing.CopiesPerSecond < 0 {
		return fmt.Errorf("healing.copies_per_second must not be negative")
	}

	if c.LogLevel != "" {
		if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
	}
	return nil
}

func positiveDuration(name, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

// mustDuration parses a duration that Validate has already accepted.
func mustDuration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// ProbeTimeoutDuration returns the per-node discovery timeout.
func (c StorageConfig) ProbeTimeoutDuration() time.Duration {
	return mustDuration(c.ProbeTimeout, 3*time.Second)
}

// RequestTimeoutDuration returns the HTTP client timeout for node requests.
func (c StorageConfig) RequestTimeoutDuration() time.Duration {
	return mustDuration(c.RequestTimeout, 30*time.Second)
}

// DialTimeoutDuration returns the etcd dial timeout.
func (c MetadataConfig) DialTimeoutDuration() time.Duration {
	return mustDuration(c.DialTimeout, 5*time.Second)
}

// IntervalDuration returns the healing period.
func (c HealingConfig) IntervalDuration() time.Duration {
	return mustDuration(c.Interval, 5*time.Minute)
}

// ApplyLogLevel sets the global zerolog level if level is non-empty and valid.
// Returns true if a level was applied.
func ApplyLogLevel(level string) bool {
	if level == "" {
		return false
	}
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(parsed)
	return true
}
