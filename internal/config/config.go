// Package config handles configuration loading and validation for blockgrid.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/blockgrid/blockgrid/pkg/bytesize"
)

// NodeEntry declares one storage node in the coordinator's registry.
// Membership is static: nodes are configured, never discovered.
type NodeEntry struct {
	ID       string        `yaml:"id"`
	Address  string        `yaml:"address"`  // host:port of the node daemon
	Capacity bytesize.Size `yaml:"capacity"` // declared capacity, e.g. "70MB"
}

// CoordConfig holds configuration for the coordinator daemon.
type CoordConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"` // block table, pending ops, operation log

	BlockSize bytesize.Size `yaml:"block_size"` // fixed chunk size (default 1MB)

	// Per-upload and per-download block parallelism.
	UploadConcurrency int `yaml:"upload_concurrency"`
	FetchConcurrency  int `yaml:"fetch_concurrency"`

	RequestTimeout    string `yaml:"request_timeout"`    // per node round trip
	ProbeInterval     string `yaml:"probe_interval"`     // health probe cadence
	ProbeTimeout      string `yaml:"probe_timeout"`      // per probe deadline
	OfflineThreshold  int    `yaml:"offline_threshold"`  // consecutive failures before offline
	ReconcileInterval string `yaml:"reconcile_interval"` // deferred deletion drain cadence

	// TransferRate caps block upload bandwidth to nodes ("50MB/s",
	// "100mbps"). Empty means unlimited.
	TransferRate string `yaml:"transfer_rate"`

	Nodes []NodeEntry `yaml:"nodes"`
}

// NodeConfig holds configuration for a storage node daemon.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`

	// Compression enables zstd at-rest compression of stored blocks.
	// Defaults to true when omitted.
	Compression *bool `yaml:"compression"`
}

// LoadCoordConfig loads coordinator configuration from a YAML file.
func LoadCoordConfig(path string) (*CoordConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &CoordConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *CoordConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8080"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/blockgrid/coord"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.BlockSize == 0 {
		c.BlockSize = bytesize.Size(bytesize.MB)
	}
	if c.UploadConcurrency == 0 {
		c.UploadConcurrency = 4
	}
	if c.FetchConcurrency == 0 {
		c.FetchConcurrency = 4
	}
	if c.RequestTimeout == "" {
		c.RequestTimeout = "5s"
	}
	if c.ProbeInterval == "" {
		c.ProbeInterval = "3s"
	}
	if c.ProbeTimeout == "" {
		c.ProbeTimeout = "2s"
	}
	if c.OfflineThreshold == 0 {
		c.OfflineThreshold = 3
	}
	if c.ReconcileInterval == "" {
		c.ReconcileInterval = "5s"
	}
}

// Validate checks if the coordinator configuration is valid.
func (c *CoordConfig) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.BlockSize <= 0 {
		return fmt.Errorf("block_size must be positive")
	}
	if c.UploadConcurrency < 1 {
		return fmt.Errorf("upload_concurrency must be at least 1")
	}
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("fetch_concurrency must be at least 1")
	}
	if c.OfflineThreshold < 1 {
		return fmt.Errorf("offline_threshold must be at least 1")
	}
	for _, field := range []struct{ name, value string }{
		{"request_timeout", c.RequestTimeout},
		{"probe_interval", c.ProbeInterval},
		{"probe_timeout", c.ProbeTimeout},
		{"reconcile_interval", c.ReconcileInterval},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("invalid %s: %w", field.name, err)
		}
	}
	if c.TransferRate != "" {
		if _, err := bytesize.ParseRate(c.TransferRate); err != nil {
			return fmt.Errorf("invalid transfer_rate: %w", err)
		}
	}
	if len(c.Nodes) == 0 {
		return fmt.Errorf("at least one storage node is required")
	}
	seen := make(map[string]bool, len(c.Nodes))
	for i, n := range c.Nodes {
		if n.ID == "" {
			return fmt.Errorf("nodes[%d]: id is required", i)
		}
		if n.Address == "" {
			return fmt.Errorf("node %s: address is required", n.ID)
		}
		if n.Capacity <= 0 {
			return fmt.Errorf("node %s: capacity must be positive", n.ID)
		}
		if seen[n.ID] {
			return fmt.Errorf("duplicate node id: %s", n.ID)
		}
		seen[n.ID] = true
	}
	return nil
}

// Duration accessors. Validate guarantees these parse.

func (c *CoordConfig) RequestTimeoutDuration() time.Duration {
	return mustDuration(c.RequestTimeout)
}

func (c *CoordConfig) ProbeIntervalDuration() time.Duration {
	return mustDuration(c.ProbeInterval)
}

func (c *CoordConfig) ProbeTimeoutDuration() time.Duration {
	return mustDuration(c.ProbeTimeout)
}

func (c *CoordConfig) ReconcileIntervalDuration() time.Duration {
	return mustDuration(c.ReconcileInterval)
}

// TransferRateBytes returns the configured upload rate cap in bytes
// per second, or 0 for unlimited.
func (c *CoordConfig) TransferRateBytes() int64 {
	if c.TransferRate == "" {
		return 0
	}
	n, err := bytesize.ParseRate(c.TransferRate)
	if err != nil {
		return 0
	}
	return n
}

// LoadNodeConfig loads storage node configuration from a YAML file.
func LoadNodeConfig(path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &NodeConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields with their default values.
func (c *NodeConfig) ApplyDefaults() {
	if c.Listen == "" {
		c.Listen = ":8081"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/blockgrid/node"
	}
	c.DataDir = expandHome(c.DataDir)
}

// Validate checks if the node configuration is valid.
func (c *NodeConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("id is required")
	}
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	return nil
}

// CompressionEnabled reports whether stored blocks should be
// zstd-compressed. Defaults to true.
func (c *NodeConfig) CompressionEnabled() bool {
	if c.Compression == nil {
		return true
	}
	return *c.Compression
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
