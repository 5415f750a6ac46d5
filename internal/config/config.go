// Package config provides configuration management for the NexusLB serving
// core.
//
// Configuration is loaded with the following precedence:
//  1. Command-line flags (highest priority)
//  2. Environment variables (NEXUSLB_* prefix)
//  3. Configuration file (config.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Poller strategy names accepted in configuration.
const (
	PollerBlocking = "blocking"
	PollerSpinning = "spinning"
)

// Config holds all configuration for a NexusLB dispatcher node.
type Config struct {
	// NodeID identifies this node in logs and metrics.
	NodeID string `mapstructure:"node_id"`

	// LogLevel is the zerolog level name (trace..panic).
	LogLevel string `mapstructure:"log_level"`

	// AdminPort serves /metrics and health.
	AdminPort int `mapstructure:"admin_port"`

	RDMA       RDMAConfig       `mapstructure:"rdma"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Follower   FollowerConfig   `mapstructure:"follower"`

	// Models are the sleep-profile model sessions installed at startup.
	Models []ModelConfig `mapstructure:"models"`
}

// RDMAConfig holds the transport configuration.
type RDMAConfig struct {
	// DeviceName names the NIC to open. Empty selects the first device the
	// verbs backend lists, whether or not it has an active port.
	DeviceName string `mapstructure:"device_name"`

	// Port is the out-of-band TCP bootstrap port.
	Port int `mapstructure:"port"`

	// Poller selects the completion polling strategy.
	Poller string `mapstructure:"poller"`

	// PoolBits sizes the pinned buffer pool at 2^pool_bits bytes.
	PoolBits uint `mapstructure:"pool_bits"`

	// BlockBits sizes each pool block at 2^block_bits bytes.
	BlockBits uint `mapstructure:"block_bits"`

	// ExposedRegionBytes sizes the remote-readable region advertised to
	// clients.
	ExposedRegionBytes int `mapstructure:"exposed_region_bytes"`
}

// DispatcherConfig holds ingress configuration.
type DispatcherConfig struct {
	// QueueDepth bounds each model-session queue.
	QueueDepth int `mapstructure:"queue_depth"`
}

// FollowerConfig holds the GPU plan-follower configuration.
type FollowerConfig struct {
	GPUID int `mapstructure:"gpu_id"`
}

// ModelConfig declares one sleep-profile model session.
type ModelConfig struct {
	Index             uint32 `mapstructure:"index"`
	BaseLatencyUS     int    `mapstructure:"base_latency_us"`
	PerQueryLatencyUS int    `mapstructure:"per_query_latency_us"`
}

// Options carries command-line overrides into Load.
type Options struct {
	Device    string
	Port      int
	AdminPort int
}

// Load reads configuration from the optional file path, the environment,
// and defaults, then applies flag overrides and validates.
func Load(path string, opts Options) (*Config, error) {
	v := viper.New()

	v.SetDefault("node_id", "nexuslb-0")
	v.SetDefault("log_level", "info")
	v.SetDefault("admin_port", 9402)
	v.SetDefault("rdma.device_name", "")
	v.SetDefault("rdma.port", 9401)
	v.SetDefault("rdma.poller", PollerBlocking)
	v.SetDefault("rdma.pool_bits", 30)
	v.SetDefault("rdma.block_bits", 20)
	v.SetDefault("rdma.exposed_region_bytes", 1<<20)
	v.SetDefault("dispatcher.queue_depth", 1024)
	v.SetDefault("follower.gpu_id", 0)

	v.SetEnvPrefix("NEXUSLB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if opts.Device != "" {
		cfg.RDMA.DeviceName = opts.Device
	}
	if opts.Port != 0 {
		cfg.RDMA.Port = opts.Port
	}
	if opts.AdminPort != 0 {
		cfg.AdminPort = opts.AdminPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.RDMA.Poller != PollerBlocking && c.RDMA.Poller != PollerSpinning {
		return fmt.Errorf("rdma.poller must be %q or %q, got %q",
			PollerBlocking, PollerSpinning, c.RDMA.Poller)
	}
	if c.RDMA.BlockBits > c.RDMA.PoolBits {
		return fmt.Errorf("rdma.block_bits %d exceeds rdma.pool_bits %d",
			c.RDMA.BlockBits, c.RDMA.PoolBits)
	}
	if c.RDMA.Port <= 0 || c.RDMA.Port > 65535 {
		return fmt.Errorf("rdma.port %d out of range", c.RDMA.Port)
	}
	if c.AdminPort <= 0 || c.AdminPort > 65535 {
		return fmt.Errorf("admin_port %d out of range", c.AdminPort)
	}
	if c.RDMA.ExposedRegionBytes <= 0 {
		return fmt.Errorf("rdma.exposed_region_bytes must be positive")
	}
	if c.Dispatcher.QueueDepth <= 0 {
		return fmt.Errorf("dispatcher.queue_depth must be positive")
	}
	seen := make(map[uint32]bool)
	for _, m := range c.Models {
		if seen[m.Index] {
			return fmt.Errorf("duplicate model index %d", m.Index)
		}
		seen[m.Index] = true
	}
	return nil
}
