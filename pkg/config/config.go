// Package config assembles the Config every Aegis component is built
// from: environment variables for the operational surface names, an
// optional YAML overlay, and fixed per-component option structs in
// place of dynamically typed options objects.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/aegis/pkg/errs"
	"gopkg.in/yaml.v3"
)

// Config is the single settings object every node is constructed from.
type Config struct {
	// Operational surface: NODE_ID, NODE_ADDRESS, NODE_PORT,
	// CLUSTER_ID.
	NodeID string `yaml:"nodeId"`
	NodeAddress string `yaml:"nodeAddress"`
	NodePort int `yaml:"nodePort"`
	ClusterID string `yaml:"clusterId"`
	Peers []string `yaml:"peers"`
	DataDir string `yaml:"dataDir"`
	Bootstrap bool `yaml:"bootstrap"`

	// ClusterSecret, if set, is shared by every legitimate member of the
	// cluster and derives the keypair raft's transport envelopes are
	// signed and verified with, and (when Events.EncryptionEnabled) the
	// event store's payload encryption key.
	ClusterSecret string `yaml:"clusterSecret"`

	Raft RaftOptions `yaml:"raft"`
	Cluster ClusterOptions `yaml:"cluster"`
	Events EventOptions `yaml:"events"`
	Dispatch DispatchOptions `yaml:"dispatch"`

	LogLevel string `yaml:"logLevel"`
	LogJSON bool `yaml:"logJSON"`
}

// RaftOptions holds the consensus engine's enumerated options.
type RaftOptions struct {
	ElectionTimeoutMin time.Duration `yaml:"electionTimeoutMin"`
	ElectionTimeoutMax time.Duration `yaml:"electionTimeoutMax"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxLogEntries int `yaml:"maxLogEntries"`
	SnapshotThreshold int `yaml:"snapshotThreshold"`
	SuspicionThreshold int `yaml:"suspicionThreshold"`
	QuarantinePeriod time.Duration `yaml:"quarantinePeriod"`
}

// ClusterOptions holds Cluster Manager tuning.
type ClusterOptions struct {
	HealthCheckInterval time.Duration `yaml:"healthCheckInterval"`
	ConfigChangeTimeout time.Duration `yaml:"configChangeTimeout"`
}

// EventOptions holds the event store's enumerated options.
type EventOptions struct {
	PartitionCount int `yaml:"partitionCount"`
	CompressionEnabled bool `yaml:"compressionEnabled"`
	EncryptionEnabled bool `yaml:"encryptionEnabled"`
}

// DispatchOptions holds the command/query dispatcher's enumerated options.
type DispatchOptions struct {
	MaxRetries int `yaml:"maxRetries"`
	RetryDelay time.Duration `yaml:"retryDelay"`
	CommandTimeout time.Duration `yaml:"commandTimeout"`
	QueryTimeout time.Duration `yaml:"queryTimeout"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
	DefaultPageSize int `yaml:"defaultPageSize"`
	MaxPageSize int `yaml:"maxPageSize"`
}

// Defaults returns a Config populated with default values.
func Defaults() Config {
	return Config{
		DataDir: "./data",
		Raft: RaftOptions{
			ElectionTimeoutMin: 150 * time.Millisecond,
			ElectionTimeoutMax: 300 * time.Millisecond,
			HeartbeatInterval: 50 * time.Millisecond,
			MaxLogEntries: 10000,
			SnapshotThreshold: 1000,
			SuspicionThreshold: 3,
			QuarantinePeriod: 5 * time.Minute,
		},
		Cluster: ClusterOptions{
			HealthCheckInterval: 5 * time.Second,
			ConfigChangeTimeout: 30 * time.Second,
		},
		Events: EventOptions{
			PartitionCount: 16,
			CompressionEnabled: true,
			EncryptionEnabled: false,
		},
		Dispatch: DispatchOptions{
			MaxRetries: 3,
			RetryDelay: 1 * time.Second,
			CommandTimeout: 30 * time.Second,
			QueryTimeout: 30 * time.Second,
			CacheTTL: 5 * time.Minute,
			DefaultPageSize: 50,
			MaxPageSize: 1000,
		},
		LogLevel: "info",
	}
}

// Load builds a Config from Defaults, an optional YAML file at path (if
// non-empty and present), and then environment variables, which take
// highest precedence. It does not validate; call Validate separately so
// callers can choose when a config error maps to exit code 64.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.NodeID = v
	}
	if v := os.Getenv("NODE_ADDRESS"); v != "" {
		cfg.NodeAddress = v
	}
	if v := os.Getenv("NODE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.NodePort = port
		}
	}
	if v := os.Getenv("CLUSTER_ID"); v != "" {
		cfg.ClusterID = v
	}
	if v := os.Getenv("CLUSTER_SECRET"); v != "" {
		cfg.ClusterSecret = v
	}
}

// Validate checks that the operational surface is complete, returning an
// *errs.Error with Kind Validation (mapped by the caller to exit code 64)
// when it is not.
func (c Config) Validate() error {
	if c.NodeID == "" {
		return errs.New(errs.KindValidation, "NODE_ID is required")
	}
	if c.NodeAddress == "" {
		return errs.New(errs.KindValidation, "NODE_ADDRESS is required")
	}
	if c.NodePort <= 0 || c.NodePort > 65535 {
		return errs.New(errs.KindValidation, "NODE_PORT must be between 1 and 65535")
	}
	if c.ClusterID == "" {
		return errs.New(errs.KindValidation, "CLUSTER_ID is required")
	}
	if !c.Bootstrap && len(c.Peers) == 0 {
		return errs.New(errs.KindValidation, "peers must be set unless bootstrap is true")
	}
	if c.Raft.ElectionTimeoutMin >= c.Raft.ElectionTimeoutMax {
		return errs.New(errs.KindValidation, "raft.electionTimeoutMin must be less than electionTimeoutMax")
	}
	return nil
}

// Addr returns the node's listen address as host:port.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.NodeAddress, c.NodePort)
}
