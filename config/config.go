// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads node configuration from YAML with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for a queue node.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Cluster ClusterConfig `yaml:"cluster"`
	Raft    RaftConfig    `yaml:"raft"`
	Queue   QueueConfig   `yaml:"queue"`
	Storage StorageConfig `yaml:"storage"`
	HTTP    HTTPConfig    `yaml:"http"`
	Log     LogConfig     `yaml:"log"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	ID      string `yaml:"id"`
	DataDir string `yaml:"data_dir"`
}

// ClusterConfig holds cross-node control channel configuration.
type ClusterConfig struct {
	// BindAddr is the control-channel listen address.
	BindAddr string `yaml:"bind_addr"`

	// Peers maps node IDs to control base URLs,
	// e.g. node2: "http://10.0.0.2:9400".
	Peers map[string]string `yaml:"peers"`

	RequestTimeout time.Duration `yaml:"request_timeout"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
}

// RaftConfig holds replicated-log engine configuration.
type RaftConfig struct {
	// BindAddr is this node's base raft address; each queue's group
	// member binds to a derived port above it.
	BindAddr string `yaml:"bind_addr"`

	// MemberAddrs maps node IDs to their base raft addresses.
	MemberAddrs map[string]string `yaml:"member_addrs"`

	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	ElectionTimeout   time.Duration `yaml:"election_timeout"`
	SnapshotInterval  time.Duration `yaml:"snapshot_interval"`
	SnapshotThreshold uint64        `yaml:"snapshot_threshold"`
	ApplyTimeout      time.Duration `yaml:"apply_timeout"`
}

// QueueConfig holds queue and session settings.
type QueueConfig struct {
	// SessionSoftLimit bounds unconfirmed enqueues per session before
	// backpressure kicks in.
	SessionSoftLimit int `yaml:"session_soft_limit"`

	// DeclareTimeout bounds how long a declare waits for the new
	// group to elect a leader.
	DeclareTimeout time.Duration `yaml:"declare_timeout"`
}

// StorageConfig holds metadata store configuration.
type StorageConfig struct {
	Type string `yaml:"type"` // memory, badger

	BadgerDir string `yaml:"badger_dir"`
}

// HTTPConfig holds the management API configuration.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns the configuration for a single-node deployment.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "node1",
			DataDir: "./data",
		},
		Cluster: ClusterConfig{
			BindAddr:       ":9400",
			RequestTimeout: 5 * time.Second,
			ProbeTimeout:   2 * time.Second,
		},
		Raft: RaftConfig{
			BindAddr:          "127.0.0.1:7400",
			HeartbeatTimeout:  1 * time.Second,
			ElectionTimeout:   3 * time.Second,
			SnapshotInterval:  5 * time.Minute,
			SnapshotThreshold: 8192,
			ApplyTimeout:      5 * time.Second,
		},
		Queue: QueueConfig{
			SessionSoftLimit: 256,
			DeclareTimeout:   30 * time.Second,
		},
		Storage: StorageConfig{
			Type:      "badger",
			BadgerDir: "./data/meta",
		},
		HTTP: HTTPConfig{
			Enabled:         true,
			Addr:            ":9500",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when filename is empty or does not exist.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}
	if c.Node.DataDir == "" {
		return fmt.Errorf("node.data_dir cannot be empty")
	}
	if c.Raft.BindAddr == "" {
		return fmt.Errorf("raft.bind_addr cannot be empty")
	}
	if c.Queue.SessionSoftLimit < 0 {
		return fmt.Errorf("queue.session_soft_limit cannot be negative")
	}

	switch c.Storage.Type {
	case "memory":
	case "badger":
		if c.Storage.BadgerDir == "" {
			return fmt.Errorf("storage.badger_dir required for badger storage")
		}
	default:
		return fmt.Errorf("storage.type must be one of: memory, badger")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr required when the management API is enabled")
	}

	return nil
}

// Members returns the cluster membership: every peer plus this node.
func (c *Config) Members() []string {
	members := make([]string, 0, len(c.Cluster.Peers)+1)
	members = append(members, c.Node.ID)
	for node := range c.Cluster.Peers {
		if node != c.Node.ID {
			members = append(members, node)
		}
	}
	return members
}
