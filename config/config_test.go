// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "node1", cfg.Node.ID)
	assert.Equal(t, "badger", cfg.Storage.Type)
	assert.Equal(t, 256, cfg.Queue.SessionSoftLimit)
	assert.True(t, cfg.HTTP.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileFallsBack(t *testing.T) {
	cfg, err := Load("/nonexistent/quorumq.yaml")
	require.NoError(t, err)
	assert.Equal(t, "node1", cfg.Node.ID)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
node:
  id: node2
  data_dir: /var/lib/quorumq
cluster:
  bind_addr: ":9401"
  peers:
    node1: "http://10.0.0.1:9400"
    node3: "http://10.0.0.3:9400"
raft:
  bind_addr: "10.0.0.2:7400"
  election_timeout: 5s
storage:
  type: memory
log:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node2", cfg.Node.ID)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 5*time.Second, cfg.Raft.ElectionTimeout)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, time.Second, cfg.Raft.HeartbeatTimeout)
	assert.Equal(t, ":9500", cfg.HTTP.Addr)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node: [not a map"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default", func(*Config) {}, true},
		{"empty node id", func(c *Config) { c.Node.ID = "" }, false},
		{"empty data dir", func(c *Config) { c.Node.DataDir = "" }, false},
		{"empty raft addr", func(c *Config) { c.Raft.BindAddr = "" }, false},
		{"negative soft limit", func(c *Config) { c.Queue.SessionSoftLimit = -1 }, false},
		{"unknown storage", func(c *Config) { c.Storage.Type = "etcd" }, false},
		{"badger without dir", func(c *Config) { c.Storage.BadgerDir = "" }, false},
		{"memory without dir", func(c *Config) { c.Storage.Type = "memory"; c.Storage.BadgerDir = "" }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, false},
		{"http enabled without addr", func(c *Config) { c.HTTP.Addr = "" }, false},
		{"http disabled without addr", func(c *Config) { c.HTTP.Enabled = false; c.HTTP.Addr = "" }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestMembers(t *testing.T) {
	cfg := Default()
	cfg.Node.ID = "node1"
	cfg.Cluster.Peers = map[string]string{
		"node2": "http://10.0.0.2:9400",
		"node3": "http://10.0.0.3:9400",
		// A peer entry for ourselves is ignored.
		"node1": "http://10.0.0.1:9400",
	}

	assert.ElementsMatch(t, []string{"node1", "node2", "node3"}, cfg.Members())
}
