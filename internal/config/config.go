// Package config provides configuration management for the KeyDB server.
package config

import (
	"encoding/json"
	"os"
	"time"
)

// Maxmemory eviction policies. The policy only selects the semantics of the
// per-object clock field (LRU tick vs LFU counter); eviction itself is driven
// by higher layers.
const (
	PolicyNoEviction  = "noeviction"
	PolicyAllKeysLRU  = "allkeys-lru"
	PolicyAllKeysLFU  = "allkeys-lfu"
	PolicyVolatileLRU = "volatile-lru"
	PolicyVolatileLFU = "volatile-lfu"
)

// Config holds the KeyDB server configuration.
type Config struct {
	// Server settings
	Addr    string `json:"addr"`
	DataDir string `json:"data_dir"`

	// Logging
	LogLevel string `json:"log_level"`

	// Performance
	MaxClients   int           `json:"max_clients"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`

	// Keyspace
	Databases       int    `json:"databases"`
	MaxMemoryPolicy string `json:"maxmemory_policy"`

	// Lazy freeing
	LazyFreeServerDel bool `json:"lazyfree_lazy_server_del"`
	LazyFreeExpire    bool `json:"lazyfree_lazy_expire"`

	// Replication / cluster
	ClusterEnabled bool `json:"cluster_enabled"`
	ActiveReplica  bool `json:"active_replica"`
	ReplicaRO      bool `json:"repl_slave_ro"`

	// Persistence
	StorageBackend bool `json:"storage_backend"`
	AppendOnly     bool `json:"appendonly"`
	SyncWrites     bool `json:"sync_writes"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":6379",
		DataDir:         "data",
		LogLevel:        "info",
		MaxClients:      10000,
		ReadTimeout:     0, // No timeout
		WriteTimeout:    0, // No timeout
		Databases:       16,
		MaxMemoryPolicy: PolicyNoEviction,
		ClusterEnabled:  false,
		ActiveReplica:   false,
		ReplicaRO:       true,
		StorageBackend:  false,
		SyncWrites:      true,
	}
}

// LFUEnabled reports whether the configured policy scores keys with the
// logarithmic access counter rather than the LRU clock.
func (c *Config) LFUEnabled() bool {
	return c.MaxMemoryPolicy == PolicyAllKeysLFU || c.MaxMemoryPolicy == PolicyVolatileLFU
}

// Load loads configuration from a JSON file.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves the configuration to a JSON file.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
