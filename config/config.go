// Package config handles configuration persistence for the ForgeIO gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Namespace string         `yaml:"namespace"` // Instance namespace for topic/key isolation
	Drivers   []DriverConfig `yaml:"drivers"`
	Tags      []TagConfig    `yaml:"tags,omitempty"`
	MQTT      []MQTTConfig   `yaml:"mqtt,omitempty"`
	Valkey    []ValkeyConfig `yaml:"valkey,omitempty"`
	Kafka     []KafkaConfig  `yaml:"kafka,omitempty"`
	Influx    []InfluxConfig `yaml:"influx,omitempty"`
	PollRate  time.Duration  `yaml:"poll_rate"` // Default poll cadence for tags without one

	// Data mutex protects all config fields against concurrent access.
	dataMu sync.Mutex `yaml:"-"`
}

// DriverConfig describes one configured device connection.
type DriverConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"` // Driver protocol name, e.g. "uasim"
	Address  string `yaml:"address"`  // Endpoint, connection string, or node-space seed

	PollRate       time.Duration `yaml:"poll_rate,omitempty"`       // Default cadence for this driver's tags
	RetryAttempts  int           `yaml:"retry_attempts,omitempty"`  // Connect attempts per window
	RetryDelay     time.Duration `yaml:"retry_delay,omitempty"`     // Initial backoff delay
	RetryBackoff   float64       `yaml:"retry_backoff,omitempty"`   // Backoff multiplier
	RetryDelayCap  time.Duration `yaml:"retry_delay_cap,omitempty"` // Upper bound on backoff delay
	ConnectTimeout time.Duration `yaml:"connect_timeout,omitempty"`
	StaleAfter     time.Duration `yaml:"stale_after,omitempty"` // Disconnection grace before tags go stale

	Params map[string]string `yaml:"params,omitempty"` // Protocol-specific options
}

// Retry/backoff defaults applied by Normalize.
const (
	DefaultRetryAttempts  = 5
	DefaultRetryDelay     = time.Second
	DefaultRetryBackoff   = 2.0
	DefaultRetryDelayCap  = 30 * time.Second
	DefaultConnectTimeout = 5 * time.Second
	DefaultStaleAfter     = 10 * time.Second
)

// Normalize fills zero-valued retry settings with defaults.
func (d *DriverConfig) Normalize() {
	if d.RetryAttempts <= 0 {
		d.RetryAttempts = DefaultRetryAttempts
	}
	if d.RetryDelay <= 0 {
		d.RetryDelay = DefaultRetryDelay
	}
	if d.RetryBackoff < 1 {
		d.RetryBackoff = DefaultRetryBackoff
	}
	if d.RetryDelayCap <= 0 {
		d.RetryDelayCap = DefaultRetryDelayCap
	}
	if d.ConnectTimeout <= 0 {
		d.ConnectTimeout = DefaultConnectTimeout
	}
	if d.StaleAfter <= 0 {
		d.StaleAfter = DefaultStaleAfter
	}
}

// AttrPair is one descriptive metadata attribute. Order is preserved.
type AttrPair struct {
	Key   string `yaml:"key"`
	Value string `yaml:"value"`
}

// TagConfig describes one tag to register at startup.
type TagConfig struct {
	Path     string        `yaml:"path"`
	DriverID string        `yaml:"driver_id"`
	Address  string        `yaml:"address"` // Driver-native address, opaque to the core
	PollRate time.Duration `yaml:"poll_rate,omitempty"`
	Metadata []AttrPair    `yaml:"metadata,omitempty"`
}

// MQTTConfig holds MQTT publisher configuration.
type MQTTConfig struct {
	Name     string `yaml:"name"`
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	ClientID string `yaml:"client_id"`
	UseTLS   bool   `yaml:"use_tls,omitempty"`
}

// ValkeyConfig holds Valkey/Redis publisher configuration.
type ValkeyConfig struct {
	Name           string        `yaml:"name"`
	Enabled        bool          `yaml:"enabled"`
	Address        string        `yaml:"address"` // host:port
	Password       string        `yaml:"password,omitempty"`
	Database       int           `yaml:"database"`
	UseTLS         bool          `yaml:"use_tls,omitempty"`
	KeyTTL         time.Duration `yaml:"key_ttl,omitempty"`         // 0 = no expiry
	PublishChanges bool          `yaml:"publish_changes,omitempty"` // Also publish to Pub/Sub
}

// KafkaConfig holds Kafka cluster configuration.
type KafkaConfig struct {
	Name         string        `yaml:"name"`
	Enabled      bool          `yaml:"enabled"`
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic,omitempty"` // Default: {namespace}.tags
	UseTLS       bool          `yaml:"use_tls,omitempty"`
	Username     string        `yaml:"username,omitempty"`
	Password     string        `yaml:"password,omitempty"`
	SASL         string        `yaml:"sasl,omitempty"` // plain, scram-sha-256, scram-sha-512
	RequiredAcks int           `yaml:"required_acks,omitempty"` // -1=all, 0=none, 1=leader
	MaxRetries   int           `yaml:"max_retries,omitempty"`
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`
}

// InfluxConfig holds InfluxDB v2 historian configuration.
type InfluxConfig struct {
	Name          string `yaml:"name"`
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token,omitempty"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size,omitempty"`     // Default 100
	FlushInterval int    `yaml:"flush_interval,omitempty"` // Seconds, default 10
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Drivers:  []DriverConfig{},
		Tags:     []TagConfig{},
		MQTT:     []MQTTConfig{},
		Valkey:   []ValkeyConfig{},
		Kafka:    []KafkaConfig{},
		Influx:   []InfluxConfig{},
		PollRate: time.Second,
	}
}

// DefaultPath returns the default configuration file path (~/.forgeio/config.yaml).
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".forgeio", "config.yaml")
}

// Load reads configuration from a YAML file. A missing file yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		return cfg, nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	for i := range cfg.Drivers {
		cfg.Drivers[i].Normalize()
	}
	if cfg.PollRate <= 0 {
		cfg.PollRate = time.Second
	}

	return cfg, nil
}

// Save marshals the configuration and writes it to the given path.
func (c *Config) Save(path string) error {
	c.dataMu.Lock()
	data, err := yaml.Marshal(c)
	c.dataMu.Unlock()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// FindDriver returns the driver config with the given id, or nil if not found.
func (c *Config) FindDriver(id string) *DriverConfig {
	for i := range c.Drivers {
		if c.Drivers[i].ID == id {
			return &c.Drivers[i]
		}
	}
	return nil
}

// AddDriver adds a new driver configuration.
func (c *Config) AddDriver(d DriverConfig) {
	c.Drivers = append(c.Drivers, d)
}

// RemoveDriver removes a driver config by id.
func (c *Config) RemoveDriver(id string) bool {
	for i, d := range c.Drivers {
		if d.ID == id {
			c.Drivers = append(c.Drivers[:i], c.Drivers[i+1:]...)
			return true
		}
	}
	return false
}

// FindTag returns the tag config with the given path, or nil if not found.
func (c *Config) FindTag(path string) *TagConfig {
	for i := range c.Tags {
		if c.Tags[i].Path == path {
			return &c.Tags[i]
		}
	}
	return nil
}

// AddTag adds a new tag configuration.
func (c *Config) AddTag(t TagConfig) {
	c.Tags = append(c.Tags, t)
}

// RemoveTag removes a tag config by path.
func (c *Config) RemoveTag(path string) bool {
	for i, t := range c.Tags {
		if t.Path == path {
			c.Tags = append(c.Tags[:i], c.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.Namespace != "" && !IsValidNamespace(c.Namespace) {
		return fmt.Errorf("invalid namespace: must contain only alphanumeric characters, hyphens, underscores, and dots")
	}

	seen := make(map[string]bool, len(c.Drivers))
	for i := range c.Drivers {
		d := &c.Drivers[i]
		if d.ID == "" {
			return fmt.Errorf("driver %d: missing id", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate driver id: %s", d.ID)
		}
		seen[d.ID] = true
		if d.Protocol == "" {
			return fmt.Errorf("driver %s: missing protocol", d.ID)
		}
	}

	paths := make(map[string]bool, len(c.Tags))
	addrs := make(map[[2]string]string, len(c.Tags))
	for i := range c.Tags {
		t := &c.Tags[i]
		if t.Path == "" {
			return fmt.Errorf("tag %d: missing path", i)
		}
		if paths[t.Path] {
			return fmt.Errorf("duplicate tag path: %s", t.Path)
		}
		paths[t.Path] = true
		if !seen[t.DriverID] {
			return fmt.Errorf("tag %s: unknown driver id %q", t.Path, t.DriverID)
		}
		ak := [2]string{t.DriverID, t.Address}
		if other, dup := addrs[ak]; dup {
			return fmt.Errorf("tag %s: address %q on driver %s already mapped to %s",
				t.Path, t.Address, t.DriverID, other)
		}
		addrs[ak] = t.Path
	}
	return nil
}

// IsValidNamespace returns true if the namespace is valid.
// Valid namespaces contain only alphanumeric characters, hyphens, underscores, and dots.
func IsValidNamespace(ns string) bool {
	if ns == "" {
		return false
	}
	for _, r := range ns {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.') {
			return false
		}
	}
	return true
}
