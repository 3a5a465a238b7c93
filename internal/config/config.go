package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete OTA client configuration
type Config struct {
	ThingName        string       `yaml:"thing_name"`
	ShutdownTimeoutS int          `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	MQTT             MQTTConfig   `yaml:"mqtt"`
	OTA              OTAConfig    `yaml:"ota"`
	Jobs             JobsConfig   `yaml:"jobs"`
	Health           HealthConfig `yaml:"health"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Broker           string `yaml:"broker"`
	ClientID         string `yaml:"client_id"`          // defaults to thing_name
	KeepAliveS       int    `yaml:"keep_alive_s"`
	CommandTimeoutMS int    `yaml:"command_timeout_ms"` // bridge wait per publish/subscribe
	CommandQueue     int    `yaml:"command_queue"`      // commands in flight
	MaxSubscriptions int    `yaml:"max_subscriptions"`
}

// OTAConfig contains update engine and buffer pool settings
type OTAConfig struct {
	Buffers         int    `yaml:"buffers"`
	BlockSizeLog2   int    `yaml:"block_size_log2"` // stream block size is 1<<block_size_log2
	EventQueue      int    `yaml:"event_queue"`
	StatsIntervalMS int    `yaml:"stats_interval_ms"`
	LockTimeoutMS   int    `yaml:"lock_timeout_ms"`
	ImagePath       string `yaml:"image_path"`
	AppVersion      string `yaml:"app_version"`

	// BlocksPerRequest is capped by Buffers: a window larger than the pool
	// overruns it and the surplus blocks are dropped.
	BlocksPerRequest  int `yaml:"blocks_per_request"`
	RequestTimeoutMS  int `yaml:"request_timeout_ms"`  // re-request missing blocks after this long without progress
	MaxRequestRetries int `yaml:"max_request_retries"` // consecutive re-requests before the download fails
}

// JobsConfig contains custom job settings
type JobsConfig struct {
	DocMaxLen int `yaml:"doc_max_len"`
}

// HealthConfig contains the health/metrics HTTP listener
type HealthConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates YAML configuration data
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// BlockSize is the stream block size in bytes.
func (c *Config) BlockSize() int {
	return 1 << c.OTA.BlockSizeLog2
}

// MaxPayload is the largest inbound publish the client buffers: one stream block
// plus its CBOR framing and the MQTT headroom the broker adds.
func (c *Config) MaxPayload() int {
	return c.BlockSize() + blockOverhead
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.MQTT.CommandTimeoutMS) * time.Millisecond
}

func (c *Config) KeepAlive() time.Duration {
	return time.Duration(c.MQTT.KeepAliveS) * time.Second
}

func (c *Config) StatsInterval() time.Duration {
	return time.Duration(c.OTA.StatsIntervalMS) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.OTA.RequestTimeoutMS) * time.Millisecond
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.OTA.LockTimeoutMS) * time.Millisecond
}
