// Package config holds the node configuration and its YAML loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidConfig = errors.New("invalid config")
)

// Policy decides the final encryption flag from both sides' preferences
type Policy string

const (
	// PolicyBoth enables encryption only if both sides opted in
	PolicyBoth Policy = "both"
	// PolicyEither enables encryption if at least one side opted in
	PolicyEither Policy = "either"
)

// Negotiate returns the final encryption flag under p
func (p Policy) Negotiate(local, remote bool) bool {
	if p == PolicyEither {
		return local || remote
	}
	return local && remote
}

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	return p == PolicyBoth || p == PolicyEither
}

// ReconnectConfig configures the reconnect backoff
type ReconnectConfig struct {
	Base   time.Duration `yaml:"base"`
	Factor float64       `yaml:"factor"`
	Max    time.Duration `yaml:"max"`
}

// NodeConfig configures the libp2p node
type NodeConfig struct {
	Port           int      `yaml:"port"`
	BootstrapPeers []string `yaml:"bootstrap_peers"`
	EnableDHT      bool     `yaml:"enable_dht"`
}

// APIConfig configures the HTTP control API. It binds to loopback unless
// Host says otherwise.
type APIConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	EnableCORS  bool     `yaml:"enable_cors"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Config is passed to every component at construction time
type Config struct {
	// File transfer
	ChunkSize    int           `yaml:"chunk_size"`
	PaceInterval time.Duration `yaml:"pace_interval"`

	// Limits on what a peer may announce or leave buffered
	MaxFileSize     int64         `yaml:"max_file_size"`
	MaxChunkSize    int           `yaml:"max_chunk_size"`
	MaxChunks       int           `yaml:"max_chunks"`
	TransferTimeout time.Duration `yaml:"transfer_timeout"`

	// Liveness
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	// Connection handshake
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Encryption channel
	EncryptionPolicy     Policy        `yaml:"encryption_policy"`
	MaxEncryptionRetries int           `yaml:"max_encryption_retries"`
	EncryptionRetryDelay time.Duration `yaml:"encryption_retry_delay"`

	// Events buffered while no subscriber is attached
	EventQueueSize int `yaml:"event_queue_size"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
	Node      NodeConfig      `yaml:"node"`
	API       APIConfig       `yaml:"api"`

	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ChunkSize:            16 * 1024,
		PaceInterval:         50 * time.Millisecond,
		MaxFileSize:          1 << 30,
		MaxChunkSize:         1 << 20,
		MaxChunks:            1 << 16,
		TransferTimeout:      30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     30 * time.Second,
		HandshakeTimeout:     30 * time.Second,
		EncryptionPolicy:     PolicyBoth,
		MaxEncryptionRetries: 3,
		EncryptionRetryDelay: 500 * time.Millisecond,
		EventQueueSize:       256,
		Reconnect: ReconnectConfig{
			Base:   time.Second,
			Factor: 2,
			Max:    30 * time.Second,
		},
		Node: NodeConfig{
			Port:      9000,
			EnableDHT: true,
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8080,
		},
		DataDir:  "./peer-data",
		LogLevel: "info",
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for impossible values
func (c *Config) Validate() error {
	switch {
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk_size must be positive", ErrInvalidConfig)
	case c.PaceInterval < 0:
		return fmt.Errorf("%w: pace_interval must not be negative", ErrInvalidConfig)
	case c.MaxChunkSize < c.ChunkSize:
		return fmt.Errorf("%w: max_chunk_size must be at least chunk_size", ErrInvalidConfig)
	case c.MaxFileSize <= 0 || c.MaxChunks <= 0:
		return fmt.Errorf("%w: max_file_size and max_chunks must be positive", ErrInvalidConfig)
	case c.TransferTimeout <= 0:
		return fmt.Errorf("%w: transfer_timeout must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	case c.HeartbeatTimeout <= c.HeartbeatInterval:
		return fmt.Errorf("%w: heartbeat_timeout must exceed heartbeat_interval", ErrInvalidConfig)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("%w: handshake_timeout must be positive", ErrInvalidConfig)
	case !c.EncryptionPolicy.Valid():
		return fmt.Errorf("%w: unknown encryption_policy %q", ErrInvalidConfig, c.EncryptionPolicy)
	case c.MaxEncryptionRetries < 0:
		return fmt.Errorf("%w: max_encryption_retries must not be negative", ErrInvalidConfig)
	case c.EventQueueSize <= 0:
		return fmt.Errorf("%w: event_queue_size must be positive", ErrInvalidConfig)
	case c.Reconnect.Base <= 0 || c.Reconnect.Max < c.Reconnect.Base || c.Reconnect.Factor < 1:
		return fmt.Errorf("%w: reconnect needs 0 < base <= max and factor >= 1", ErrInvalidConfig)
	}
	return nil
}

// DatabasePath returns the sqlite database location
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "peer.db")
}

// DownloadsDir returns where received files are written
func (c *Config) DownloadsDir() string {
	return filepath.Join(c.DataDir, "downloads")
}
