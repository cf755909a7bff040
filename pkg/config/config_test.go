package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 16384, cfg.ChunkSize)
	assert.Equal(t, 50*time.Millisecond, cfg.PaceInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatTimeout)
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.Equal(t, PolicyBoth, cfg.EncryptionPolicy)
	assert.Equal(t, 3, cfg.MaxEncryptionRetries)
	assert.NoError(t, cfg.Validate())

	// The largest allowed file still fits in MaxChunks at the default chunk size
	assert.LessOrEqual(t, (cfg.MaxFileSize+int64(cfg.ChunkSize)-1)/int64(cfg.ChunkSize), int64(cfg.MaxChunks))
}

func TestDefaultAPIIsLocalOnly(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.API.Host)
	assert.False(t, cfg.API.EnableCORS)
	assert.Empty(t, cfg.API.CORSOrigins)
}

func TestPolicyNegotiate(t *testing.T) {
	for _, local := range []bool{true, false} {
		for _, remote := range []bool{true, false} {
			assert.Equal(t, local && remote, PolicyBoth.Negotiate(local, remote), "both(%v,%v)", local, remote)
			assert.Equal(t, local || remote, PolicyEither.Negotiate(local, remote), "either(%v,%v)", local, remote)
		}
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.yaml")
	data := `
chunk_size: 8192
pace_interval: 10ms
heartbeat_interval: 5s
heartbeat_timeout: 20s
encryption_policy: either
node:
  port: 4001
  bootstrap_peers:
    - /ip4/127.0.0.1/tcp/4002/p2p/12D3KooWExample
api:
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8192, cfg.ChunkSize)
	assert.Equal(t, 10*time.Millisecond, cfg.PaceInterval)
	assert.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, PolicyEither, cfg.EncryptionPolicy)
	assert.Equal(t, 4001, cfg.Node.Port)
	assert.Len(t, cfg.Node.BootstrapPeers, 1)
	assert.Equal(t, 9090, cfg.API.Port)

	// Untouched fields keep their defaults
	assert.Equal(t, 30*time.Second, cfg.HandshakeTimeout)
	assert.True(t, cfg.Node.EnableDHT)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("encryption_policy: sometimes\n"), 0600))

	_, err = Load(path)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"Negative pace", func(c *Config) { c.PaceInterval = -time.Millisecond }},
		{"Timeout not above interval", func(c *Config) { c.HeartbeatTimeout = c.HeartbeatInterval }},
		{"Unknown policy", func(c *Config) { c.EncryptionPolicy = "never" }},
		{"Zero handshake timeout", func(c *Config) { c.HandshakeTimeout = 0 }},
		{"Zero queue", func(c *Config) { c.EventQueueSize = 0 }},
		{"Chunk above incoming limit", func(c *Config) { c.MaxChunkSize = c.ChunkSize - 1 }},
		{"Zero max chunks", func(c *Config) { c.MaxChunks = 0 }},
		{"Zero max file size", func(c *Config) { c.MaxFileSize = 0 }},
		{"Zero transfer timeout", func(c *Config) { c.TransferTimeout = 0 }},
		{"Backoff max below base", func(c *Config) { c.Reconnect.Max = time.Millisecond }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	logger, err = NewLogger("")
	require.NoError(t, err)
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel())

	_, err = NewLogger("chatty")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/tmp/peer"

	assert.Equal(t, "/tmp/peer/peer.db", cfg.DatabasePath())
	assert.Equal(t, "/tmp/peer/downloads", cfg.DownloadsDir())
}
