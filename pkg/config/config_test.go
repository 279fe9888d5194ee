package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8081", cfg.Signal.Address)
	assert.Equal(t, 3, cfg.WebRTC.ReconnectMaxFailures)
	assert.Equal(t, 5*time.Second, cfg.WebRTC.ReconnectInterval)
	assert.Equal(t, uint16(3), cfg.WebRTC.ControlRetransmits)
	assert.NotEmpty(t, cfg.WebRTC.ICEServers)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Signal.Address, cfg.Signal.Address)
}

func TestLoadFromFile(t *testing.T) {
	content := `
signal:
  address: ":9090"
webrtc:
  reconnect_max_failures: 5
  reconnect_interval: 10s
logging:
  level: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Signal.Address)
	assert.Equal(t, 5, cfg.WebRTC.ReconnectMaxFailures)
	assert.Equal(t, 10*time.Second, cfg.WebRTC.ReconnectInterval)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unspecified fields keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.WebRTC.NegotiationTimeout)
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	content := `
signaling:
  url: "http://not-a-websocket"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCREENSHARE_SIGNALING_URL", "wss://relay.example.com/ws")
	t.Setenv("SCREENSHARE_LOG_LEVEL", "warn")

	cfg, err := Load("/nonexistent/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/ws", cfg.Signaling.URL)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestValidateCatchesBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty address", func(c *Config) { c.Signal.Address = "" }},
		{"bad signaling scheme", func(c *Config) { c.Signaling.URL = "http://example.com" }},
		{"zero reconnect failures", func(c *Config) { c.WebRTC.ReconnectMaxFailures = 0 }},
		{"zero grace period", func(c *Config) { c.WebRTC.OfferGracePeriod = 0 }},
		{"zero stats interval", func(c *Config) { c.WebRTC.StatsInterval = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestClientView(t *testing.T) {
	cfg := DefaultConfig()
	view := cfg.ClientView()

	assert.Equal(t, cfg.Signaling.URL, view.SignalingURL)
	assert.Equal(t, cfg.WebRTC.ICEServers, view.ICEServers)
	assert.Equal(t, cfg.WebRTC.ReconnectMaxFailures, view.Timing.ReconnectMaxFailures)
	assert.Equal(t, cfg.WebRTC.StatsInterval, view.Timing.StatsInterval)
}
