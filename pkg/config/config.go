package config

import (
	"fmt"
	"os"
	"time"

	"github.com/huskyhao/ScreenShare/pkg/validation"

	"gopkg.in/yaml.v2"
)

// ICEServer describes one STUN or TURN entry handed to peers. TURN
// credentials are optional and passed through verbatim.
type ICEServer struct {
	URLs       []string `yaml:"urls" json:"urls"`
	Username   string   `yaml:"username,omitempty" json:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty" json:"credential,omitempty"`
}

type Config struct {
	Signal struct {
		Address         string        `yaml:"address"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	Signaling struct {
		URL             string        `yaml:"url"`
		ConnectAttempts int           `yaml:"connect_attempts"`
		ConnectInterval time.Duration `yaml:"connect_interval"`
		ConnectTimeout  time.Duration `yaml:"connect_timeout"`
		ReplyTimeout    time.Duration `yaml:"reply_timeout"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers           []ICEServer   `yaml:"ice_servers"`
		GatheringTimeout     time.Duration `yaml:"gathering_timeout"`
		NegotiationTimeout   time.Duration `yaml:"negotiation_timeout"`
		OfferGracePeriod     time.Duration `yaml:"offer_grace_period"`
		ReconnectMaxFailures int           `yaml:"reconnect_max_failures"`
		ReconnectInterval    time.Duration `yaml:"reconnect_interval"`
		StatsInterval        time.Duration `yaml:"stats_interval"`
		ControlRetransmits   uint16        `yaml:"control_retransmits"`
	} `yaml:"webrtc"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		MessagesPerSecond float64 `yaml:"messages_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}
	if c.Signal.WriteTimeout <= 0 {
		return fmt.Errorf("signal.write_timeout must be > 0")
	}
	if c.Signal.ShutdownTimeout <= 0 {
		return fmt.Errorf("signal.shutdown_timeout must be > 0")
	}

	if err := validation.ValidateSignalingURL(c.Signaling.URL); err != nil {
		return fmt.Errorf("signaling.url: %w", err)
	}
	if c.Signaling.ConnectAttempts <= 0 {
		return fmt.Errorf("signaling.connect_attempts must be > 0")
	}
	if c.Signaling.ConnectInterval <= 0 {
		return fmt.Errorf("signaling.connect_interval must be > 0")
	}
	if c.Signaling.ConnectTimeout <= 0 {
		return fmt.Errorf("signaling.connect_timeout must be > 0")
	}
	if c.Signaling.ReplyTimeout <= 0 {
		return fmt.Errorf("signaling.reply_timeout must be > 0")
	}

	if c.WebRTC.GatheringTimeout <= 0 {
		return fmt.Errorf("webrtc.gathering_timeout must be > 0")
	}
	if c.WebRTC.NegotiationTimeout <= 0 {
		return fmt.Errorf("webrtc.negotiation_timeout must be > 0")
	}
	if c.WebRTC.OfferGracePeriod <= 0 {
		return fmt.Errorf("webrtc.offer_grace_period must be > 0")
	}
	if c.WebRTC.ReconnectMaxFailures <= 0 {
		return fmt.Errorf("webrtc.reconnect_max_failures must be > 0")
	}
	if c.WebRTC.ReconnectInterval <= 0 {
		return fmt.Errorf("webrtc.reconnect_interval must be > 0")
	}
	if c.WebRTC.StatsInterval <= 0 {
		return fmt.Errorf("webrtc.stats_interval must be > 0")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name must not be empty when tracing is enabled")
		}
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides. A missing file is not an error: defaults apply.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Signal.Address = ":8081"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Signaling.URL = "ws://localhost:8081/ws"
	cfg.Signaling.ConnectAttempts = 3
	cfg.Signaling.ConnectInterval = 2 * time.Second
	cfg.Signaling.ConnectTimeout = 15 * time.Second
	cfg.Signaling.ReplyTimeout = 10 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
	}
	cfg.WebRTC.GatheringTimeout = 10 * time.Second
	cfg.WebRTC.NegotiationTimeout = 30 * time.Second
	cfg.WebRTC.OfferGracePeriod = 3 * time.Second
	cfg.WebRTC.ReconnectMaxFailures = 3
	cfg.WebRTC.ReconnectInterval = 5 * time.Second
	cfg.WebRTC.StatsInterval = 5 * time.Second
	cfg.WebRTC.ControlRetransmits = 3

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "screenshare-relay"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.MessagesPerSecond = 100
	cfg.RateLimiting.Burst = 200

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("SCREENSHARE_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("SCREENSHARE_SIGNALING_URL"); url != "" {
		c.Signaling.URL = url
	}
	if level := os.Getenv("SCREENSHARE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if url := os.Getenv("SCREENSHARE_JAEGER_URL"); url != "" {
		c.Tracing.JaegerURL = url
	}
}
