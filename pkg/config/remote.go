package config

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// ClientConfig is the subset of configuration the relay serves to
// participants over HTTP: where to sign on, which ICE servers to use,
// and the timing knobs the coordinator runs with.
type ClientConfig struct {
	SignalingURL string      `json:"signalingUrl"`
	ICEServers   []ICEServer `json:"iceServers"`
	Timing       struct {
		ConnectAttempts      int           `json:"connectAttempts"`
		ConnectInterval      time.Duration `json:"connectIntervalMs"`
		ConnectTimeout       time.Duration `json:"connectTimeoutMs"`
		GatheringTimeout     time.Duration `json:"gatheringTimeoutMs"`
		NegotiationTimeout   time.Duration `json:"negotiationTimeoutMs"`
		ReconnectMaxFailures int           `json:"reconnectMaxFailures"`
		ReconnectInterval    time.Duration `json:"reconnectIntervalMs"`
		StatsInterval        time.Duration `json:"statsIntervalMs"`
	} `json:"timing"`
}

// ClientView derives the served subset from a full configuration.
func (c *Config) ClientView() ClientConfig {
	var view ClientConfig
	view.SignalingURL = c.Signaling.URL
	view.ICEServers = c.WebRTC.ICEServers
	view.Timing.ConnectAttempts = c.Signaling.ConnectAttempts
	view.Timing.ConnectInterval = c.Signaling.ConnectInterval
	view.Timing.ConnectTimeout = c.Signaling.ConnectTimeout
	view.Timing.GatheringTimeout = c.WebRTC.GatheringTimeout
	view.Timing.NegotiationTimeout = c.WebRTC.NegotiationTimeout
	view.Timing.ReconnectMaxFailures = c.WebRTC.ReconnectMaxFailures
	view.Timing.ReconnectInterval = c.WebRTC.ReconnectInterval
	view.Timing.StatsInterval = c.WebRTC.StatsInterval
	return view
}

// RemoteSource fetches ClientConfig from a relay's config endpoint and
// caches the first successful load for the process lifetime.
type RemoteSource struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	cached *ClientConfig
}

// NewRemoteSource creates a source for the given endpoint URL.
func NewRemoteSource(url string) *RemoteSource {
	return &RemoteSource{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Get returns the cached configuration, fetching it on first use.
func (r *RemoteSource) Get(ctx context.Context) (*ClientConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != nil {
		return r.cached, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build config request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("remote config endpoint returned %d", resp.StatusCode)
	}

	var cc ClientConfig
	if err := json.NewDecoder(resp.Body).Decode(&cc); err != nil {
		return nil, fmt.Errorf("failed to decode remote config: %w", err)
	}

	r.cached = &cc
	return r.cached, nil
}
