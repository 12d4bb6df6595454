// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	// Construction with an invalid config is terminal: the client refuses
	// to start rather than entering a retry loop it can never win.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Config is the complete camwire client configuration. All inputs are
// externally supplied and validated at construction time.
type Config struct {
	// Endpoint is the websocket URL of the camera service (ws:// or wss://).
	Endpoint string `yaml:"endpoint"`

	// PollEndpoint is the HTTP mirror used by the polling fallback.
	// When empty it is derived from Endpoint by swapping the scheme
	// (ws -> http, wss -> https).
	PollEndpoint string `yaml:"poll_endpoint,omitempty"`

	Transport TransportConfig `yaml:"transport"`
	Calls     CallsConfig     `yaml:"calls"`
	Poll      PollConfig      `yaml:"poll"`
	Log       LogConfig       `yaml:"log"`
}

// TransportConfig configures the connection manager.
type TransportConfig struct {
	// BackoffBase is the initial reconnect delay.
	// Default: 1s
	BackoffBase time.Duration `yaml:"backoff_base"`

	// BackoffMax caps the reconnect delay.
	// Default: 30s
	BackoffMax time.Duration `yaml:"backoff_max"`

	// HeartbeatInterval is the liveness probe period. Three consecutive
	// missed heartbeats force a reconnect.
	// Default: 15s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HandshakeTimeout bounds the websocket dial.
	// Default: 10s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// DegradedAfterAttempts is the reconnect attempt count after which the
	// client enters degraded (polling) mode. Zero disables the count trigger.
	// Default: 5
	DegradedAfterAttempts int `yaml:"degraded_after_attempts"`

	// DegradedAfterElapsed is the outage duration after which the client
	// enters degraded mode, whichever of the two thresholds trips first.
	// Zero disables the elapsed trigger.
	// Default: 30s
	DegradedAfterElapsed time.Duration `yaml:"degraded_after_elapsed"`
}

// CallsConfig configures the correlation table.
type CallsConfig struct {
	// DefaultTimeout applies to calls issued without an explicit timeout.
	// Default: 10s
	DefaultTimeout time.Duration `yaml:"default_timeout"`

	// MaxInFlight bounds outstanding calls. Zero means unbounded.
	// Default: 256
	MaxInFlight int `yaml:"max_in_flight"`

	// SweepInterval is how often expired deadlines are collected.
	// Default: 500ms
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// PollConfig configures the polling fallback service.
type PollConfig struct {
	// Interval between status polls while degraded.
	// Default: 5s
	Interval time.Duration `yaml:"interval"`

	// RequestTimeout bounds each poll request.
	// Default: 10s
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level sets the minimum log level (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Format sets the output format (json, text).
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults. The endpoint has no
// default and must be supplied.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			BackoffBase:           time.Second,
			BackoffMax:            30 * time.Second,
			HeartbeatInterval:     15 * time.Second,
			HandshakeTimeout:      10 * time.Second,
			DegradedAfterAttempts: 5,
			DegradedAfterElapsed:  30 * time.Second,
		},
		Calls: CallsConfig{
			DefaultTimeout: 10 * time.Second,
			MaxInFlight:    256,
			SweepInterval:  500 * time.Millisecond,
		},
		Poll: PollConfig{
			Interval:       5 * time.Second,
			RequestTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file, applies environment overrides, and fills
// defaults. A missing path yields the defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	cfg.FillDefaults()
	return cfg, nil
}

// applyEnv applies environment variable overrides.
// Supported: CAMWIRE_ENDPOINT, CAMWIRE_POLL_ENDPOINT.
func (c *Config) applyEnv() {
	if v := os.Getenv("CAMWIRE_ENDPOINT"); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("CAMWIRE_POLL_ENDPOINT"); v != "" {
		c.PollEndpoint = v
	}
}

// FillDefaults replaces zero values left by a partial YAML document.
func (c *Config) FillDefaults() {
	def := Default()
	if c.Transport.BackoffBase <= 0 {
		c.Transport.BackoffBase = def.Transport.BackoffBase
	}
	if c.Transport.BackoffMax <= 0 {
		c.Transport.BackoffMax = def.Transport.BackoffMax
	}
	if c.Transport.HeartbeatInterval <= 0 {
		c.Transport.HeartbeatInterval = def.Transport.HeartbeatInterval
	}
	if c.Transport.HandshakeTimeout <= 0 {
		c.Transport.HandshakeTimeout = def.Transport.HandshakeTimeout
	}
	if c.Calls.DefaultTimeout <= 0 {
		c.Calls.DefaultTimeout = def.Calls.DefaultTimeout
	}
	if c.Calls.SweepInterval <= 0 {
		c.Calls.SweepInterval = def.Calls.SweepInterval
	}
	if c.Poll.Interval <= 0 {
		c.Poll.Interval = def.Poll.Interval
	}
	if c.Poll.RequestTimeout <= 0 {
		c.Poll.RequestTimeout = def.Poll.RequestTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
	if c.PollEndpoint == "" {
		c.PollEndpoint = derivePollEndpoint(c.Endpoint)
	}
}

// derivePollEndpoint maps a websocket URL to its HTTP mirror.
func derivePollEndpoint(endpoint string) string {
	switch {
	case strings.HasPrefix(endpoint, "wss://"):
		return "https://" + strings.TrimPrefix(endpoint, "wss://")
	case strings.HasPrefix(endpoint, "ws://"):
		return "http://" + strings.TrimPrefix(endpoint, "ws://")
	default:
		return ""
	}
}

// Validate checks the configuration. A malformed endpoint is a terminal
// configuration error, not something the reconnect loop can recover from.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required", ErrInvalidConfig)
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("%w: endpoint scheme must be ws or wss, got %q", ErrInvalidConfig, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: endpoint has no host", ErrInvalidConfig)
	}

	if c.PollEndpoint != "" {
		pu, err := url.Parse(c.PollEndpoint)
		if err != nil {
			return fmt.Errorf("%w: poll_endpoint: %v", ErrInvalidConfig, err)
		}
		if pu.Scheme != "http" && pu.Scheme != "https" {
			return fmt.Errorf("%w: poll_endpoint scheme must be http or https, got %q", ErrInvalidConfig, pu.Scheme)
		}
	}

	if c.Transport.BackoffBase > c.Transport.BackoffMax {
		return fmt.Errorf("%w: backoff_base exceeds backoff_max", ErrInvalidConfig)
	}
	if c.Transport.DegradedAfterAttempts == 0 && c.Transport.DegradedAfterElapsed == 0 {
		return fmt.Errorf("%w: at least one degraded-mode threshold must be set", ErrInvalidConfig)
	}
	if c.Calls.MaxInFlight < 0 {
		return fmt.Errorf("%w: max_in_flight must not be negative", ErrInvalidConfig)
	}

	return nil
}
