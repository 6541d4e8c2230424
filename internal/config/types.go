package config

import (
	"strings"
	"time"

	"github.com/mattjoyce/courier/internal/message"
)

// Config represents the complete courier configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	State     StateConfig     `yaml:"state"`
	Peer      string          `yaml:"peer"`
	Transport TransportConfig `yaml:"transport"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	API       APIConfig       `yaml:"api,omitempty"`
	Include   []string        `yaml:"include,omitempty"`

	// Files lists every file the configuration was assembled from, root first.
	Files []string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name             string        `yaml:"name"`
	LogLevel         string        `yaml:"log_level"`
	LogFormat        string        `yaml:"log_format"`
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// TransportConfig selects and configures the peer transport.
type TransportConfig struct {
	Kind         string         `yaml:"kind"` // "websocket" or "loopback"
	URL          string         `yaml:"url,omitempty"`
	Token        string         `yaml:"token,omitempty"`
	DialTimeout  time.Duration  `yaml:"dial_timeout"`
	WriteTimeout time.Duration  `yaml:"write_timeout"`
	Loopback     LoopbackConfig `yaml:"loopback,omitempty"`
}

// LoopbackConfig tunes the in-memory peer.
type LoopbackConfig struct {
	ReplyDelay time.Duration `yaml:"reply_delay"`
	Responder  string        `yaml:"responder"` // "echo" or "silent"
}

// DispatchConfig defines queueing and send pacing.
type DispatchConfig struct {
	QueueCapacity   int                  `yaml:"queue_capacity"`
	ResponseTimeout time.Duration        `yaml:"response_timeout"`
	MaxInFlight     int                  `yaml:"max_in_flight"`
	RateLimit       float64              `yaml:"rate_limit"` // sends per second, 0 = unlimited
	RateBurst       int                  `yaml:"rate_burst"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Priorities adds or renumbers named tiers on top of the defaults.
	Priorities map[string]int `yaml:"priorities,omitempty"`
}

// CircuitBreakerConfig defines circuit breaker settings. Threshold 0 disables
// the breaker.
type CircuitBreakerConfig struct {
	Threshold  int           `yaml:"threshold"`
	ResetAfter time.Duration `yaml:"reset_after"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (full access).
	// Prefer Tokens for scoped access.
	APIKey string     `yaml:"api_key"`
	Tokens []APIToken `yaml:"tokens,omitempty"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:             "courier",
			LogLevel:         "info",
			LogFormat:        "json",
			JournalRetention: 7 * 24 * time.Hour,
		},
		State: StateConfig{
			Path: "./data/courier.db",
		},
		Peer: "GrokAI",
		Transport: TransportConfig{
			Kind:         "loopback",
			DialTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Loopback: LoopbackConfig{
				ReplyDelay: 200 * time.Millisecond,
				Responder:  "echo",
			},
		},
		Dispatch: DispatchConfig{
			QueueCapacity:   1000,
			ResponseTimeout: 30 * time.Second,
			RateBurst:       1,
			CircuitBreaker: CircuitBreakerConfig{
				Threshold:  5,
				ResetAfter: 30 * time.Second,
			},
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}

// Tiers returns the default priority tiers overlaid with configured ones.
func (c *Config) Tiers() message.Tiers {
	tiers := message.DefaultTiers()
	for name, v := range c.Dispatch.Priorities {
		tiers[strings.ToLower(name)] = message.Priority(v)
	}
	return tiers
}
