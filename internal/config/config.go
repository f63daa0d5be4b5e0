package config

import (
	"encoding/json"
	"errors"
	"time"
)

// Config represents the chatgate configuration file (~/.chatgate/chatgate.json).
type Config struct {
	Server   ServerConfig   `json:"server" mapstructure:"server"`
	Auth     AuthConfig     `json:"auth" mapstructure:"auth"`
	Store    StoreConfig    `json:"store" mapstructure:"store"`
	Dispatch DispatchConfig `json:"dispatch" mapstructure:"dispatch"`
	Adapter  AdapterConfig  `json:"adapter" mapstructure:"adapter"`
	Logging  LoggingConfig  `json:"logging" mapstructure:"logging"`
	Tracing  TracingConfig  `json:"tracing" mapstructure:"tracing"`

	// Seconds allowed for teardown after a shutdown signal.
	ShutdownGrace int `json:"shutdown_grace" mapstructure:"shutdown_grace"`

	// Data directory, defaults to ~/.chatgate
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds control-plane listener settings
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
	ReadTimeout        int    `json:"read_timeout" mapstructure:"read_timeout"` // seconds

	// Peers (IPs or CIDRs) allowed to supply X-Forwarded-For / X-Real-IP.
	TrustedProxies []string `json:"trusted_proxies" mapstructure:"trusted_proxies"`
}

// AuthConfig holds control-plane credentials. Basic and bearer may both be set.
type AuthConfig struct {
	Username string   `json:"username" mapstructure:"username"`
	Password string   `json:"password" mapstructure:"password"`
	APIKeys  []string `json:"api_keys" mapstructure:"api_keys"`
}

// StoreConfig selects the snapshot backend
type StoreConfig struct {
	Driver     string `json:"driver" mapstructure:"driver"` // file, sqlite, redis
	Path       string `json:"path" mapstructure:"path"`
	RedisAddr  string `json:"redis_addr" mapstructure:"redis_addr"`
	RedisKey   string `json:"redis_key" mapstructure:"redis_key"`
	Checkpoint string `json:"checkpoint" mapstructure:"checkpoint"` // cron spec, empty disables
}

// DispatchConfig holds webhook delivery settings
type DispatchConfig struct {
	Timeout       int    `json:"timeout" mapstructure:"timeout"` // seconds
	QueueSize     int    `json:"queue_size" mapstructure:"queue_size"`
	SigningSecret string `json:"signing_secret" mapstructure:"signing_secret"`
	UserAgent     string `json:"user_agent" mapstructure:"user_agent"`
}

// AdapterConfig selects the chat client implementation
type AdapterConfig struct {
	Driver      string `json:"driver" mapstructure:"driver"` // bridge, fake
	BridgeURL   string `json:"bridge_url" mapstructure:"bridge_url"`
	InitTimeout int    `json:"init_timeout" mapstructure:"init_timeout"` // seconds
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// TracingConfig toggles OpenTelemetry span export
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"` // 0..1 of new traces
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			RateLimitPerMinute: 120,
			ReadTimeout:        15,
			TrustedProxies:     []string{},
		},
		Auth: AuthConfig{
			APIKeys: []string{},
		},
		Store: StoreConfig{
			Driver:     "file",
			RedisKey:   "chatgate:snapshot",
			Checkpoint: "@every 5m",
		},
		Dispatch: DispatchConfig{
			Timeout:   10,
			QueueSize: 1024,
			UserAgent: "chatgate-webhook/1.0",
		},
		Adapter: AdapterConfig{
			Driver:      "bridge",
			BridgeURL:   "ws://127.0.0.1:3001/session",
			InitTimeout: 60,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "chatgate",
			SampleRatio: 1,
		},
		ShutdownGrace: 10,
	}
}

// String returns a JSON representation of the config with credentials masked.
func (c *Config) String() string {
	masked := *c
	if masked.Auth.Password != "" {
		masked.Auth.Password = "****"
	}
	if len(masked.Auth.APIKeys) > 0 {
		keys := make([]string, len(masked.Auth.APIKeys))
		for i := range keys {
			keys[i] = "****"
		}
		masked.Auth.APIKeys = keys
	}
	if masked.Dispatch.SigningSecret != "" {
		masked.Dispatch.SigningSecret = "****"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Validate checks the configuration, joining every problem found.
func (c *Config) Validate() error {
	return errors.Join(NewValidator().ValidateConfig(c)...)
}

// ShutdownGraceDuration returns the shutdown grace as a duration.
func (c *Config) ShutdownGraceDuration() time.Duration {
	return seconds(c.ShutdownGrace, 10)
}

// ReadTimeoutDuration returns the server read timeout.
func (s ServerConfig) ReadTimeoutDuration() time.Duration {
	return seconds(s.ReadTimeout, 15)
}

// TimeoutDuration returns the per-delivery timeout.
func (d DispatchConfig) TimeoutDuration() time.Duration {
	return seconds(d.Timeout, 10)
}

// InitTimeoutDuration returns the adapter initialization timeout.
func (a AdapterConfig) InitTimeoutDuration() time.Duration {
	return seconds(a.InitTimeout, 60)
}

func seconds(v, fallback int) time.Duration {
	if v <= 0 {
		v = fallback
	}
	return time.Duration(v) * time.Second
}
