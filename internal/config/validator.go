package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

var (
	validLogLevels      = []string{"debug", "info", "warn", "error"}
	validStoreDrivers   = []string{"file", "sqlite", "redis"}
	validAdapterDrivers = []string{"bridge", "fake"}
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP port number
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateCredentials requires at least one Basic pair or API key.
func (v *Validator) ValidateCredentials(auth AuthConfig) error {
	if (auth.Username == "") != (auth.Password == "") {
		return fmt.Errorf("auth: username and password must be set together")
	}
	for i, key := range auth.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("auth: api key %d is empty", i)
		}
	}
	if auth.Password == "" && len(auth.APIKeys) == 0 {
		return fmt.Errorf("no API credentials configured: set auth.username/auth.password or auth.api_keys")
	}
	return nil
}

// ValidateStoreDriver validates the snapshot backend name
func (v *Validator) ValidateStoreDriver(driver string) error {
	return oneOf("store driver", driver, validStoreDrivers)
}

// ValidateAdapterDriver validates the chat client driver name
func (v *Validator) ValidateAdapterDriver(driver string) error {
	return oneOf("adapter driver", driver, validAdapterDrivers)
}

// ValidateBridgeURL requires a ws:// or wss:// endpoint.
func (v *Validator) ValidateBridgeURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("adapter bridge_url is required when driver is bridge")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid adapter bridge_url: %w", err)
	}
	if (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("invalid adapter bridge_url %q (must be ws:// or wss://)", raw)
	}
	return nil
}

// ValidateCheckpoint validates the checkpoint cron spec. Empty disables checkpoints.
func (v *Validator) ValidateCheckpoint(spec string) error {
	if spec == "" {
		return nil
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid store checkpoint schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateTrustedProxies requires every entry to be an IP address or a CIDR block.
func (v *Validator) ValidateTrustedProxies(proxies []string) error {
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if net.ParseIP(p) != nil {
			continue
		}
		if _, _, err := net.ParseCIDR(p); err != nil {
			return fmt.Errorf("invalid server trusted proxy %q (must be an IP or CIDR)", p)
		}
	}
	return nil
}

// ValidateSampleRatio validates the tracing sample ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1, got %v", ratio)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	return oneOf("log level", level, validLogLevels)
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(v.ValidatePort(cfg.Server.Port))
	if cfg.Server.RateLimitPerMinute < 0 {
		add(fmt.Errorf("server.rate_limit_per_minute must be >= 0"))
	}
	if cfg.Server.ReadTimeout < 0 {
		add(fmt.Errorf("server.read_timeout must be >= 0"))
	}
	add(v.ValidateTrustedProxies(cfg.Server.TrustedProxies))

	add(v.ValidateCredentials(cfg.Auth))

	add(v.ValidateStoreDriver(cfg.Store.Driver))
	if cfg.Store.Driver == "redis" && cfg.Store.RedisAddr == "" {
		add(fmt.Errorf("store.redis_addr is required when driver is redis"))
	}
	add(v.ValidateCheckpoint(cfg.Store.Checkpoint))

	if cfg.Dispatch.Timeout < 0 {
		add(fmt.Errorf("dispatch.timeout must be >= 0"))
	}
	if cfg.Dispatch.QueueSize < 0 {
		add(fmt.Errorf("dispatch.queue_size must be >= 0"))
	}

	add(v.ValidateAdapterDriver(cfg.Adapter.Driver))
	if cfg.Adapter.Driver == "bridge" {
		add(v.ValidateBridgeURL(cfg.Adapter.BridgeURL))
	}
	if cfg.Adapter.InitTimeout < 0 {
		add(fmt.Errorf("adapter.init_timeout must be >= 0"))
	}

	if cfg.ShutdownGrace < 0 {
		add(fmt.Errorf("shutdown_grace must be >= 0"))
	}

	add(v.ValidateLogLevel(cfg.Logging.Level))
	if cfg.Tracing.Enabled {
		add(v.ValidateSampleRatio(cfg.Tracing.SampleRatio))
	}

	return errs
}

func oneOf(what, value string, valid []string) error {
	for _, ok := range valid {
		if value == ok {
			return nil
		}
	}
	return fmt.Errorf("invalid %s: %q (must be one of: %s)", what, value, strings.Join(valid, ", "))
}
