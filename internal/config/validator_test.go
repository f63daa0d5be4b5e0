package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator(t *testing.T) {
	v := NewValidator()

	t.Run("port", func(t *testing.T) {
		assert.NoError(t, v.ValidatePort(8080))
		assert.Error(t, v.ValidatePort(0))
		assert.Error(t, v.ValidatePort(70000))
	})

	t.Run("credentials", func(t *testing.T) {
		assert.NoError(t, v.ValidateCredentials(AuthConfig{Username: "a", Password: "b"}))
		assert.NoError(t, v.ValidateCredentials(AuthConfig{APIKeys: []string{"k"}}))
		assert.Error(t, v.ValidateCredentials(AuthConfig{Username: "a"}))
		assert.Error(t, v.ValidateCredentials(AuthConfig{APIKeys: []string{" "}}))
		assert.Error(t, v.ValidateCredentials(AuthConfig{}))
	})

	t.Run("drivers", func(t *testing.T) {
		for _, d := range []string{"file", "sqlite", "redis"} {
			assert.NoError(t, v.ValidateStoreDriver(d))
		}
		assert.Error(t, v.ValidateStoreDriver("postgres"))
		assert.NoError(t, v.ValidateAdapterDriver("bridge"))
		assert.NoError(t, v.ValidateAdapterDriver("fake"))
		assert.Error(t, v.ValidateAdapterDriver(""))
	})

	t.Run("bridge url", func(t *testing.T) {
		assert.NoError(t, v.ValidateBridgeURL("ws://127.0.0.1:3001/session"))
		assert.NoError(t, v.ValidateBridgeURL("wss://bridge.internal/session"))
		assert.Error(t, v.ValidateBridgeURL("http://127.0.0.1:3001"))
		assert.Error(t, v.ValidateBridgeURL("ws://"))
		assert.Error(t, v.ValidateBridgeURL(""))
	})

	t.Run("checkpoint", func(t *testing.T) {
		assert.NoError(t, v.ValidateCheckpoint(""))
		assert.NoError(t, v.ValidateCheckpoint("@every 5m"))
		assert.NoError(t, v.ValidateCheckpoint("*/10 * * * *"))
		assert.Error(t, v.ValidateCheckpoint("every five minutes"))
	})

	t.Run("trusted proxies", func(t *testing.T) {
		assert.NoError(t, v.ValidateTrustedProxies(nil))
		assert.NoError(t, v.ValidateTrustedProxies([]string{"10.0.0.1", "172.16.0.0/12", "::1"}))
		assert.Error(t, v.ValidateTrustedProxies([]string{"proxy.internal"}))
		assert.Error(t, v.ValidateTrustedProxies([]string{"10.0.0.0/33"}))
	})

	t.Run("sample ratio", func(t *testing.T) {
		assert.NoError(t, v.ValidateSampleRatio(0))
		assert.NoError(t, v.ValidateSampleRatio(0.25))
		assert.NoError(t, v.ValidateSampleRatio(1))
		assert.Error(t, v.ValidateSampleRatio(1.1))
		assert.Error(t, v.ValidateSampleRatio(-1))
	})

	t.Run("log level", func(t *testing.T) {
		assert.NoError(t, v.ValidateLogLevel("debug"))
		assert.Error(t, v.ValidateLogLevel("trace"))
	})
}

func TestValidateConfig_NegativeValues(t *testing.T) {
	cfg := validConfig()
	cfg.Server.RateLimitPerMinute = -1
	cfg.Dispatch.Timeout = -1
	cfg.Adapter.InitTimeout = -1
	cfg.ShutdownGrace = -1

	errs := NewValidator().ValidateConfig(cfg)
	assert.Len(t, errs, 4)
}
