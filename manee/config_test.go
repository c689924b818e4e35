package manee

import (
	"errors"
	"fmt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"log/slog"
	"testing"
	"time"
)

// DefaultTestConfig returns a valid Config with fast timeouts and quiet
// loggers. The Discord gateway is disabled, as is every HTTP server.
func DefaultTestConfig(t testing.TB) *Config {
	t.Helper()
	cfg := DefaultConfig()

	cfg.StartupTimeout = 5 * time.Second
	cfg.ShutdownTimeout = 5 * time.Second
	cfg.Development = true

	cfg.OpenAI.Token = fmt.Sprintf("openai_%s", t.Name())
	cfg.Discord.Token = fmt.Sprintf("discord_%s", t.Name())
	cfg.Discord.ApplicationID = fmt.Sprintf("app_%s", t.Name())
	cfg.Discord.GatewayDisabled = true

	logLevel := slog.LevelWarn
	cfg.LogLevel.Set(logLevel)
	cfg.OpenAI.LogLevel.Set(logLevel)
	cfg.Discord.LogLevel.Set(logLevel)
	cfg.Discord.DiscordGoLogLevel.Set(logLevel)
	cfg.Discord.WebhookServer.LogLevel.Set(logLevel)
	cfg.API.LogLevel.Set(logLevel)
	return cfg
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	t.Run(
		"defaults with tokens", func(t *testing.T) {
			t.Parallel()
			require.NoError(t, DefaultTestConfig(t).Validate())
		},
	)

	t.Run(
		"missing tokens", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "Config.OpenAI.Token")
			assert.Contains(t, err.Error(), "Config.Discord.Token")
		},
	)

	t.Run(
		"missing discord token", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.Discord.Token = ""
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "Discord.Token")
			assert.NotContains(t, err.Error(), "OpenAI.Token")
		},
	)

	t.Run(
		"nil sections", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.OpenAI = nil
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		},
	)

	t.Run(
		"nil API section is allowed", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.API = nil
			assert.NoError(t, cfg.Validate())
		},
	)

	t.Run(
		"max backoff below initial backoff", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.OpenAI.InitialBackoff = time.Minute
			cfg.OpenAI.MaxBackoff = time.Second
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "MaxBackoff")
		},
	)

	t.Run(
		"negative retries", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.OpenAI.MaxRetries = -1
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		},
	)

	t.Run(
		"webhook server without public key", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.Discord.WebhookServer.Enabled = true
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "PublicKey")
		},
	)

	t.Run(
		"ssl cert without key", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.API.SSL.Cert = "/tmp/cert.pem"
			err := cfg.Validate()
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), "SSL.Key")
		},
	)

	t.Run(
		"invalid base url", func(t *testing.T) {
			t.Parallel()
			cfg := DefaultTestConfig(t)
			cfg.OpenAI.BaseURL = "not a url"
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		},
	)
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, 3, cfg.OpenAI.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.OpenAI.InitialBackoff)
	assert.Equal(t, 300, cfg.OpenAI.MaxTokens)
	assert.Equal(t, DefaultOpenAIModel, cfg.OpenAI.Model)
	assert.False(t, cfg.API.Enabled)
	assert.False(t, cfg.Discord.WebhookServer.Enabled)
	assert.Empty(t, cfg.OpenAI.Token)
	assert.Empty(t, cfg.Discord.Token)
}

func TestConfig_LogValueRedactsTokens(t *testing.T) {
	t.Parallel()
	cfg := DefaultTestConfig(t)

	v := cfg.LogValue().String()
	assert.NotContains(t, v, cfg.OpenAI.Token)
	assert.NotContains(t, v, cfg.Discord.Token)
	assert.Contains(t, v, "[redacted]")
}

func TestCORSConfig_GINConfig(t *testing.T) {
	t.Parallel()

	c := DefaultCORSConfig()
	ginCfg := c.GINConfig()
	assert.True(t, ginCfg.AllowAllOrigins)
	assert.NoError(t, ginCfg.Validate())

	c.AllowOrigins = []string{"https://localhost:5000"}
	ginCfg = c.GINConfig()
	assert.False(t, ginCfg.AllowAllOrigins)
	assert.Equal(t, []string{"https://localhost:5000"}, ginCfg.AllowOrigins)
}

func TestNew_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := New(DefaultConfig())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidConfig))

	_, err = New(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
