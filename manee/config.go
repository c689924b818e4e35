//nolint:lll // struct tags can't be split
package manee

import (
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/gin-contrib/cors"
	"github.com/go-playground/validator/v10"
	openai "github.com/sashabaranov/go-openai"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	EnvvarSetEnvPrefix = "MANEE_ENV_PREFIX"
	DefaultEnvPrefix   = "MANEE"

	DefaultLogLevel        = slog.LevelInfo
	DefaultStartupTimeout  = 30 * time.Second
	DefaultShutdownTimeout = 30 * time.Second

	DefaultOpenAIModel                = openai.GPT3Dot5Turbo
	DefaultOpenAIMaxTokens            = 300
	DefaultOpenAIMaxRetries           = 3
	DefaultOpenAIInitialBackoff       = 2 * time.Second
	DefaultOpenAIMaxBackoff           = 5 * time.Minute
	DefaultOpenAIMaxRequestsPerSecond = 0
	DefaultOpenAILogLevel             = slog.LevelInfo

	DefaultDiscordLogLevel            = slog.LevelInfo
	DefaultDiscordgoLogLevel          = slog.LevelWarn
	DefaultDiscordWebhookLogLevel     = slog.LevelInfo
	DefaultDiscordGatewayIntent       = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages
	DefaultDiscordCustomStatus        = "/manee ask me anything"
	DefaultDiscordWebhookServerListen = "127.0.0.1:5001"

	DefaultAPIListen   = "127.0.0.1:5000"
	DefaultAPILogLevel = slog.LevelInfo

	DefaultReadTimeout       = 5 * time.Second
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultIdleTimeout       = 30 * time.Second

	defaultListenNetwork = "tcp"

	// discordMaxMessageLength is the content limit for a single message
	discordMaxMessageLength = 2000

	DefaultAPICORSAllowCredentials = false
	DefaultCORSMaxAge              = 12 * time.Hour
)

// ErrInvalidConfig is returned when a Config fails validation, including
// when the Discord or OpenAI credentials are missing.
var ErrInvalidConfig = errors.New("invalid configuration")

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("binding")
	return v
}

var (
	DefaultCORSAllowMethods = []string{
		http.MethodGet,
		http.MethodOptions,
		http.MethodHead,
	}
	DefaultCORSAllowHeaders = []string{
		"Origin",
		"Content-Length",
		"Content-Type",
		"Accept",
		"Authorization",
		"Cache-Control",
		xRequestIDHeader,
	}
	DefaultCORSExposeHeaders = []string{
		"Content-Type",
		"Content-Length",
		xRequestIDHeader,
	}
)

type Config struct {
	// OpenAI configures the chat completion client
	OpenAI *OpenAIConfig `yaml:"openai" mapstructure:"openai" json:"openai"`

	// Discord configures the Discord bot itself
	Discord *DiscordConfig `yaml:"discord" mapstructure:"discord" json:"discord"`

	// API configures the optional health/metrics server
	API *APIConfig `yaml:"api" mapstructure:"api" json:"api"`

	// LogLevel is the base log level, for the default logger
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// StartupTimeout limits how long the bot has to open its
	// Discord session and listeners before startup is aborted.
	StartupTimeout time.Duration `yaml:"startup_timeout" mapstructure:"startup_timeout" json:"startup_timeout" binding:"min=1s"`

	// ShutdownTimeout is the time allowed for in-flight interactions
	// and HTTP servers to finish once shutdown begins.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" json:"shutdown_timeout" binding:"min=1s"`

	// Development enables gin debug mode
	Development bool `yaml:"development" mapstructure:"development" json:"development"`

	HTTPClient *http.Client `log:"[redacted]"`
}

func (c Config) LogValue() slog.Value {
	return structToSlogValue(c)
}

// Validate checks c against its `binding` tags. Failures are wrapped
// with ErrInvalidConfig and name each offending field.
func (c *Config) Validate() error {
	if c.OpenAI == nil || c.Discord == nil {
		return fmt.Errorf("%w: openai and discord sections are required", ErrInvalidConfig)
	}
	err := structValidator.Struct(c)
	if err == nil {
		return nil
	}
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	fields := make([]string, 0, len(validationErrs))
	for _, fe := range validationErrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(fields, ", "))
}

// OpenAIConfig configures the chat completion requests and the
// backoff applied when OpenAI responds with HTTP 429.
type OpenAIConfig struct {
	// OpenAI API key
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// OpenAI base log level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Chat completion model
	Model string `yaml:"model" mapstructure:"model" json:"model" binding:"required"`

	// Maximum number of tokens in a completion
	MaxTokens int `yaml:"max_tokens" mapstructure:"max_tokens" json:"max_tokens" binding:"min=1"`

	// Number of times a rate limited request is retried before giving up
	MaxRetries int `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries" binding:"min=0"`

	// Wait before the first retry. Each following retry waits twice as long.
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff" json:"initial_backoff" binding:"min=1ms"`

	// Upper bound for a single wait between retries
	MaxBackoff time.Duration `yaml:"max_backoff" mapstructure:"max_backoff" json:"max_backoff" binding:"gtefield=InitialBackoff"`

	// Client-side request rate limit. 0=unlimited
	MaxRequestsPerSecond float64 `yaml:"max_requests_per_second" mapstructure:"max_requests_per_second" json:"max_requests_per_second" binding:"gte=0"`

	// Optional base URL, for OpenAI-compatible endpoints
	BaseURL string `yaml:"base_url" mapstructure:"base_url" json:"base_url" binding:"omitempty,url"`
}

// DiscordConfig configures the discord bot itself.
type DiscordConfig struct {
	// Discord bot token (from the 'Bot' tab in the discord dev portal)
	Token string `yaml:"token" mapstructure:"token" json:"token" log:"[redacted]" binding:"required"`

	// Discord application ID. If empty, the bot user's ID from the
	// Ready event is used when registering commands.
	ApplicationID string `yaml:"application_id" mapstructure:"application_id" json:"application_id"`

	// GuildID restricts command registration to a single guild. When
	// empty, /manee is registered in every guild the bot is in.
	GuildID string `yaml:"guild_id" mapstructure:"guild_id" json:"guild_id"`

	// Disables the gateway connection, for webhook-only deployments
	GatewayDisabled bool `yaml:"gateway_disabled" mapstructure:"gateway_disabled" json:"gateway_disabled"`

	// Optionally receive interactions over HTTP instead of the gateway
	WebhookServer DiscordWebhookServerConfig `yaml:"webhook_server" mapstructure:"webhook_server" json:"webhook_server"`

	// Base discord logging level
	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	// Log level for the `discordgo` library's logger
	DiscordGoLogLevel *slog.LevelVar `yaml:"discordgo_log_level" mapstructure:"discordgo_log_level" json:"discordgo_log_level"`

	// Discord gateway intents. See: https://discord.com/developers/docs/topics/gateway#gateway-intents
	GatewayIntents discordgo.Intent `yaml:"gateway_intents" mapstructure:"gateway_intents" json:"gateway_intents"`

	// Custom status shown for the bot on connect
	CustomStatus string `yaml:"custom_status" mapstructure:"custom_status" json:"custom_status"`

	httpClient *http.Client
}

// DiscordWebhookServerConfig configures the optional HTTP server that
// receives Discord interactions.
type DiscordWebhookServerConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	// The address and port on which the server should listen (e.g., "127.0.0.1:5001").
	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	// The network type for listening (e.g., "tcp", "tcp4", "tcp6", "unix").
	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	// The public key used for verifying Discord interaction POST requests.
	// In the Discord dev portal for your bot, this is under 'General Information'
	PublicKey string `yaml:"public_key" mapstructure:"public_key" json:"public_key" binding:"required_if=Enabled true"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// APIConfig configures the health/metrics server
type APIConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled" json:"enabled"`

	Listen string `yaml:"listen" mapstructure:"listen" json:"listen" binding:"required_if=Enabled true"`

	ListenNetwork string `yaml:"listen_network" mapstructure:"listen_network" json:"listen_network" binding:"oneof=tcp tcp4 tcp6 unix"`

	SSL SSLConfig `yaml:"ssl" mapstructure:"ssl" json:"ssl"`

	LogLevel *slog.LevelVar `yaml:"log_level" mapstructure:"log_level" json:"log_level"`

	CORS CORSConfig `yaml:"cors" mapstructure:"cors" json:"cors"`

	ReadTimeout       time.Duration `yaml:"read_timeout" mapstructure:"read_timeout" json:"read_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" mapstructure:"read_header_timeout" json:"read_header_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout" json:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout" json:"idle_timeout"`
}

// SSLConfig specifies cert paths. When both are empty, the server
// listens without TLS.
type SSLConfig struct {
	Cert string `yaml:"cert" mapstructure:"cert" json:"cert" binding:"required_with=Key"`
	Key  string `yaml:"key" mapstructure:"key" json:"key" binding:"required_with=Cert"`

	// Minimum TLS version
	TLSMinVersion uint16 `yaml:"tls_min_version" mapstructure:"tls_min_version" json:"tls_min_version"`
}

// CORSConfig specifies cross-origin resource sharing settings
type CORSConfig struct {
	AllowOrigins     []string      `yaml:"allow_origins" mapstructure:"allow_origins" json:"allow_origins"`
	AllowMethods     []string      `yaml:"allow_methods" mapstructure:"allow_methods" json:"allow_methods"`
	AllowHeaders     []string      `yaml:"allow_headers" mapstructure:"allow_headers" json:"allow_headers"`
	ExposeHeaders    []string      `yaml:"expose_headers" mapstructure:"expose_headers" json:"expose_headers"`
	AllowCredentials bool          `yaml:"allow_credentials" mapstructure:"allow_credentials" json:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age" mapstructure:"max_age" json:"max_age"`
}

func (c CORSConfig) GINConfig() cors.Config {
	cfg := cors.Config{
		AllowOrigins:     c.AllowOrigins,
		AllowMethods:     c.AllowMethods,
		AllowHeaders:     c.AllowHeaders,
		MaxAge:           c.MaxAge,
		ExposeHeaders:    c.ExposeHeaders,
		AllowCredentials: c.AllowCredentials,
	}
	if len(cfg.AllowOrigins) == 0 {
		cfg.AllowAllOrigins = true
	}
	return cfg
}

func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigins:     []string{},
		AllowMethods:     append([]string(nil), DefaultCORSAllowMethods...),
		AllowHeaders:     append([]string(nil), DefaultCORSAllowHeaders...),
		ExposeHeaders:    append([]string(nil), DefaultCORSExposeHeaders...),
		MaxAge:           DefaultCORSMaxAge,
		AllowCredentials: DefaultAPICORSAllowCredentials,
	}
}

func newLevelVar(level slog.Level) *slog.LevelVar {
	lvl := &slog.LevelVar{}
	lvl.Set(level)
	return lvl
}

// DefaultConfig returns a Config with all default settings populated.
// Tokens are left empty, and must be set before the config validates.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:        newLevelVar(DefaultLogLevel),
		StartupTimeout:  DefaultStartupTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		OpenAI: &OpenAIConfig{
			LogLevel:             newLevelVar(DefaultOpenAILogLevel),
			Model:                DefaultOpenAIModel,
			MaxTokens:            DefaultOpenAIMaxTokens,
			MaxRetries:           DefaultOpenAIMaxRetries,
			InitialBackoff:       DefaultOpenAIInitialBackoff,
			MaxBackoff:           DefaultOpenAIMaxBackoff,
			MaxRequestsPerSecond: DefaultOpenAIMaxRequestsPerSecond,
		},
		Discord: &DiscordConfig{
			LogLevel:          newLevelVar(DefaultDiscordLogLevel),
			DiscordGoLogLevel: newLevelVar(DefaultDiscordgoLogLevel),
			GatewayIntents:    DefaultDiscordGatewayIntent,
			CustomStatus:      DefaultDiscordCustomStatus,
			WebhookServer: DiscordWebhookServerConfig{
				Listen:            DefaultDiscordWebhookServerListen,
				ListenNetwork:     defaultListenNetwork,
				LogLevel:          newLevelVar(DefaultDiscordWebhookLogLevel),
				ReadTimeout:       DefaultReadTimeout,
				ReadHeaderTimeout: DefaultReadHeaderTimeout,
				WriteTimeout:      DefaultWriteTimeout,
				IdleTimeout:       DefaultIdleTimeout,
			},
		},
		API: &APIConfig{
			Listen:            DefaultAPIListen,
			ListenNetwork:     defaultListenNetwork,
			LogLevel:          newLevelVar(DefaultAPILogLevel),
			CORS:              DefaultCORSConfig(),
			ReadTimeout:       DefaultReadTimeout,
			ReadHeaderTimeout: DefaultReadHeaderTimeout,
			WriteTimeout:      DefaultWriteTimeout,
			IdleTimeout:       DefaultIdleTimeout,
		},
	}
}
