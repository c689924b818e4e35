package cmd

import (
	"context"
	"fmt"
	"github.com/TopThammanun/bot-discord/manee"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
)

var (
	cfg        = manee.DefaultConfig()
	configFile string
)

// logLevelKeys are the config keys holding a *slog.LevelVar
var logLevelKeys = []string{
	"log_level",
	"openai.log_level",
	"discord.log_level",
	"discord.discordgo_log_level",
	"discord.webhook_server.log_level",
	"api.log_level",
}

var rootCmd = &cobra.Command{
	Use:   "manee [flags]",
	Short: "Discord bot answering /manee questions with OpenAI",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cfg)
	},
}

// loadConfig decodes the current viper settings into c
func loadConfig(c *manee.Config) error {
	err := viper.Unmarshal(
		c,
		viper.DecodeHook(
			mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				LevelToStringHookFunc(),
			),
		),
	)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	return nil
}

func getLogLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
	return lvl, nil
}

// LevelToStringHookFunc decodes log level strings (ex: "INFO") into
// *slog.LevelVar fields.
func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr || t.Elem() != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, err
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		if err := godotenv.Load(configFile); err != nil {
			log.Printf("unable to load env file %s: %v", configFile, err)
		}
	}

	viper.SetDefault("log_level", manee.DefaultLogLevel.String())
	viper.SetDefault("startup_timeout", manee.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", manee.DefaultShutdownTimeout)
	viper.SetDefault("development", false)

	// OpenAI config
	viper.SetDefault("openai.token", "")
	viper.SetDefault("openai.log_level", manee.DefaultOpenAILogLevel.String())
	viper.SetDefault("openai.model", manee.DefaultOpenAIModel)
	viper.SetDefault("openai.max_tokens", manee.DefaultOpenAIMaxTokens)
	viper.SetDefault("openai.max_retries", manee.DefaultOpenAIMaxRetries)
	viper.SetDefault("openai.initial_backoff", manee.DefaultOpenAIInitialBackoff)
	viper.SetDefault("openai.max_backoff", manee.DefaultOpenAIMaxBackoff)
	viper.SetDefault(
		"openai.max_requests_per_second",
		manee.DefaultOpenAIMaxRequestsPerSecond,
	)
	viper.SetDefault("openai.base_url", "")

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.gateway_disabled", false)
	viper.SetDefault("discord.log_level", manee.DefaultDiscordLogLevel.String())
	viper.SetDefault(
		"discord.discordgo_log_level",
		manee.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault("discord.gateway_intents", int(manee.DefaultDiscordGatewayIntent))
	viper.SetDefault("discord.custom_status", manee.DefaultDiscordCustomStatus)

	// Discord: Webhook server
	viper.SetDefault("discord.webhook_server.enabled", false)
	viper.SetDefault(
		"discord.webhook_server.listen",
		manee.DefaultDiscordWebhookServerListen,
	)
	viper.SetDefault("discord.webhook_server.listen_network", "tcp")
	viper.SetDefault("discord.webhook_server.public_key", "")
	viper.SetDefault("discord.webhook_server.ssl.cert", "")
	viper.SetDefault("discord.webhook_server.ssl.key", "")
	viper.SetDefault(
		"discord.webhook_server.log_level",
		manee.DefaultDiscordWebhookLogLevel.String(),
	)
	viper.SetDefault("discord.webhook_server.read_timeout", manee.DefaultReadTimeout)
	viper.SetDefault(
		"discord.webhook_server.read_header_timeout",
		manee.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("discord.webhook_server.write_timeout", manee.DefaultWriteTimeout)
	viper.SetDefault("discord.webhook_server.idle_timeout", manee.DefaultIdleTimeout)

	// API config
	viper.SetDefault("api.enabled", false)
	viper.SetDefault("api.listen", manee.DefaultAPIListen)
	viper.SetDefault("api.listen_network", "tcp")
	viper.SetDefault("api.ssl.cert", "")
	viper.SetDefault("api.ssl.key", "")
	viper.SetDefault("api.log_level", manee.DefaultAPILogLevel.String())
	viper.SetDefault("api.read_timeout", manee.DefaultReadTimeout)
	viper.SetDefault("api.read_header_timeout", manee.DefaultReadHeaderTimeout)
	viper.SetDefault("api.write_timeout", manee.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", manee.DefaultIdleTimeout)
	viper.SetDefault("api.cors.allow_origins", []string{})
	viper.SetDefault("api.cors.allow_methods", manee.DefaultCORSAllowMethods)
	viper.SetDefault("api.cors.allow_headers", manee.DefaultCORSAllowHeaders)
	viper.SetDefault("api.cors.expose_headers", manee.DefaultCORSExposeHeaders)
	viper.SetDefault("api.cors.max_age", manee.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		manee.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(manee.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = manee.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// Unprefixed credential names are accepted as a fallback
	fatalErr(
		viper.BindEnv(
			"discord.token",
			envPrefix+"_DISCORD_TOKEN",
			"DISCORD_TOKEN",
		),
	)
	fatalErr(
		viper.BindEnv(
			"openai.token",
			envPrefix+"_OPENAI_TOKEN",
			"OPENAI_API_KEY",
		),
	)

	for _, key := range []string{
		"api.cors.allow_origins",
		"api.cors.allow_methods",
		"api.cors.allow_headers",
		"api.cors.expose_headers",
	} {
		viper.Set(key, viper.GetStringSlice(key))
	}

	for _, key := range logLevelKeys {
		lvl, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, lvl)
	}
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

//nolint:gochecknoinits
func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Env file to load configuration from",
	)
}
