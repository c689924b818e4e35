package manee

import (
	"context"
	"crypto/tls"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"log/slog"
	"reflect"
	"strings"
)

const loggerContextKey contextKey = "logger"

type contextKey string

// shortenString reduces the size of the input string to the given limit.
//
// Double newlines are collapsed first, then bold markers removed. If the
// string is still too long, it's truncated and a suffix is appended
// to indicate the output limit was reached.
func shortenString(s string, limit int) string {
	if len([]rune(s)) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "\n\n", "\n")
	if len([]rune(s)) <= limit {
		return s
	}
	s = strings.ReplaceAll(s, "**", "")
	if len([]rune(s)) <= limit {
		return s
	}
	suffixChars := []rune("\n\n**(output limit reached)**")
	if limit-len(suffixChars) <= 0 {
		return strings.TrimSpace(string([]rune(s)[:limit]))
	}

	return strings.TrimSpace(string([]rune(s)[:limit-len(suffixChars)])) + string(suffixChars)
}

// discordInteractionOptions extracts the options of an application
// command interaction, keyed by option name.
func discordInteractionOptions(
	i *discordgo.InteractionCreate,
) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	optionMap := make(
		map[string]*discordgo.ApplicationCommandInteractionDataOption,
		len(options),
	)
	for _, option := range options {
		optionMap[option.Name] = option
	}
	return optionMap
}

// getDiscordUser returns the user who triggered the interaction. In
// guilds this is only populated on the member.
func getDiscordUser(i *discordgo.InteractionCreate) *discordgo.User {
	u := i.User
	if u == nil && i.Member != nil {
		u = i.Member.User
	}
	return u
}

func interactionLogAttrs(i discordgo.InteractionCreate) []any {
	logAttrs := []any{
		"id", i.ID,
		"type", i.Type.String(),
	}
	if i.ChannelID != "" {
		logAttrs = append(logAttrs, "channel_id", i.ChannelID)
	}
	if i.GuildID != "" {
		logAttrs = append(logAttrs, "guild_id", i.GuildID)
	}
	if i.AppID != "" {
		logAttrs = append(logAttrs, "app_id", i.AppID)
	}
	if u := getDiscordUser(&i); u != nil {
		logAttrs = append(logAttrs, slog.Group("user", "id", u.ID, "username", u.Username))
	}
	return logAttrs
}

// tlsConfig loads the configured certificate pair. A nil config is
// returned when no certificate is configured.
func tlsConfig(ssl SSLConfig) (*tls.Config, error) {
	if ssl.Cert == "" && ssl.Key == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(ssl.Cert, ssl.Key)
	if err != nil {
		return nil, fmt.Errorf("error loading certificate: %w", err)
	}
	minVersion := ssl.TLSMinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
		ClientAuth:   tls.NoClientCert,
	}, nil
}

// structToSlogValue converts a struct to a slog.Value, using the struct's
// JSON tag as the key for each field, if set.
// If the `log` tag is set, the value specified will override the
// field's actual value. Ex: `log:"REDACTED"` will cause "REDACTED" to
// be shown as the field's value.
func structToSlogValue(v any) slog.Value {
	typ := reflect.TypeOf(v)
	if typ == nil {
		return slog.AnyValue(nil)
	}
	val := reflect.ValueOf(v)

	if typ.Kind() == reflect.Ptr {
		if val.IsNil() {
			return slog.AnyValue(nil)
		}
		val = val.Elem()
		typ = typ.Elem()
	}

	if typ.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}

	var groupAttrs []slog.Attr

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		fv := val.Field(i)
		if !fv.CanInterface() {
			continue
		}

		key, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if key == "" {
			key = field.Name
		}

		if logTag := field.Tag.Get("log"); logTag != "" {
			groupAttrs = append(groupAttrs, slog.String(key, logTag))
			continue
		}

		switch fv.Kind() {
		case reflect.Ptr, reflect.Interface:
			if fv.IsNil() {
				continue
			}
		case reflect.Map, reflect.Slice:
			if fv.IsNil() || fv.Len() == 0 {
				continue
			}
		case reflect.String:
			if fv.Len() == 0 {
				continue
			}
		default:
		}

		fieldValue := fv.Interface()
		if lv, ok := fieldValue.(*slog.LevelVar); ok {
			groupAttrs = append(groupAttrs, slog.String(key, lv.Level().String()))
			continue
		}
		groupAttrs = append(groupAttrs, slog.Attr{Key: key, Value: structToSlogValue(fieldValue)})
	}

	return slog.GroupValue(groupAttrs...)
}

// WithLogger returns a new context with the given logger added.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		logger = slog.Default()
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// ContextLogger returns a logger from the given context if one
// is present, and a boolean indicating whether a logger was found.
func ContextLogger(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(loggerContextKey).(*slog.Logger)
	return logger, ok
}
