package manee

import (
	"context"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

const loggerNameKey = "logger"

// defaultLogWriter is where every component logger writes
var defaultLogWriter io.Writer = os.Stdout

var discordGoLogLevels = map[int]slog.Level{
	discordgo.LogDebug:         slog.LevelDebug,
	discordgo.LogError:         slog.LevelError,
	discordgo.LogWarning:       slog.LevelWarn,
	discordgo.LogInformational: slog.LevelInfo,
}

// newLogHandler returns the tint handler shared by all component loggers,
// at the given level.
func newLogHandler(level slog.Leveler) slog.Handler {
	if level == nil {
		level = DefaultLogLevel
	}
	return tint.NewHandler(
		defaultLogWriter, &tint.Options{
			Level:     level,
			AddSource: true,
		},
	)
}

// newComponentLogger returns a logger for the named component
func newComponentLogger(name string, level slog.Leveler) *slog.Logger {
	return slog.New(newLogHandler(level)).With(loggerNameKey, name)
}

// discordgoLoggerFunc returns a function suitable for discordgo.Logger,
// which forwards discordgo's log output to the given handler.
func discordgoLoggerFunc(ctx context.Context, handler slog.Handler) func(
	msgL int,
	caller int,
	format string,
	args ...any,
) {
	log := slog.New(handler)
	return func(
		msgL int,
		_ int,
		format string,
		args ...any,
	) {
		level, ok := discordGoLogLevels[msgL]
		if !ok {
			level = slog.LevelInfo
		}
		log.LogAttrs(
			ctx,
			level,
			strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", ""),
		)
	}
}

var discordgoLoggerMu sync.Mutex

// setDiscordgoLogger replaces the package-level discordgo logger, which
// is shared by every session in the process.
func setDiscordgoLogger(handler slog.Handler) {
	discordgoLoggerMu.Lock()
	defer discordgoLoggerMu.Unlock()
	discordgo.Logger = discordgoLoggerFunc(context.Background(), handler)
}

// discordgoLogLevel maps a slog level to the closest discordgo level
func discordgoLogLevel(lvl slog.Level) (int, error) {
	switch lvl {
	case slog.LevelDebug:
		return discordgo.LogDebug, nil
	case slog.LevelInfo:
		return discordgo.LogInformational, nil
	case slog.LevelWarn:
		return discordgo.LogWarning, nil
	case slog.LevelError:
		return discordgo.LogError, nil
	default:
		return discordgo.LogInformational, fmt.Errorf("invalid log level: %s", lvl)
	}
}

// loggerFromContext returns the context logger, or fallback if the
// context doesn't carry one.
func loggerFromContext(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := ContextLogger(ctx); ok && logger != nil {
		return logger
	}
	if fallback != nil {
		return fallback
	}
	return slog.Default()
}
