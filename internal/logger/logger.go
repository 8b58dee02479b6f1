// Package logger wraps zerolog behind a handful of package-level helpers so
// the rest of the server never touches a logger instance directly.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levels = map[LogLevel]zerolog.Level{
	LevelDebug: zerolog.DebugLevel,
	LevelInfo:  zerolog.InfoLevel,
	LevelWarn:  zerolog.WarnLevel,
	LevelError: zerolog.ErrorLevel,
}

// Logger is the configured root logger. It starts as a plain stderr JSON
// logger so anything logged before Configure still lands somewhere.
var Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// Configure installs the root logger at the given level. Dev mode switches
// from JSON lines to the colored console writer.
func Configure(level LogLevel, dev bool) {
	zeroLevel, ok := levels[level]
	if !ok {
		zeroLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(zeroLevel)

	var writer io.Writer = os.Stderr
	if dev {
		writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = Logger
}

// GetLogLevelFromEnv resolves the log level from FEATHER_LOG_LEVEL, falling
// back to the DEBUG toggle. Dev mode defaults to debug unless DEBUG is
// explicitly turned off.
func GetLogLevelFromEnv(dev bool) LogLevel {
	if level := LogLevel(strings.ToLower(os.Getenv("FEATHER_LOG_LEVEL"))); level != "" {
		if _, ok := levels[level]; ok {
			return level
		}
	}

	debug := strings.ToLower(os.Getenv("DEBUG"))
	if dev {
		if debug == "false" || debug == "0" {
			return LevelInfo
		}
		return LevelDebug
	}
	if debug == "true" || debug == "1" {
		return LevelDebug
	}
	return LevelInfo
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Debugf(format string, args ...interface{}) {
	Logger.Debug().Msgf(format, args...)
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Infof(format string, args ...interface{}) {
	Logger.Info().Msgf(format, args...)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msgf(format, args...)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, args ...interface{}) {
	Logger.Error().Msgf(format, args...)
}
