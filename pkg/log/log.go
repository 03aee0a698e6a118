package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var (
	// Logger is the global logger instance
	Logger zerolog.Logger
)

// Level represents log verbosity
type Level string

const (
	QuietLevel Level = "quiet"
	ErrorLevel Level = "error"
	WarnLevel  Level = "warning"
	InfoLevel  Level = "info"
	DebugLevel Level = "debug"
)

// Config holds logging configuration
type Config struct {
	Level      Level
	Prefix     string
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case QuietLevel:
		level = zerolog.Disabled
	case ErrorLevel:
		level = zerolog.ErrorLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case DebugLevel:
		level = zerolog.DebugLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	if cfg.Prefix != "" {
		Logger = Logger.With().Str("prefix", cfg.Prefix).Logger()
	}
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithInstanceID creates a child logger with instance_id field
func WithInstanceID(instanceID int64) zerolog.Logger {
	return Logger.With().Int64("instance_id", instanceID).Logger()
}

// WithGroupID creates a child logger with group_id field
func WithGroupID(groupID int64) zerolog.Logger {
	return Logger.With().Int64("group_id", groupID).Logger()
}

// WithServerID creates a child logger with server_id field
func WithServerID(serverID int64) zerolog.Logger {
	return Logger.With().Int64("server_id", serverID).Logger()
}

// Helper functions for common logging patterns
func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
