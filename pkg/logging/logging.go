// Package logging wraps zerolog the way cuemby-warren's pkg/log does: a
// package-level logger initialized once at startup, with small
// With*-style helpers handing out component-scoped child loggers. The
// package's init installs a default logger and cmd/concoursed calls Init
// again with its configured level; the Engine does not call Init, it only
// takes a component logger, so everything logs through the same sink.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the global logger's verbosity and output shape.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

func DefaultConfig() Config {
	return Config{Level: InfoLevel}
}

// Init installs the global logger. The package's init calls it with
// DefaultConfig, and cmd/concoursed's start command calls it again with
// the configured level.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
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
		Logger = zerolog.New(zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagged with component, e.g.
// "buffer", "database", "transfer", "lock".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithEnvironment returns a child logger tagged with the environment
// name an operation is scoped to.
func WithEnvironment(env string) zerolog.Logger {
	return Logger.With().Str("environment", env).Logger()
}

func init() {
	Init(DefaultConfig())
}
