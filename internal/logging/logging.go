// Package logging configures the process-wide zerolog logger and hands out
// component-scoped child loggers.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum level written.
	Level zerolog.Level
	// Output defaults to os.Stderr.
	Output io.Writer
	// Pretty switches to zerolog's human-readable console writer.
	Pretty bool
	// TimeFormat defaults to RFC3339.
	TimeFormat string
}

// DefaultConfig returns the configuration used before Init is called.
func DefaultConfig() Config {
	return Config{
		Level:      zerolog.InfoLevel,
		Output:     os.Stderr,
		TimeFormat: time.RFC3339,
	}
}

var (
	mu   sync.RWMutex
	root zerolog.Logger
)

func init() {
	Init(DefaultConfig())
}

// Init replaces the root logger.
func Init(cfg Config) {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}

	out := cfg.Output
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: cfg.Output, TimeFormat: cfg.TimeFormat}
	}

	zerolog.TimeFieldFormat = cfg.TimeFormat

	l := zerolog.New(out).Level(cfg.Level).With().Timestamp().Logger()

	mu.Lock()
	root = l
	mu.Unlock()
}

// Logger returns the root logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root
}

// Component returns a child logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger().With().Str("component", name).Logger()
}

// ParseLevel maps the level names accepted in LOG_LEVEL onto zerolog levels.
// Unrecognised names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "CRITICAL", "FATAL":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
