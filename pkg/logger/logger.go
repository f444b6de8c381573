package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON    OutputFormat = "json"
	FormatConsole OutputFormat = "console"
)

// Config holds logger configuration
type Config struct {
	Level      string
	Format     OutputFormat
	OutputFile string
}

// NewConfig creates a logger configuration with defaults
func NewConfig() Config {
	return Config{
		Level:  "info",
		Format: FormatConsole,
	}
}

// Logger owns the root zerolog instance and the optional log file.
// Components derive their own loggers with With().Str("component", ...).
type Logger struct {
	zerolog.Logger
	file *os.File
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "console", "CONSOLE", "text":
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or console)", format)
	}
}

// New creates the root logger. Level accepts the zerolog names
// (trace, debug, info, warn, error); trace enables wire-frame and
// SDP body dumps.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", cfg.Level)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	var file *os.File
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file %s: %w", cfg.OutputFile, err)
		}
		out = f
		file = f
	}

	if cfg.Format == FormatConsole {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zerolog.SetGlobalLevel(level)

	return &Logger{
		Logger: zerolog.New(out).With().Timestamp().Logger(),
		file:   file,
	}, nil
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
