// Package logger builds the process slog.Logger: charmbracelet/log for humans,
// one JSON Entry per line for collectors.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	charmLog "github.com/charmbracelet/log"

	"slackrelay/pkg/config"
)

const (
	defaultFormat = "text"
	defaultLevel  = "info"

	envLevel     = "RELAY_LOG_LEVEL"
	envFormat    = "RELAY_LOG_FORMAT"
	envAddSource = "RELAY_LOG_ADD_SOURCE"

	previewLimit = 120
)

// New builds the process logger writing to stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, error) {
	return newWithWriter(cfg, os.Stderr)
}

// Discard returns a logger that drops everything. Used where a nil logger is passed.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Preview trims text to a bounded, log-safe length.
func Preview(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= previewLimit {
		return trimmed
	}

	return trimmed[:previewLimit] + "..."
}

type settings struct {
	format    string
	level     slog.Level
	addSource bool
}

// resolveSettings applies RELAY_LOG_* overrides on top of the config section.
func resolveSettings(cfg config.LoggingConfig) (settings, error) {
	s := settings{
		format:    firstSet(os.Getenv(envFormat), cfg.Format, defaultFormat),
		addSource: cfg.AddSource,
	}
	if s.format != "json" && s.format != "text" {
		return settings{}, fmt.Errorf("unsupported log format %q", s.format)
	}

	level, err := parseLevel(firstSet(os.Getenv(envLevel), cfg.Level, defaultLevel))
	if err != nil {
		return settings{}, err
	}
	s.level = level

	if value, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(envAddSource))); err == nil {
		s.addSource = value
	}

	return s, nil
}

func newWithWriter(cfg config.LoggingConfig, writer io.Writer) (*slog.Logger, error) {
	s, err := resolveSettings(cfg)
	if err != nil {
		return nil, err
	}

	if s.format == "json" {
		return slog.New(newJSONHandler(writer, s.level, s.addSource)), nil
	}

	// charmbracelet/log levels share slog's numeric values
	pretty := charmLog.NewWithOptions(writer, charmLog.Options{
		Level:           charmLog.Level(s.level),
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
		ReportCaller:    s.addSource,
		Formatter:       charmLog.TextFormatter,
	})
	return slog.New(pretty), nil
}

func parseLevel(text string) (slog.Level, error) {
	if text == "warning" {
		text = "warn"
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(text)); err != nil {
		return 0, fmt.Errorf("unsupported log level %q", text)
	}
	return level, nil
}

func firstSet(values ...string) string {
	for _, value := range values {
		if value = strings.ToLower(strings.TrimSpace(value)); value != "" {
			return value
		}
	}
	return ""
}
