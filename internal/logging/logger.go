// Package logging wraps log/slog with YAML-configurable handlers and a
// registry of named component loggers.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Config selects level, format and destination of log output.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, text
	Output     string `yaml:"output"`      // stdout, stderr, file
	OutputPath string `yaml:"output_path"` // used when output is file
	AddSource  bool   `yaml:"add_source"`
}

// Logger is a structured logger whose level can be changed at runtime.
type Logger struct {
	*slog.Logger
	config *Config
	level  *slog.LevelVar
}

// NewLogger builds a logger writing to the destination named in config.
func NewLogger(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	writer, err := openOutput(config)
	if err != nil {
		return nil, err
	}
	return NewWithWriter(config, writer), nil
}

// NewWithWriter builds a logger that writes to w regardless of config.Output.
func NewWithWriter(config *Config, w io.Writer) *Logger {
	if config == nil {
		config = DefaultConfig()
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(config.Level))

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if strings.ToLower(config.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return &Logger{
		Logger: slog.New(handler),
		config: config,
		level:  level,
	}
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	return NewWithWriter(DefaultConfig(), io.Discard)
}

func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "text",
		Output: "stdout",
	}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func openOutput(config *Config) (io.Writer, error) {
	switch strings.ToLower(config.Output) {
	case "stderr":
		return os.Stderr, nil
	case "file":
		if config.OutputPath == "" {
			config.OutputPath = "logs/motorsim.log"
		}
		if err := os.MkdirAll(filepath.Dir(config.OutputPath), 0755); err != nil {
			return nil, err
		}
		return os.OpenFile(config.OutputPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	default:
		return os.Stdout, nil
	}
}

// With returns a logger carrying extra attributes. It shares the level with
// its parent.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		level:  l.level,
	}
}

func (l *Logger) WithGroup(name string) *Logger {
	return &Logger{
		Logger: l.Logger.WithGroup(name),
		config: l.config,
		level:  l.level,
	}
}

// UpdateLevel changes the level of this logger and every logger derived from it.
func (l *Logger) UpdateLevel(level string) {
	l.config.Level = level
	l.level.Set(parseLevel(level))
}

func (l *Logger) GetConfig() *Config {
	return l.config
}
