// Package logging builds the process logger.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Config selects level, encoding and destination.
type Config struct {
	// Level is a zap level name (debug, info, warn, error). Empty means info.
	Level string
	// Format is FormatConsole or FormatJSON. Empty means console.
	Format string
	// File, when set, receives logs in append mode instead of stderr.
	File string
}

// DefaultFile returns ~/.local/state/sensord/sensord.log, or "" when the home
// directory is unknown.
func DefaultFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", "sensord", "sensord.log")
}

// New builds a logger from conf. The returned cleanup flushes the logger and
// closes the log file.
func New(conf Config) (*zap.Logger, func(), error) {
	level := zapcore.InfoLevel
	if conf.Level != "" {
		l, err := zapcore.ParseLevel(strings.ToLower(conf.Level))
		if err != nil {
			return nil, nil, fmt.Errorf("logging: %w", err)
		}
		level = l
	}

	var enc zapcore.Encoder
	switch strings.ToLower(conf.Format) {
	case "", FormatConsole:
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(ec)
	case FormatJSON:
		ec := zap.NewProductionEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(ec)
	default:
		return nil, nil, fmt.Errorf("logging: unknown format %q", conf.Format)
	}

	out := zapcore.Lock(os.Stderr)
	closeFile := func() {}
	if conf.File != "" {
		if err := os.MkdirAll(filepath.Dir(conf.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("logging: mkdir: %w", err)
		}
		f, err := os.OpenFile(conf.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("logging: open %s: %w", conf.File, err)
		}
		out = zapcore.Lock(f)
		closeFile = func() { _ = f.Close() }
	}

	logger := zap.New(zapcore.NewCore(enc, out, level), zap.AddCaller())
	cleanup := func() {
		_ = logger.Sync()
		closeFile()
	}
	return logger, cleanup, nil
}
