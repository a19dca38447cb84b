// Package logging builds the zap logger shared by every component.
package logging

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrUnknownLevel is returned for unrecognized level names.
var ErrUnknownLevel = errors.New("unknown log level")

// Logger bundles a zap logger with the level that controls it.
type Logger struct {
	*zap.Logger
	level zap.AtomicLevel
}

// New creates a logger.
// level: "debug", "info", "warn", "error" (default "info")
// format: "json" or "console" (default "json")
// serviceName is attached to every entry when not empty.
func New(level, format, serviceName string) (*Logger, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		zapLevel = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(zapLevel)

	var config zap.Config
	if format == "console" {
		config = zap.NewDevelopmentConfig()
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.OutputPaths = []string{"stdout"}
		config.ErrorOutputPaths = []string{"stderr"}
	}
	config.Level = atomic

	base, err := config.Build()
	if err != nil {
		return nil, err
	}

	if serviceName != "" {
		base = base.With(zap.String("service_name", serviceName))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		base = base.With(zap.String("hostname", hostname))
	}

	return &Logger{Logger: base, level: atomic}, nil
}

// NewNop returns a logger that discards everything but still tracks its level.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop(), level: zap.NewAtomicLevelAt(zapcore.InfoLevel)}
}

// SetLevel changes the level of every logger derived from l.
func (l *Logger) SetLevel(level string) error {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return err
	}
	l.level.SetLevel(zapLevel)
	return nil
}

// Level returns the current level name.
func (l *Logger) Level() string {
	return l.level.Level().String()
}

// LevelNumber returns the current level as the host's numeric log level
// (10 debug, 20 info, 30 warning, 40 error).
func (l *Logger) LevelNumber() int {
	return LevelNumber(l.level.Level())
}

// ParseLevel parses a level name. Numeric host levels are accepted as well.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "10":
		return zapcore.DebugLevel, nil
	case "info", "20", "":
		return zapcore.InfoLevel, nil
	case "warn", "warning", "30":
		return zapcore.WarnLevel, nil
	case "error", "40":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("%w %q", ErrUnknownLevel, level)
}

// LevelNumber maps a zap level onto the host's numeric log level.
func LevelNumber(level zapcore.Level) int {
	switch {
	case level <= zapcore.DebugLevel:
		return 10
	case level == zapcore.InfoLevel:
		return 20
	case level == zapcore.WarnLevel:
		return 30
	default:
		return 40
	}
}
