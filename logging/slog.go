package logging

import (
	"log/slog"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultMaxSizeMB, DefaultMaxBackups, and DefaultMaxAgeDays bound the
// rotated gateway.log the way an unattended, headless install needs to:
// no operator is around to rotate it by hand.
const (
	DefaultMaxSizeMB  = 50
	DefaultMaxBackups = 5
	DefaultMaxAgeDays = 28
)

// NewGatewayLogger returns a structured slog.Logger that writes
// newline-delimited JSON to path, rotating via lumberjack. This is the
// supervisor's and every subsystem's main logger; FileLogger and
// DebugLogger remain separate, lower-level sinks for the high-volume
// per-tag protocol traces operators turn on only while troubleshooting.
func NewGatewayLogger(path string, level slog.Level) *slog.Logger {
	writer := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
		Compress:   true,
	}
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}
