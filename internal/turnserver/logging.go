package turnserver

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug so pion's trace output is only
// emitted when explicitly enabled.
const levelTrace = slog.LevelDebug - 4

// LoggerFactory adapts slog to pion/logging so pion/turn logs through the
// process logger. Each logger carries a "scope" attribute.
type LoggerFactory struct {
	Logger *slog.Logger
}

var _ logging.LoggerFactory = LoggerFactory{}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	base := f.Logger
	if base == nil {
		base = slog.Default()
	}
	return &leveledLogger{log: base.With("scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l *leveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *leveledLogger) emitf(level slog.Level, format string, args ...interface{}) {
	ctx := context.Background()
	if !l.log.Enabled(ctx, level) {
		return
	}
	l.log.Log(ctx, level, fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Trace(msg string) { l.emit(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...interface{}) {
	l.emitf(levelTrace, format, args...)
}
func (l *leveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...interface{}) {
	l.emitf(slog.LevelDebug, format, args...)
}
func (l *leveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...interface{}) {
	l.emitf(slog.LevelInfo, format, args...)
}
func (l *leveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...interface{}) {
	l.emitf(slog.LevelWarn, format, args...)
}
func (l *leveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...interface{}) {
	l.emitf(slog.LevelError, format, args...)
}
