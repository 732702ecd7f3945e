package callclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace sits below slog.LevelDebug for pion's trace output.
const LevelTrace = slog.Level(-8)

// NewLoggerFactory routes pion's scoped loggers into logger.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return loggerFactory{log: logger}
}

type loggerFactory struct {
	log *slog.Logger
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{log: f.log.With("pion_scope", scope)}
}

type leveledLogger struct {
	log *slog.Logger
}

func (l leveledLogger) emit(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l leveledLogger) Trace(msg string) { l.emit(LevelTrace, msg) }
func (l leveledLogger) Tracef(format string, args ...any) {
	l.emit(LevelTrace, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Debug(msg string) { l.emit(slog.LevelDebug, msg) }
func (l leveledLogger) Debugf(format string, args ...any) {
	l.emit(slog.LevelDebug, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Info(msg string) { l.emit(slog.LevelInfo, msg) }
func (l leveledLogger) Infof(format string, args ...any) {
	l.emit(slog.LevelInfo, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Warn(msg string) { l.emit(slog.LevelWarn, msg) }
func (l leveledLogger) Warnf(format string, args ...any) {
	l.emit(slog.LevelWarn, fmt.Sprintf(format, args...))
}
func (l leveledLogger) Error(msg string) { l.emit(slog.LevelError, msg) }
func (l leveledLogger) Errorf(format string, args ...any) {
	l.emit(slog.LevelError, fmt.Sprintf(format, args...))
}
