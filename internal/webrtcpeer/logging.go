package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// Pion is chatty at info; its levels are shifted below the relay's own.
const (
	levelTrace = slog.LevelDebug - 8
	levelDebug = slog.LevelDebug - 4
	levelInfo  = slog.LevelDebug
)

type loggerFactory struct {
	logger *slog.Logger
}

// NewLoggerFactory routes pion's internal logging into logger, tagging each
// record with the pion scope (ice, dtls, sctp, ...).
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return loggerFactory{logger: logger}
}

func (f loggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &leveledLogger{logger: f.logger.With("component", "pion", "scope", scope)}
}

type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) log(level slog.Level, msg string) {
	l.logger.Log(context.Background(), level, msg)
}

func (l *leveledLogger) logf(level slog.Level, format string, args ...any) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.logger.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l *leveledLogger) Trace(msg string)                  { l.log(levelTrace, msg) }
func (l *leveledLogger) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l *leveledLogger) Debug(msg string)                  { l.log(levelDebug, msg) }
func (l *leveledLogger) Debugf(format string, args ...any) { l.logf(levelDebug, format, args...) }
func (l *leveledLogger) Info(msg string)                   { l.log(levelInfo, msg) }
func (l *leveledLogger) Infof(format string, args ...any)  { l.logf(levelInfo, format, args...) }
func (l *leveledLogger) Warn(msg string)                   { l.log(slog.LevelWarn, msg) }
func (l *leveledLogger) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l *leveledLogger) Error(msg string)                  { l.log(slog.LevelError, msg) }
func (l *leveledLogger) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
