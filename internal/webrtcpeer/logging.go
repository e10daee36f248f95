package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's Debug so pion's packet-level chatter stays out
// of debug output.
const levelTrace = slog.LevelDebug - 4

// SlogLoggerFactory routes pion's internal logging into a slog.Logger, one
// "scope" attribute per pion subsystem.
type SlogLoggerFactory struct {
	base *slog.Logger
}

func NewSlogLoggerFactory(l *slog.Logger) *SlogLoggerFactory {
	return &SlogLoggerFactory{base: l.With("component", "pion")}
}

func (f *SlogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{l: f.base.With("scope", scope)}
}

type slogLeveledLogger struct {
	l *slog.Logger
}

func (s *slogLeveledLogger) log(level slog.Level, msg string) {
	s.l.Log(context.Background(), level, msg)
}

func (s *slogLeveledLogger) logf(level slog.Level, format string, args ...any) {
	if !s.l.Enabled(context.Background(), level) {
		return
	}
	s.l.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (s *slogLeveledLogger) Trace(msg string) { s.log(levelTrace, msg) }
func (s *slogLeveledLogger) Tracef(format string, args ...any) {
	s.logf(levelTrace, format, args...)
}
func (s *slogLeveledLogger) Debug(msg string) { s.log(slog.LevelDebug, msg) }
func (s *slogLeveledLogger) Debugf(format string, args ...any) {
	s.logf(slog.LevelDebug, format, args...)
}
func (s *slogLeveledLogger) Info(msg string) { s.log(slog.LevelInfo, msg) }
func (s *slogLeveledLogger) Infof(format string, args ...any) {
	s.logf(slog.LevelInfo, format, args...)
}
func (s *slogLeveledLogger) Warn(msg string) { s.log(slog.LevelWarn, msg) }
func (s *slogLeveledLogger) Warnf(format string, args ...any) {
	s.logf(slog.LevelWarn, format, args...)
}
func (s *slogLeveledLogger) Error(msg string) { s.log(slog.LevelError, msg) }
func (s *slogLeveledLogger) Errorf(format string, args ...any) {
	s.logf(slog.LevelError, format, args...)
}

var _ logging.LoggerFactory = (*SlogLoggerFactory)(nil)
