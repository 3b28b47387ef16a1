package log

import (
	"fmt"
	stdlog "log"
	"strings"
)

// RedirectStdLog routes the standard library's default logger into l at
// InfoLevel, tagged with component=stdlib.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.SetOutput(&stdWriter{logger: l.WithComponent("stdlib"), level: InfoLevel})
}

// ToStdLogger returns a *log.Logger that writes into l at level.
func ToStdLogger(l Logger, level Level) *stdlog.Logger {
	return stdlog.New(&stdWriter{logger: l, level: level}, "", 0)
}

// Printf returns a printf-style function logging into l at level. Suitable for
// client libraries that accept a logger func.
func Printf(l Logger, level Level) func(format string, args ...interface{}) {
	return func(format string, args ...interface{}) {
		emit(l, level, fmt.Sprintf(format, args...))
	}
}

type stdWriter struct {
	logger Logger
	level  Level
}

func (w *stdWriter) Write(p []byte) (int, error) {
	emit(w.logger, w.level, string(p))
	return len(p), nil
}

func emit(l Logger, level Level, msg string) {
	msg = strings.TrimRight(msg, "\n")
	switch level {
	case DebugLevel:
		l.Debug(msg)
	case WarnLevel:
		l.Warn(msg)
	case ErrorLevel, FatalLevel:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}
