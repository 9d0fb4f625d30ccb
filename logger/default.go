package logger

import (
	"os"
	"sync/atomic"
)

var defLogger atomic.Pointer[loggerHolder]

type loggerHolder struct{ Logger }

func init() {
	level, ok := ParseLevel(os.Getenv("LOG_LEVEL"))
	if !ok {
		level = InfoLevel
	}

	SetDefault(NewSlog(level, false))
}

// SetDefault replaces the package default logger. Sessions and ports
// created afterwards without an explicit logger use l. A nil l is ignored.
func SetDefault(l Logger) {
	if l == nil {
		return
	}

	defLogger.Store(&loggerHolder{l})
}

// GetLogger returns the package default logger. Its initial level is taken
// from the LOG_LEVEL environment variable, info when unset.
func GetLogger() Logger {
	return defLogger.Load().Logger
}

func Debug(msg string, keysAndValues ...any) {
	GetLogger().Debug(msg, keysAndValues...)
}

func Info(msg string, keysAndValues ...any) {
	GetLogger().Info(msg, keysAndValues...)
}

func Warn(msg string, keysAndValues ...any) {
	GetLogger().Warn(msg, keysAndValues...)
}

func Error(msg string, keysAndValues ...any) {
	GetLogger().Error(msg, keysAndValues...)
}

func Fatal(msg string, keysAndValues ...any) {
	GetLogger().Fatal(msg, keysAndValues...)
}

func SetLevel(level Level) {
	GetLogger().SetLevel(level)
}

func With(keyValues ...any) Logger {
	return GetLogger().With(keyValues...)
}
