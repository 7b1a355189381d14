package identity

import (
	"sync"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-logger/glog"
)

// Logger is the logging contract used across the package. glog.Logger
// satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var (
	baseLoggerOnce sync.Once
	baseLogger     *glog.BaseLogger
)

// DefaultLogger returns a named child of the package wide glog logger.
func DefaultLogger(name string) Logger {
	baseLoggerOnce.Do(func() {
		baseLogger = glog.NewLogger(
			glog.WithName("identity"),
			glog.WithLevel(glog.Info),
			glog.WithAddSource(false),
			glog.WithRichErrorHandler(errors.ToSlogAttributes),
		)
	})
	return baseLogger.GetLogger(name)
}

func resolveLogger(name string, logger Logger) Logger {
	if logger != nil {
		return logger
	}
	return DefaultLogger(name)
}
