// Package log provides the leveled, environment-configured logger used
// throughout the worker. The call-site shape (Debugf/Infof/Warningf, plus
// SetLevel) matches what the rest of the host project's CLI uses; the
// implementation underneath is logrus.
package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var base = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	l.SetLevel(levelFromEnv(os.Getenv("WORKER_LOG")))
	return l
}

func levelFromEnv(v string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info", "":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel overrides the logger's verbosity, ignoring WORKER_LOG. Used by
// the serve command's -log-level flag; the sandbox child does not call it
// and takes its verbosity from WORKER_LOG, which the supervisor sets.
func SetLevel(level string) {
	base.SetLevel(levelFromEnv(level))
}

// WithField returns an entry pinned to the given key/value, e.g. for
// tagging every log line of a single request with its worker pid.
func WithField(key string, value any) *logrus.Entry {
	return base.WithField(key, value)
}

func Debugf(format string, args ...any) { base.Debugf(format, args...) }
func Infof(format string, args ...any)  { base.Infof(format, args...) }
func Warningf(format string, args ...any) { base.Warnf(format, args...) }
func Errorf(format string, args ...any) { base.Errorf(format, args...) }
