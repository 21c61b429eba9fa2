package logger

import (
	"io"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ParseLevel converts a level name to a logrus level. Unknown names map to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// New creates a text logger at the given level.
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetLevel(ParseLevel(level))
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return l
}

// Discard returns a logger that drops everything. Used by tests and one-shot
// CLI commands that print their own output.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// ForPeer returns an entry tagged with the component and peer fields every
// connection-scoped log line carries.
func ForPeer(log logrus.FieldLogger, component, peer string) *logrus.Entry {
	return log.WithFields(logrus.Fields{
		"component": component,
		"peer":      peer,
	})
}
