package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a structured logger with text output on stderr.
// app: application name (e.g., "safesend-recv")
// level: one of "debug", "info", "warn", "error" (default: "info")
func New(app string, level string) *logrus.Entry {
	return NewWithOutput(os.Stderr, app, level)
}

// NewWithOutput is New with a caller-chosen destination.
func NewWithOutput(w io.Writer, app string, level string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(w)
	logger.SetLevel(parseLevel(level))
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	// Add default fields: app and pid
	return logger.WithFields(logrus.Fields{
		"app": app,
		"pid": os.Getpid(),
	})
}

// Nop returns a logger that discards everything.
func Nop() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func parseLevel(level string) logrus.Level {
	switch level {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "info":
		return logrus.InfoLevel
	default:
		return logrus.InfoLevel
	}
}
