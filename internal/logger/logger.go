package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var _log = logrus.New()

// Init initializes the global logger with output writer and debug level.
func Init(debug bool, out io.Writer) {
	if out == nil {
		out = os.Stdout
	}
	_log.SetOutput(out)
	if debug {
		_log.SetLevel(logrus.DebugLevel)
		_log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		_log.SetLevel(logrus.InfoLevel)
		_log.SetFormatter(&logrus.JSONFormatter{})
	}
}

// RotatingOutput returns a writer that tees stdout and a size-rotated log file in dir.
// If dir cannot be created the fallback directory is used instead.
func RotatingOutput(dir, fallback, filename string) (io.Writer, string) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		dir = fallback
		_ = os.MkdirAll(dir, 0o755)
	}
	path := filepath.Join(dir, filename)
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	return io.MultiWriter(os.Stdout, rotator), path
}

// Log returns a standard logger entry to use across packages.
func Log() *logrus.Entry {
	return logrus.NewEntry(_log)
}

// WithFields returns a logger entry with provided fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log().WithFields(fields)
}

// WithJob returns an entry tagged with a scheduler job id.
func WithJob(id string) *logrus.Entry {
	return Log().WithField("job", id)
}
