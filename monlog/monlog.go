// Package monlog wraps logrus with the field conventions the monitoring
// core uses everywhere: every log line carries the owning monitor's name,
// and optional file output rotates through lumberjack.
package monlog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where and how log output is written.
type Config struct {
	// File, when non-empty, enables rotating file output alongside stderr.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Debug      bool
}

// base is the process-wide logrus instance every Logger derives from.
var base = logrus.New()

// Init applies cfg to the shared base logger. Call once at process start;
// safe to call again in tests with a fresh Config.
func Init(cfg Config) {
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cfg.Debug {
		base.SetLevel(logrus.DebugLevel)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}

	var out io.Writer = os.Stderr
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 3),
			MaxAge:     orDefault(cfg.MaxAgeDays, 28),
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	base.SetOutput(out)
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// Logger is a monitor-scoped log entry.
type Logger struct {
	entry *logrus.Entry
}

// For returns a Logger scoped to the given monitor name.
func For(monitorName string) *Logger {
	return &Logger{entry: base.WithField("monitor", monitorName)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// WithServer scopes an additional "server" field onto this Logger without
// mutating it, for one log call.
func (l *Logger) WithServer(name string) *logrus.Entry {
	return l.entry.WithField("server", name)
}
