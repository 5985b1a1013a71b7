// Package log wraps logrus behind a small Logger interface so the rest
// of the gateway never imports logrus directly.
package log

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger is the leveled, field-structured logging surface used across
// the gateway.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(key string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsDebugEnabled() bool
}

// Config selects level, line pattern and outputs for the process-wide
// logger. The zero value logs at info to stdout with DefaultPattern.
type Config struct {
	Level      string     `mapstructure:"level"`
	Pattern    string     `mapstructure:"pattern"`
	TimeFormat string     `mapstructure:"time_format"`
	File       FileOutput `mapstructure:"file"`
}

// FileOutput enables a rotated log file next to the console output.
type FileOutput struct {
	Enabled    bool   `mapstructure:"enabled"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

var (
	mu     sync.Mutex
	global Logger = newAdapter(defaultLogrus())
)

// Init replaces the process-wide logger according to cfg. Safe to call
// once at daemon start; packages that grabbed the logger earlier keep
// their old instance.
func Init(cfg Config) error {
	l := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	l.SetFormatter(newPatternFormatter(cfg.Pattern, cfg.TimeFormat))

	out, err := buildOutput(cfg)
	if err != nil {
		return err
	}
	l.SetOutput(out)

	mu.Lock()
	global = newAdapter(l)
	mu.Unlock()
	return nil
}

// GetLogger returns the process-wide logger.
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	return global
}

func defaultLogrus() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(newPatternFormatter("", ""))
	return l
}

type adapter struct {
	entry *logrus.Entry
}

func newAdapter(l *logrus.Logger) *adapter {
	return &adapter{entry: logrus.NewEntry(l)}
}

func (a *adapter) Trace(args ...interface{})            { a.entry.Trace(args...) }
func (a *adapter) Tracef(f string, args ...interface{}) { a.entry.Tracef(f, args...) }
func (a *adapter) Debug(args ...interface{})            { a.entry.Debug(args...) }
func (a *adapter) Debugf(f string, args ...interface{}) { a.entry.Debugf(f, args...) }
func (a *adapter) Info(args ...interface{})             { a.entry.Info(args...) }
func (a *adapter) Infof(f string, args ...interface{})  { a.entry.Infof(f, args...) }
func (a *adapter) Warn(args ...interface{})             { a.entry.Warn(args...) }
func (a *adapter) Warnf(f string, args ...interface{})  { a.entry.Warnf(f, args...) }
func (a *adapter) Error(args ...interface{})            { a.entry.Error(args...) }
func (a *adapter) Errorf(f string, args ...interface{}) { a.entry.Errorf(f, args...) }
func (a *adapter) Fatal(args ...interface{})            { a.entry.Fatal(args...) }
func (a *adapter) Fatalf(f string, args ...interface{}) { a.entry.Fatalf(f, args...) }

func (a *adapter) WithField(key string, value interface{}) Logger {
	return &adapter{entry: a.entry.WithField(key, value)}
}

func (a *adapter) WithFields(fields map[string]interface{}) Logger {
	return &adapter{entry: a.entry.WithFields(fields)}
}

func (a *adapter) WithError(err error) Logger {
	return &adapter{entry: a.entry.WithError(err)}
}

func (a *adapter) IsDebugEnabled() bool {
	return a.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
