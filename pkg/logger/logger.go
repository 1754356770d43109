// Package logger wraps logrus with the component-scoped defaults used across
// the registry services.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Config controls how a Logger renders entries.
type Config struct {
	Level  string
	Format string
	Output io.Writer
}

// Logger is a logrus logger bound to a component name. Entries created through
// WithField, WithFields and WithError carry the component automatically.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a logger for component using cfg. Unknown levels fall back to info,
// unknown formats to text.
func New(component string, cfg Config) *Logger {
	base := logrus.New()
	if cfg.Output != nil {
		base.SetOutput(cfg.Output)
	} else {
		base.SetOutput(os.Stderr)
	}

	level, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if strings.EqualFold(cfg.Format, "json") {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	return &Logger{Logger: base, component: component}
}

// NewDefault returns an info-level text logger writing to stderr.
func NewDefault(component string) *Logger {
	return New(component, Config{})
}

// Component returns the name the logger was created for.
func (l *Logger) Component() string {
	return l.component
}

// Named returns a logger sharing the same output and level under a new component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger, component: component}
}

func (l *Logger) entry() *logrus.Entry {
	return logrus.NewEntry(l.Logger).WithField("component", l.component)
}

// WithField returns an entry carrying the component and the given field.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.entry().WithField(key, value)
}

// WithFields returns an entry carrying the component and the given fields.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	return l.entry().WithFields(fields)
}

// WithError returns an entry carrying the component and err.
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry().WithError(err)
}
