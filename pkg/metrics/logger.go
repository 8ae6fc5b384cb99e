package metrics

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level represents a logging level.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelSilent // Disables all logging
)

// String returns the level name.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelSilent:
		return "SILENT"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string. Unknown names map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "DEBUG", "TRACE":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERROR":
		return LevelError
	case "SILENT", "OFF", "NONE":
		return LevelSilent
	default:
		return LevelInfo
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	case LevelSilent:
		return logrus.PanicLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields represents structured log fields.
type Fields map[string]interface{}

// Format specifies the log output format.
type Format int

const (
	FormatText Format = iota // Human-readable text format
	FormatJSON               // JSON format for log aggregation
)

// ParseFormat maps "json" to FormatJSON and anything else to FormatText.
func ParseFormat(s string) Format {
	if strings.EqualFold(s, "json") {
		return FormatJSON
	}
	return FormatText
}

// Logger provides leveled, structured logging on top of logrus. Loggers
// derived with With or Named share the parent's output and level.
type Logger struct {
	base  *logrus.Logger
	entry *logrus.Entry
	out   io.Writer
	name  string
}

type loggerOptions struct {
	out    io.Writer
	level  Level
	format Format
	fields Fields
	name   string
}

// LoggerOption configures a logger.
type LoggerOption func(*loggerOptions)

// WithOutput sets the output writer.
func WithOutput(w io.Writer) LoggerOption {
	return func(o *loggerOptions) {
		o.out = w
	}
}

// WithLevel sets the minimum log level.
func WithLevel(level Level) LoggerOption {
	return func(o *loggerOptions) {
		o.level = level
	}
}

// WithFormat sets the output format.
func WithFormat(format Format) LoggerOption {
	return func(o *loggerOptions) {
		o.format = format
	}
}

// WithFields sets default fields for all log entries.
func WithFields(fields Fields) LoggerOption {
	return func(o *loggerOptions) {
		o.fields = fields
	}
}

// WithName sets the logger name.
func WithName(name string) LoggerOption {
	return func(o *loggerOptions) {
		o.name = name
	}
}

// NewLogger creates a new logger with the given options.
func NewLogger(opts ...LoggerOption) *Logger {
	o := loggerOptions{
		out:    os.Stdout,
		level:  LevelInfo,
		format: FormatText,
	}
	for _, opt := range opts {
		opt(&o)
	}

	base := logrus.New()
	base.SetFormatter(formatter(o.format))

	l := &Logger{base: base, entry: logrus.NewEntry(base), out: o.out, name: o.name}
	l.SetLevel(o.level)
	if len(o.fields) > 0 {
		l.entry = l.entry.WithFields(logrus.Fields(o.fields))
	}
	if o.name != "" {
		l.entry = l.entry.WithField("logger", o.name)
	}
	return l
}

func formatter(f Format) logrus.Formatter {
	if f == FormatJSON {
		return &logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano}
	}
	return &logrus.TextFormatter{
		FullTimestamp:    true,
		TimestampFormat:  "15:04:05.000",
		DisableQuote:     true,
		QuoteEmptyFields: true,
	}
}

// With returns a new logger with additional fields.
func (l *Logger) With(fields Fields) *Logger {
	return &Logger{
		base:  l.base,
		entry: l.entry.WithFields(logrus.Fields(fields)),
		out:   l.out,
		name:  l.name,
	}
}

// Named returns a new logger with the given name appended to the current one.
func (l *Logger) Named(name string) *Logger {
	if l.name != "" {
		name = l.name + "." + name
	}
	return &Logger{
		base:  l.base,
		entry: l.entry.WithField("logger", name),
		out:   l.out,
		name:  name,
	}
}

// SetLevel changes the logging level of this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level Level) {
	l.base.SetLevel(level.logrus())
	if level == LevelSilent {
		l.base.SetOutput(io.Discard)
	} else {
		l.base.SetOutput(l.out)
	}
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string, fields ...Fields) {
	l.log(logrus.DebugLevel, msg, fields)
}

// Info logs at info level.
func (l *Logger) Info(msg string, fields ...Fields) {
	l.log(logrus.InfoLevel, msg, fields)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string, fields ...Fields) {
	l.log(logrus.WarnLevel, msg, fields)
}

// Error logs at error level.
func (l *Logger) Error(msg string, fields ...Fields) {
	l.log(logrus.ErrorLevel, msg, fields)
}

func (l *Logger) log(level logrus.Level, msg string, extra []Fields) {
	if !l.base.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	for _, f := range extra {
		entry = entry.WithFields(logrus.Fields(f))
	}
	entry.Log(level, msg)
}

var (
	globalLoggerMu sync.RWMutex
	globalLogger   = NewLogger()
)

// SetLogger replaces the logger that NewTunnelObserver and the other
// constructors fall back to. A nil logger restores the stdout default.
func SetLogger(l *Logger) {
	if l == nil {
		l = NewLogger()
	}
	globalLoggerMu.Lock()
	globalLogger = l
	globalLoggerMu.Unlock()
}

// GetLogger returns the global logger.
func GetLogger() *Logger {
	globalLoggerMu.RLock()
	defer globalLoggerMu.RUnlock()
	return globalLogger
}

// NullLogger returns a logger that discards everything.
func NullLogger() *Logger {
	return NewLogger(WithLevel(LevelSilent))
}

// TestLogger returns a debug-level text logger writing to w.
func TestLogger(w io.Writer) *Logger {
	return NewLogger(WithOutput(w), WithLevel(LevelDebug))
}
