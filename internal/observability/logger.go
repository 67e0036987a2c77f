// Package observability provides the structured logging layer.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with engine-specific field helpers.
type Logger struct {
	zl zerolog.Logger
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Format      string // json or console
	Output      io.Writer
	ServiceName string
}

// NewLogger creates a Logger with the given configuration.
func NewLogger(cfg LogConfig) *Logger {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	} else {
		zl = zerolog.New(output)
	}

	zl = zl.Level(parseLevel(cfg.Level)).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()

	return &Logger{zl: zl}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// DefaultLogger returns a console logger for development.
func DefaultLogger() *Logger {
	return NewLogger(LogConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "spaces-engine",
	})
}

// WithUser returns a logger carrying the user id field.
func (l *Logger) WithUser(userID int64) *Logger {
	return &Logger{zl: l.zl.With().Int64("user_id", userID).Logger()}
}

// WithSpace returns a logger carrying the space id field.
func (l *Logger) WithSpace(spaceID int64) *Logger {
	return &Logger{zl: l.zl.With().Int64("space_id", spaceID).Logger()}
}

// WithComponent returns a logger carrying the component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

func (l *Logger) Debug() *Event { return &Event{evt: l.zl.Debug()} }
func (l *Logger) Info() *Event  { return &Event{evt: l.zl.Info()} }
func (l *Logger) Warn() *Event  { return &Event{evt: l.zl.Warn()} }
func (l *Logger) Error() *Event { return &Event{evt: l.zl.Error()} }
func (l *Logger) Fatal() *Event { return &Event{evt: l.zl.Fatal()} }

// Event is a log event being assembled.
type Event struct {
	evt *zerolog.Event
}

func (e *Event) Str(key, val string) *Event {
	e.evt = e.evt.Str(key, val)
	return e
}

func (e *Event) Strs(key string, val []string) *Event {
	e.evt = e.evt.Strs(key, val)
	return e
}

func (e *Event) Int(key string, val int) *Event {
	e.evt = e.evt.Int(key, val)
	return e
}

func (e *Event) Int64(key string, val int64) *Event {
	e.evt = e.evt.Int64(key, val)
	return e
}

func (e *Event) Float64(key string, val float64) *Event {
	e.evt = e.evt.Float64(key, val)
	return e
}

func (e *Event) Bool(key string, val bool) *Event {
	e.evt = e.evt.Bool(key, val)
	return e
}

func (e *Event) Dur(key string, val time.Duration) *Event {
	e.evt = e.evt.Dur(key, val)
	return e
}

func (e *Event) Err(err error) *Event {
	e.evt = e.evt.Err(err)
	return e
}

func (e *Event) Msg(msg string) {
	e.evt.Msg(msg)
}

func (e *Event) Msgf(format string, args ...interface{}) {
	e.evt.Msgf(format, args...)
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}
