package logx

import (
	"io"
	"strings"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = "2006-01-02T15:04:05.000Z07:00"
}

// Logger is a value type; the zero value discards everything.
// A Logger obtained from a Service follows every later Service.Apply.
type Logger struct {
	sink   func() zerolog.Logger
	fields []Field
}

func Nop() Logger {
	return fixed(zerolog.Nop())
}

// NewWriter logs JSON lines to w at the given level.
func NewWriter(w io.Writer, level string) Logger {
	lvl, ok := parseLevel(level)
	if !ok {
		lvl = zerolog.InfoLevel
	}
	return fixed(zerolog.New(w).Level(lvl).With().Timestamp().Logger())
}

func fixed(zl zerolog.Logger) Logger {
	return Logger{sink: func() zerolog.Logger { return zl }}
}

func (l Logger) IsZero() bool { return l.sink == nil }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append([]Field(nil), l.fields...), fields...)
	return l
}

func (l Logger) Debug(msg string, fields ...Field) { l.emit(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(zerolog.ErrorLevel, msg, fields) }

func (l Logger) emit(level zerolog.Level, msg string, fields []Field) {
	if l.sink == nil {
		return
	}
	zl := l.sink()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	for _, f := range l.fields {
		f(e)
	}
	for _, f := range fields {
		if f != nil {
			f(e)
		}
	}
	e.Msg(msg)
}

// ValidLevel reports whether s names one of debug, info, warn or error (or trace).
func ValidLevel(s string) bool {
	_, ok := parseLevel(s)
	return ok
}

func parseLevel(s string) (zerolog.Level, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	switch s {
	case "trace", "debug", "info", "warn", "error":
		lvl, err := zerolog.ParseLevel(s)
		return lvl, err == nil
	default:
		return zerolog.NoLevel, false
	}
}
