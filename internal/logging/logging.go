// Package logging provides a small structured-logging facade backed by
// zerolog. Every subsystem constructor takes a Logger (or nil, which is
// replaced with a no-op implementation) so call sites never need to guard
// against a missing logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging contract used throughout the host.
// Field args are alternating key/value pairs, mirroring zerolog's own
// convenience style without binding callers to the zerolog API directly.
type Logger interface {
	Debug(msg string, kv ...interface{})
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, err error, kv ...interface{})
	With(component string) Logger
}

// zlogger wraps a zerolog.Logger to satisfy Logger.
type zlogger struct {
	z zerolog.Logger
}

// New builds a Logger that writes human-readable, colorized console output
// to w (os.Stderr is the usual choice), tagged with component.
func New(w io.Writer, component string) Logger {
	if w == nil {
		w = os.Stderr
	}
	console := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	z := zerolog.New(console).With().Timestamp().Str("component", component).Logger()
	return &zlogger{z: z}
}

func apply(ctx zerolog.Context, kv []interface{}) zerolog.Context {
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		if key == "" {
			continue
		}
		ctx = ctx.Interface(key, kv[i+1])
	}
	return ctx
}

func (l *zlogger) Debug(msg string, kv ...interface{}) {
	ev := apply(l.z.With(), kv).Logger()
	ev.Debug().Msg(msg)
}

func (l *zlogger) Info(msg string, kv ...interface{}) {
	ev := apply(l.z.With(), kv).Logger()
	ev.Info().Msg(msg)
}

func (l *zlogger) Warn(msg string, kv ...interface{}) {
	ev := apply(l.z.With(), kv).Logger()
	ev.Warn().Msg(msg)
}

func (l *zlogger) Error(msg string, err error, kv ...interface{}) {
	ev := apply(l.z.With(), kv).Logger()
	ev.Error().Err(err).Msg(msg)
}

func (l *zlogger) With(component string) Logger {
	return &zlogger{z: l.z.With().Str("subcomponent", component).Logger()}
}

// nopLogger discards everything. Used whenever a caller passes a nil Logger.
type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{})        {}
func (nopLogger) Info(string, ...interface{})         {}
func (nopLogger) Warn(string, ...interface{})         {}
func (nopLogger) Error(string, error, ...interface{}) {}
func (nopLogger) With(string) Logger                  { return nopLogger{} }

// Nop is the shared no-op Logger.
var Nop Logger = nopLogger{}

// OrNop returns l, or Nop if l is nil. Construction helpers use this so a
// caller can always pass a possibly-nil Logger without a panic.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}
