package logger

import (
	"io"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const simpleTimeFormat = "02-01-2006 15:04:05"

// New constructs the application logger. Development environments get
// human readable console output; everything else emits JSON on stderr.
// Explicit writers override both. The level applies to the returned logger
// only; the process-wide zerolog level is left alone so the mail log keeps
// every event.
func New(env, level string, writers ...io.Writer) (*zerolog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	zerolog.TimeFieldFormat = simpleTimeFormat
	zerolog.DurationFieldUnit = time.Millisecond

	var output io.Writer
	switch {
	case len(writers) > 0:
		output = io.MultiWriter(writers...)
	case isDevelopment(env):
		cw := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: simpleTimeFormat}
		cw.FieldsExclude = []string{zerolog.TimestampFieldName}
		output = cw
	default:
		output = os.Stderr
	}

	logger := zerolog.New(output).With().Timestamp().Str("env", strings.ToLower(env)).Logger().Level(lvl)
	return &logger, nil
}

// Component returns l tagged with a component name. A zero logger becomes a
// no-op logger first.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return OrNop(l).With().Str("component", name).Logger()
}

// OrNop replaces a zero-value logger with zerolog.Nop().
func OrNop(l zerolog.Logger) zerolog.Logger {
	if reflect.ValueOf(l).IsZero() {
		return zerolog.Nop()
	}
	return l
}

func isDevelopment(env string) bool {
	return strings.EqualFold(env, "development") || strings.EqualFold(env, "dev")
}

func parseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(level)
	if level == "" {
		level = zerolog.InfoLevel.String()
	}
	return zerolog.ParseLevel(strings.ToLower(level))
}
