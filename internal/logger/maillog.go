package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Mail log formats.
const (
	MailLogText = "text"
	MailLogJSON = "json"
)

// MailLog is the append-only audit trail every delivery driver writes to.
// Each event is emitted with a single Write on an O_APPEND descriptor so
// concurrent deliveries never interleave within a line.
type MailLog struct {
	logger zerolog.Logger
	file   *os.File
}

// OpenMailLog opens (creating if needed) the mail log at path. An empty path
// or "-" routes mail log events to fallback instead of a file, ignoring the
// fallback's level.
func OpenMailLog(path, format string, fallback zerolog.Logger) (*MailLog, error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return &MailLog{logger: Component(fallback, "mail-log").Level(zerolog.TraceLevel)}, nil
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open mail log %s: %w", path, err)
	}

	w, err := mailLogWriter(f, format)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &MailLog{
		logger: zerolog.New(w).With().Timestamp().Logger(),
		file:   f,
	}, nil
}

// NewMailLog writes mail log events to w. It is mostly useful in tests.
func NewMailLog(w io.Writer, format string) (*MailLog, error) {
	out, err := mailLogWriter(w, format)
	if err != nil {
		return nil, err
	}
	return &MailLog{logger: zerolog.New(out).With().Timestamp().Logger()}, nil
}

func mailLogWriter(w io.Writer, format string) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", MailLogText:
		return zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    true,
			TimeFormat: time.RFC3339,
		}, nil
	case MailLogJSON:
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported mail log format %q", format)
	}
}

// Logger returns the zerolog logger backing the mail log. A nil MailLog
// yields a no-op logger.
func (m *MailLog) Logger() zerolog.Logger {
	if m == nil {
		return zerolog.Nop()
	}
	return m.logger
}

// Close closes the underlying file, if any.
func (m *MailLog) Close() error {
	if m == nil || m.file == nil {
		return nil
	}
	return m.file.Close()
}
