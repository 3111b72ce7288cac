package smtpwire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/example/mail-delivery-service/internal/common"
)

const (
	// MaxReplyLineLen bounds a single reply line, CRLF excluded.
	MaxReplyLineLen = 2048
	// MaxReplyLines bounds the number of lines in one multi-line reply.
	MaxReplyLines = 512
)

// Reply is one complete, possibly multi-line, server reply.
type Reply struct {
	Code  int
	Lines []string
	Raw   string
}

// Positive reports whether the reply carries a 2xx completion code.
func (r Reply) Positive() bool {
	return r.Code >= 200 && r.Code < 300
}

// ResponseReader reads SMTP replies off a buffered stream and mirrors every
// line into a transcript.
type ResponseReader struct {
	r          *bufio.Reader
	transcript *Transcript
}

// NewResponseReader wraps r. A nil transcript disables recording.
func NewResponseReader(r io.Reader, transcript *Transcript) *ResponseReader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReaderSize(r, 4096)
	}
	return &ResponseReader{r: br, transcript: transcript}
}

// ReadReply consumes lines until the final line of a reply: three digits
// followed by a space, or three digits alone. Continuation lines ("250-")
// and anything else are accumulated. Running out of input before the final
// line is a protocol error.
func (rr *ResponseReader) ReadReply() (Reply, error) {
	var lines []string
	for {
		line, err := rr.readLine()
		if err != nil {
			if len(lines) > 0 {
				return Reply{}, common.Wrap(common.ErrProtocol, fmt.Errorf("reply ended after %d lines: %w", len(lines), err))
			}
			return Reply{}, common.Wrap(common.ErrProtocol, fmt.Errorf("reading reply: %w", err))
		}
		rr.transcript.Server(line)
		lines = append(lines, line)

		if code, ok := finalLine(line); ok {
			return Reply{Code: code, Lines: lines, Raw: strings.Join(lines, "\n")}, nil
		}
		if len(lines) >= MaxReplyLines {
			return Reply{}, common.Wrap(common.ErrProtocol, fmt.Errorf("reply exceeds %d lines", MaxReplyLines))
		}
	}
}

func (rr *ResponseReader) readLine() (string, error) {
	var line []byte
	for {
		chunk, isPrefix, err := rr.r.ReadLine()
		line = append(line, chunk...)
		if err != nil {
			return "", err
		}
		if len(line) > MaxReplyLineLen {
			for isPrefix {
				if _, isPrefix, err = rr.r.ReadLine(); err != nil {
					break
				}
			}
			return "", errors.New("reply line too long")
		}
		if !isPrefix {
			return string(line), nil
		}
	}
}

func finalLine(line string) (int, bool) {
	if len(line) < 3 {
		return 0, false
	}
	code, err := strconv.Atoi(line[:3])
	if err != nil || code < 100 || code > 999 {
		return 0, false
	}
	if len(line) == 3 || line[3] == ' ' {
		return code, true
	}
	return 0, false
}
