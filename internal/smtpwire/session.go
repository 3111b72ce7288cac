package smtpwire

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/example/mail-delivery-service/internal/common"
)

// DefaultTimeout bounds each I/O operation when Options.Timeout is unset.
const DefaultTimeout = 12 * time.Second

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options configures one SMTP session.
type Options struct {
	Host       string
	Port       int
	Encryption Encryption
	Timeout    time.Duration
	Username   string
	Password   string
	HelloName  string

	// StrictTLS aborts when the server refuses STARTTLS instead of carrying
	// on in clear text.
	StrictTLS bool
	// StrictAuth aborts when AUTH LOGIN is not accepted instead of carrying
	// on unauthenticated.
	StrictAuth bool
	// StrictEnvelope requires 2xx replies to MAIL FROM and RCPT TO.
	StrictEnvelope bool

	TLSConfig *tls.Config
	Dialer    Dialer
}

func (o Options) withDefaults() Options {
	o.Host = strings.TrimSpace(o.Host)
	if o.Port == 0 {
		o.Port = 587
	}
	if o.Encryption == "" {
		o.Encryption = EncryptionTLS
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if strings.TrimSpace(o.HelloName) == "" {
		o.HelloName = defaultHelloName()
	}
	if o.Dialer == nil {
		o.Dialer = &net.Dialer{}
	}
	return o
}

func (o Options) tlsConfig() *tls.Config {
	if o.TLSConfig != nil {
		cfg := o.TLSConfig.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = o.Host
		}
		return cfg
	}
	return &tls.Config{ServerName: o.Host, MinVersion: tls.VersionTLS12}
}

func defaultHelloName() string {
	name, err := os.Hostname()
	if err != nil || strings.TrimSpace(name) == "" {
		return "localhost"
	}
	return name
}

// Step names a state of the dialogue.
type Step string

const (
	StepConnect  Step = "connect"
	StepGreet    Step = "greet"
	StepHello    Step = "ehlo"
	StepStartTLS Step = "starttls"
	StepAuth     Step = "auth"
	StepMailFrom Step = "mail_from"
	StepRcptTo   Step = "rcpt_to"
	StepData     Step = "data"
	StepQuit     Step = "quit"
)

// StepResult is the outcome of a single named step.
type StepResult struct {
	Step Step
	OK   bool
	Code int
	Err  error
}

// Session owns one connection to an SMTP server and drives it one command
// at a time. A Session is not safe for concurrent use.
type Session struct {
	opts       Options
	conn       net.Conn
	w          *bufio.Writer
	reader     *ResponseReader
	transcript *Transcript
	tls        bool
	broken     bool

	closeOnce sync.Once
	closeErr  error
}

// Dial opens the connection described by opts. With EncryptionSSL the TLS
// handshake completes before Dial returns.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	if opts.Host == "" {
		return nil, common.Wrap(common.ErrConnection, errors.New("host is required"))
	}
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))

	dialCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	conn, err := opts.Dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, common.Wrap(common.ErrConnection, fmt.Errorf("dial %s: %w", addr, err))
	}

	secure := false
	if opts.Encryption == EncryptionSSL {
		tlsConn := tls.Client(conn, opts.tlsConfig())
		if err := tlsConn.HandshakeContext(dialCtx); err != nil {
			_ = conn.Close()
			return nil, common.Wrap(common.ErrConnection, fmt.Errorf("tls handshake with %s: %w", addr, err))
		}
		conn = tlsConn
		secure = true
	}

	s := NewSession(conn, opts)
	s.tls = secure
	return s, nil
}

// NewSession wraps an established connection. The greeting must not have
// been read yet.
func NewSession(conn net.Conn, opts Options) *Session {
	opts = opts.withDefaults()
	t := &Transcript{}
	return &Session{
		opts:       opts,
		conn:       conn,
		w:          bufio.NewWriterSize(conn, 4096),
		reader:     NewResponseReader(conn, t),
		transcript: t,
	}
}

// Transcript returns the dialogue recorded so far.
func (s *Session) Transcript() string {
	return s.transcript.String()
}

// IsTLS reports whether the connection is currently encrypted.
func (s *Session) IsTLS() bool {
	return s.tls
}

// Close closes the connection. Only the first call has an effect.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

// Greet reads the server greeting. Any reply code is accepted.
func (s *Session) Greet(ctx context.Context) StepResult {
	s.setDeadline(ctx)
	reply, err := s.reader.ReadReply()
	if err != nil {
		s.broken = true
		return StepResult{Step: StepGreet, Err: err}
	}
	return StepResult{Step: StepGreet, OK: true, Code: reply.Code}
}

// Hello sends EHLO. The reply code is recorded but not checked.
func (s *Session) Hello(ctx context.Context) StepResult {
	reply, err := s.cmd(ctx, "EHLO "+s.opts.HelloName)
	if err != nil {
		return StepResult{Step: StepHello, Err: err}
	}
	return StepResult{Step: StepHello, OK: true, Code: reply.Code}
}

// StartTLS asks the server to upgrade the connection and, on a 220 reply,
// performs the handshake in place. A refusal yields ErrTLSUpgradeSkipped and
// leaves the connection usable in clear text. EHLO must be sent again after
// a successful upgrade.
func (s *Session) StartTLS(ctx context.Context) StepResult {
	reply, err := s.cmd(ctx, "STARTTLS")
	if err != nil {
		return StepResult{Step: StepStartTLS, Err: err}
	}
	if reply.Code != 220 {
		return StepResult{
			Step: StepStartTLS,
			Code: reply.Code,
			Err:  common.Wrap(common.ErrTLSUpgradeSkipped, fmt.Errorf("server replied %q", reply.Raw)),
		}
	}

	s.setDeadline(ctx)
	tlsConn := tls.Client(s.conn, s.opts.tlsConfig())
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		s.broken = true
		return StepResult{Step: StepStartTLS, Code: reply.Code, Err: common.Wrap(common.ErrConnection, fmt.Errorf("tls handshake: %w", err))}
	}

	s.conn = tlsConn
	s.w = bufio.NewWriterSize(tlsConn, 4096)
	s.reader = NewResponseReader(tlsConn, s.transcript)
	s.tls = true
	return StepResult{Step: StepStartTLS, OK: true, Code: reply.Code}
}

// Auth performs AUTH LOGIN. Credentials never reach the transcript. Only a
// final 235 counts as success.
func (s *Session) Auth(ctx context.Context, username, password string) StepResult {
	reply, err := s.cmd(ctx, "AUTH LOGIN")
	if err != nil {
		return StepResult{Step: StepAuth, Err: err}
	}
	for _, secret := range []string{username, password} {
		reply, err = s.secretCmd(ctx, base64.StdEncoding.EncodeToString([]byte(secret)))
		if err != nil {
			return StepResult{Step: StepAuth, Err: err}
		}
	}
	if reply.Code != 235 {
		return StepResult{
			Step: StepAuth,
			Code: reply.Code,
			Err:  common.Wrap(common.ErrAuth, fmt.Errorf("server replied %q", reply.Raw)),
		}
	}
	return StepResult{Step: StepAuth, OK: true, Code: reply.Code}
}

// MailFrom sends the envelope sender.
func (s *Session) MailFrom(ctx context.Context, from string) StepResult {
	return s.envelope(ctx, StepMailFrom, "MAIL FROM:<"+from+">")
}

// RcptTo sends the envelope recipient.
func (s *Session) RcptTo(ctx context.Context, to string) StepResult {
	return s.envelope(ctx, StepRcptTo, "RCPT TO:<"+to+">")
}

func (s *Session) envelope(ctx context.Context, step Step, line string) StepResult {
	reply, err := s.cmd(ctx, line)
	if err != nil {
		return StepResult{Step: step, Err: err}
	}
	if !reply.Positive() {
		return StepResult{
			Step: step,
			Code: reply.Code,
			Err:  common.Wrap(common.ErrProtocol, fmt.Errorf("%s rejected: %q", strings.ToUpper(string(step)), reply.Raw)),
		}
	}
	return StepResult{Step: step, OK: true, Code: reply.Code}
}

// Data sends DATA, streams msg dot-stuffed and terminated, and reads the
// final reply. The intermediate reply must be 354 and the final one 2xx.
func (s *Session) Data(ctx context.Context, msg []byte) StepResult {
	reply, err := s.cmd(ctx, "DATA")
	if err != nil {
		return StepResult{Step: StepData, Err: err}
	}
	if reply.Code != 354 {
		return StepResult{
			Step: StepData,
			Code: reply.Code,
			Err:  common.Wrap(common.ErrProtocol, fmt.Errorf("DATA rejected: %q", reply.Raw)),
		}
	}

	s.setDeadline(ctx)
	payload := DotStuff(msg)
	s.transcript.Client(fmt.Sprintf("<message %d bytes>", len(payload)))
	s.transcript.Client(".")
	if _, err := s.w.Write(payload); err != nil {
		return s.writeFailed(StepData, err)
	}
	if _, err := s.w.WriteString(".\r\n"); err != nil {
		return s.writeFailed(StepData, err)
	}
	if err := s.w.Flush(); err != nil {
		return s.writeFailed(StepData, err)
	}

	reply, err = s.read(ctx)
	if err != nil {
		return StepResult{Step: StepData, Err: err}
	}
	if !reply.Positive() {
		return StepResult{
			Step: StepData,
			Code: reply.Code,
			Err:  common.Wrap(common.ErrProtocol, fmt.Errorf("message rejected: %q", reply.Raw)),
		}
	}
	return StepResult{Step: StepData, OK: true, Code: reply.Code}
}

// Quit sends QUIT unless the connection already failed.
func (s *Session) Quit(ctx context.Context) StepResult {
	if s.broken {
		return StepResult{Step: StepQuit, Err: common.Wrap(common.ErrConnection, errors.New("connection unusable"))}
	}
	reply, err := s.cmd(ctx, "QUIT")
	if err != nil {
		return StepResult{Step: StepQuit, Err: err}
	}
	return StepResult{Step: StepQuit, OK: true, Code: reply.Code}
}

func (s *Session) cmd(ctx context.Context, line string) (Reply, error) {
	s.transcript.Client(line)
	return s.send(ctx, line)
}

func (s *Session) secretCmd(ctx context.Context, line string) (Reply, error) {
	s.transcript.Secret()
	return s.send(ctx, line)
}

func (s *Session) send(ctx context.Context, line string) (Reply, error) {
	if s.broken {
		return Reply{}, common.Wrap(common.ErrConnection, errors.New("connection unusable"))
	}
	s.setDeadline(ctx)
	if _, err := s.w.WriteString(line + "\r\n"); err != nil {
		s.broken = true
		return Reply{}, common.Wrap(common.ErrConnection, err)
	}
	if err := s.w.Flush(); err != nil {
		s.broken = true
		return Reply{}, common.Wrap(common.ErrConnection, err)
	}
	return s.read(ctx)
}

func (s *Session) read(ctx context.Context) (Reply, error) {
	s.setDeadline(ctx)
	reply, err := s.reader.ReadReply()
	if err != nil {
		s.broken = true
		return Reply{}, err
	}
	return reply, nil
}

func (s *Session) writeFailed(step Step, err error) StepResult {
	s.broken = true
	return StepResult{Step: step, Err: common.Wrap(common.ErrConnection, err)}
}

// setDeadline applies the per-operation timeout, never extending past the
// context deadline.
func (s *Session) setDeadline(ctx context.Context) {
	deadline := time.Now().Add(s.opts.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = s.conn.SetDeadline(deadline)
}
