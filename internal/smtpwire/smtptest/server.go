// Package smtptest runs an in-process SMTP server for tests.
package smtptest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Message is one accepted transaction.
type Message struct {
	From string
	To   []string
	Data []byte
}

// Options controls how the server behaves.
type Options struct {
	// STARTTLS advertises and accepts STARTTLS with a self-signed certificate.
	STARTTLS bool
	// ImplicitTLS wraps the listener in TLS so the session starts encrypted.
	ImplicitTLS bool
	// Username and Password, when set, are the only credentials AUTH LOGIN
	// accepts. Mail is refused until the client authenticates.
	Username string
	Password string
	// RejectRcpt makes every RCPT TO fail with 550.
	RejectRcpt bool
	// RejectData makes every DATA transaction fail with 554.
	RejectData bool
}

// Server is a running test server.
type Server struct {
	Host string
	Port int

	opts Options
	leaf *x509.Certificate
	srv  *smtp.Server

	mu   sync.Mutex
	msgs []Message
}

// Start listens on a random loopback port and stops the server when the
// test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}

	s := &Server{opts: opts}
	s.srv = smtp.NewServer(&backend{server: s})
	s.srv.Domain = "localhost"
	s.srv.ReadTimeout = 10 * time.Second
	s.srv.WriteTimeout = 10 * time.Second
	s.srv.AllowInsecureAuth = true

	if opts.STARTTLS || opts.ImplicitTLS {
		cert, leaf, err := GenerateCertificate()
		if err != nil {
			_ = l.Close()
			t.Fatalf("smtptest: certificate: %v", err)
		}
		s.leaf = leaf
		tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}
		if opts.STARTTLS {
			s.srv.TLSConfig = tlsConfig
		}
		if opts.ImplicitTLS {
			l = tls.NewListener(l, tlsConfig)
		}
	}

	host, port, _ := net.SplitHostPort(l.Addr().String())
	s.Host = host
	s.Port, _ = strconv.Atoi(port)

	go func() {
		_ = s.srv.Serve(l)
	}()
	t.Cleanup(func() {
		_ = s.srv.Close()
	})
	return s
}

// ClientTLSConfig trusts the server certificate. It is nil when the server
// does not speak TLS.
func (s *Server) ClientTLSConfig() *tls.Config {
	if s.leaf == nil {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AddCert(s.leaf)
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
}

// Messages returns the accepted messages, oldest first.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *Server) store(m Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, m)
}

// GenerateCertificate creates a short-lived self-signed certificate valid
// for localhost and 127.0.0.1.
func GenerateCertificate() (tls.Certificate, *x509.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, err
	}

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return tls.Certificate{}, nil, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, leaf, nil
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{server: b.server}, nil
}

type session struct {
	server *Server
	authed bool
	from   string
	to     []string
}

func (s *session) AuthMechanisms() []string {
	if s.server.opts.Username == "" {
		return nil
	}
	return []string{"LOGIN"}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != "LOGIN" || s.server.opts.Username == "" {
		return nil, smtp.ErrAuthUnsupported
	}
	return &loginServer{check: func(username, password string) error {
		if username != s.server.opts.Username || password != s.server.opts.Password {
			return &smtp.SMTPError{
				Code:         535,
				EnhancedCode: smtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication failed",
			}
		}
		s.authed = true
		return nil
	}}, nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.server.opts.Username != "" && !s.authed {
		return &smtp.SMTPError{
			Code:         530,
			EnhancedCode: smtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.server.opts.RejectRcpt {
		return &smtp.SMTPError{
			Code:         550,
			EnhancedCode: smtp.EnhancedCode{5, 1, 1},
			Message:      "No such user",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if s.server.opts.RejectData {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message rejected",
		}
	}
	s.server.store(Message{From: s.from, To: append([]string(nil), s.to...), Data: data})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

// loginServer implements the server side of AUTH LOGIN.
type loginServer struct {
	check    func(username, password string) error
	username string
	step     int
}

func (l *loginServer) Next(response []byte) ([]byte, bool, error) {
	switch l.step {
	case 0:
		l.step++
		if len(response) == 0 {
			return []byte("Username:"), false, nil
		}
		l.username = string(response)
		l.step++
		return []byte("Password:"), false, nil
	case 1:
		l.username = string(response)
		l.step++
		return []byte("Password:"), false, nil
	case 2:
		l.step++
		return nil, true, l.check(l.username, string(response))
	default:
		return nil, true, errors.New("unexpected LOGIN response")
	}
}
