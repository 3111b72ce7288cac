package smtpwire

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/mail-delivery-service/internal/common"
)

// peerScript maps an upper-cased command verb to the raw reply sent back.
// Missing verbs are answered with "250 OK".
type peerScript struct {
	greeting string
	replies  map[string]string
	silent   bool
}

type fakePeer struct {
	mu       sync.Mutex
	commands []string
	data     string
	wg       sync.WaitGroup
}

func (p *fakePeer) Commands() []string {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}

func (p *fakePeer) Data() string {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.data
}

type pipeDialer struct {
	conn net.Conn
	err  error
}

func (d pipeDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

func startPeer(t *testing.T, script peerScript) (*fakePeer, Dialer) {
	t.Helper()

	server, client := net.Pipe()
	peer := &fakePeer{}
	peer.wg.Add(1)

	go func() {
		defer peer.wg.Done()
		defer server.Close()
		_ = runPeer(server, script, peer)
	}()

	return peer, pipeDialer{conn: client}
}

func runPeer(conn net.Conn, script peerScript, peer *fakePeer) error {
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	reply := func(raw string) error {
		for _, line := range strings.Split(raw, "\n") {
			if _, err := fmt.Fprintf(writer, "%s\r\n", line); err != nil {
				return err
			}
		}
		return writer.Flush()
	}

	if script.silent {
		_, err := reader.ReadString('\n')
		return err
	}

	greeting := script.greeting
	if greeting == "" {
		greeting = "220 fake smtp ready"
	}
	if err := reply(greeting); err != nil {
		return err
	}

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		peer.mu.Lock()
		peer.commands = append(peer.commands, line)
		peer.mu.Unlock()

		verb := strings.ToUpper(line)
		if idx := strings.IndexAny(verb, " :"); idx > 0 {
			verb = verb[:idx]
		}
		if strings.HasPrefix(strings.ToUpper(line), "AUTH ") {
			verb = "AUTH"
		}

		answer, ok := script.replies[verb]
		switch {
		case ok:
		case verb == "DATA":
			answer = "354 end with <CRLF>.<CRLF>"
		case verb == "QUIT":
			answer = "221 bye"
		case verb == "EHLO":
			answer = "250-fake\n250 OK"
		default:
			answer = "250 OK"
		}
		if err := reply(answer); err != nil {
			return err
		}

		switch {
		case verb == "QUIT":
			return nil
		case verb == "DATA" && strings.HasPrefix(answer, "354"):
			var data strings.Builder
			for {
				msgLine, err := reader.ReadString('\n')
				if err != nil {
					return err
				}
				if msgLine == ".\r\n" {
					break
				}
				data.WriteString(msgLine)
			}
			peer.mu.Lock()
			peer.data = data.String()
			peer.mu.Unlock()

			final, ok := script.replies["."]
			if !ok {
				final = "250 queued"
			}
			if err := reply(final); err != nil {
				return err
			}
		}
	}
}

func plainOptions(d Dialer) Options {
	return Options{
		Host:           "mx.test",
		Port:           25,
		Encryption:     EncryptionNone,
		Timeout:        2 * time.Second,
		HelloName:      "client.test",
		StrictEnvelope: true,
		Dialer:         d,
	}
}

const testMessage = "Subject: hi\r\n\r\nbody\r\n.leading dot\r\n"

func TestDeliverPlainDialogue(t *testing.T) {
	peer, dialer := startPeer(t, peerScript{greeting: "220-mx.test ESMTP\n220 ready"})

	out := Deliver(context.Background(), plainOptions(dialer), "from@test", "to@test", []byte(testMessage))

	require.NoError(t, out.Err)
	assert.True(t, out.Sent)
	assert.Equal(t, 221, out.Code)
	assert.Empty(t, out.Warnings)
	assert.Equal(t, []string{
		"EHLO client.test",
		"MAIL FROM:<from@test>",
		"RCPT TO:<to@test>",
		"DATA",
		"QUIT",
	}, peer.Commands())
	assert.Equal(t, "Subject: hi\r\n\r\nbody\r\n..leading dot\r\n", peer.Data())

	assert.Contains(t, out.Transcript, "S: 220-mx.test ESMTP\nS: 220 ready\n")
	assert.Contains(t, out.Transcript, "C: MAIL FROM:<from@test>\n")
	assert.Contains(t, out.Transcript, "S: 221 bye\n")

	var steps []Step
	for _, s := range out.Steps {
		steps = append(steps, s.Step)
		assert.True(t, s.OK, "step %s should succeed", s.Step)
	}
	assert.Equal(t, []Step{StepConnect, StepGreet, StepHello, StepMailFrom, StepRcptTo, StepData, StepQuit}, steps)
	assert.Contains(t, out.Summary(), "rcpt_to=ok(250)")
}

func TestDeliverAcceptsNegativeGreeting(t *testing.T) {
	_, dialer := startPeer(t, peerScript{greeting: "554 not today"})

	out := Deliver(context.Background(), plainOptions(dialer), "from@test", "to@test", []byte(testMessage))
	assert.True(t, out.Sent)
}

func TestDeliverConnectFailure(t *testing.T) {
	opts := plainOptions(pipeDialer{err: errors.New("connection refused")})

	out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

	assert.False(t, out.Sent)
	assert.ErrorIs(t, out.Err, common.ErrConnection)
	assert.Empty(t, out.Transcript)
	require.Len(t, out.Steps, 1)
	assert.Equal(t, StepConnect, out.Steps[0].Step)
}

func TestDeliverGreetingTimeout(t *testing.T) {
	peer, dialer := startPeer(t, peerScript{silent: true})
	opts := plainOptions(dialer)
	opts.Timeout = 50 * time.Millisecond

	out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

	assert.False(t, out.Sent)
	assert.ErrorIs(t, out.Err, common.ErrProtocol)
	assert.Empty(t, peer.Commands())
}

func TestDeliverStartTLSRefused(t *testing.T) {
	script := peerScript{replies: map[string]string{"STARTTLS": "454 TLS not available"}}

	t.Run("soft", func(t *testing.T) {
		peer, dialer := startPeer(t, script)
		opts := plainOptions(dialer)
		opts.Encryption = EncryptionTLS

		out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

		require.NoError(t, out.Err)
		assert.True(t, out.Sent)
		require.Len(t, out.Warnings, 1)
		assert.ErrorIs(t, out.Warnings[0], common.ErrTLSUpgradeSkipped)
		assert.Equal(t, []string{
			"EHLO client.test",
			"STARTTLS",
			"MAIL FROM:<from@test>",
			"RCPT TO:<to@test>",
			"DATA",
			"QUIT",
		}, peer.Commands())
	})

	t.Run("strict", func(t *testing.T) {
		peer, dialer := startPeer(t, script)
		opts := plainOptions(dialer)
		opts.Encryption = EncryptionTLS
		opts.StrictTLS = true

		out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

		assert.False(t, out.Sent)
		assert.ErrorIs(t, out.Err, common.ErrTLSUpgradeSkipped)
		assert.Equal(t, []string{"EHLO client.test", "STARTTLS", "QUIT"}, peer.Commands())
	})
}

func TestDeliverAuthRejected(t *testing.T) {
	script := peerScript{replies: map[string]string{
		"AUTH": "334 VXNlcm5hbWU6",
	}}
	user := base64.StdEncoding.EncodeToString([]byte("mailer"))
	pass := base64.StdEncoding.EncodeToString([]byte("s3cret"))
	script.replies[strings.ToUpper(user)] = "334 UGFzc3dvcmQ6"
	script.replies[strings.ToUpper(pass)] = "535 5.7.8 bad credentials"

	t.Run("soft", func(t *testing.T) {
		peer, dialer := startPeer(t, script)
		opts := plainOptions(dialer)
		opts.Username = "mailer"
		opts.Password = "s3cret"

		out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

		assert.False(t, out.Sent)
		assert.ErrorIs(t, out.Err, common.ErrAuth)
		assert.Contains(t, peer.Commands(), "DATA")
		assert.Equal(t, 2, strings.Count(out.Transcript, "C: <redacted>"))
		assert.NotContains(t, out.Transcript, pass)
		assert.NotContains(t, out.Transcript, user)
	})

	t.Run("strict", func(t *testing.T) {
		peer, dialer := startPeer(t, script)
		opts := plainOptions(dialer)
		opts.Username = "mailer"
		opts.Password = "s3cret"
		opts.StrictAuth = true

		out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

		assert.False(t, out.Sent)
		assert.ErrorIs(t, out.Err, common.ErrAuth)
		assert.NotContains(t, peer.Commands(), "MAIL FROM:<from@test>")
		assert.Equal(t, "QUIT", peer.Commands()[len(peer.Commands())-1])
	})
}

func TestDeliverSkipsAuthWithoutPassword(t *testing.T) {
	peer, dialer := startPeer(t, peerScript{})
	opts := plainOptions(dialer)
	opts.Username = "mailer"

	out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

	assert.True(t, out.Sent)
	for _, cmd := range peer.Commands() {
		assert.False(t, strings.HasPrefix(cmd, "AUTH"), "unexpected command %q", cmd)
	}
}

func TestDeliverRecipientRejected(t *testing.T) {
	script := peerScript{replies: map[string]string{"RCPT": "550 5.1.1 no such user"}}

	t.Run("strict envelope", func(t *testing.T) {
		peer, dialer := startPeer(t, script)

		out := Deliver(context.Background(), plainOptions(dialer), "from@test", "to@test", []byte(testMessage))

		assert.False(t, out.Sent)
		assert.ErrorIs(t, out.Err, common.ErrProtocol)
		assert.Equal(t, 221, out.Code)
		assert.NotContains(t, peer.Commands(), "DATA")
	})

	t.Run("soft envelope", func(t *testing.T) {
		peer, dialer := startPeer(t, script)
		opts := plainOptions(dialer)
		opts.StrictEnvelope = false

		out := Deliver(context.Background(), opts, "from@test", "to@test", []byte(testMessage))

		assert.True(t, out.Sent)
		require.Len(t, out.Warnings, 1)
		assert.ErrorIs(t, out.Warnings[0], common.ErrProtocol)
		assert.Contains(t, peer.Commands(), "DATA")
	})
}

func TestDeliverDataRejected(t *testing.T) {
	cases := map[string]peerScript{
		"intermediate": {replies: map[string]string{"DATA": "451 try later"}},
		"final":        {replies: map[string]string{".": "554 spam"}},
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			peer, dialer := startPeer(t, script)

			out := Deliver(context.Background(), plainOptions(dialer), "from@test", "to@test", []byte(testMessage))

			assert.False(t, out.Sent)
			assert.ErrorIs(t, out.Err, common.ErrProtocol)
			assert.Equal(t, "QUIT", peer.Commands()[len(peer.Commands())-1])
		})
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()

	s := NewSession(client, Options{Host: "mx.test"})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
