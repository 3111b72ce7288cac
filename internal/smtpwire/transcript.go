package smtpwire

import (
	"strings"
	"sync"
)

const redacted = "<redacted>"

// Transcript accumulates every command sent and every reply line received
// during one session. It is safe for concurrent use.
type Transcript struct {
	mu sync.Mutex
	b  strings.Builder
}

// Client records a command line sent by us.
func (t *Transcript) Client(line string) {
	t.add("C: ", line)
}

// Server records a reply line received from the peer.
func (t *Transcript) Server(line string) {
	t.add("S: ", line)
}

// Secret records that a credential line was sent without keeping it.
func (t *Transcript) Secret() {
	t.add("C: ", redacted)
}

func (t *Transcript) add(prefix, line string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.b.WriteString(prefix)
	t.b.WriteString(line)
	t.b.WriteByte('\n')
}

// String returns everything recorded so far.
func (t *Transcript) String() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.b.String()
}
