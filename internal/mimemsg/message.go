package mimemsg

import (
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Headers describes the top-level header block of an outgoing message.
type Headers struct {
	From      mail.Address
	To        string
	Subject   string
	Date      time.Time
	MessageID string
}

// NewMessageID returns a globally unique Message-ID for domain.
func NewMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return "<" + uuid.NewString() + "@" + domain + ">"
}

// Message renders the header block followed by alt's body. Header values
// are expected to be free of CR/LF; callers sanitise them first.
func (Composer) Message(h Headers, alt Alternative) []byte {
	var b strings.Builder
	writeHeader(&b, "From", h.From.String())
	writeHeader(&b, "To", h.To)
	writeHeader(&b, "Subject", mime.QEncoding.Encode("utf-8", h.Subject))
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}
	writeHeader(&b, "Date", date.Format(time.RFC1123Z))
	if h.MessageID != "" {
		writeHeader(&b, "Message-ID", h.MessageID)
	}
	writeHeader(&b, "MIME-Version", "1.0")
	writeHeader(&b, "Content-Type", alt.ContentType)
	b.WriteString("\r\n")
	b.WriteString(alt.Body)
	return []byte(b.String())
}

func writeHeader(b *strings.Builder, name, value string) {
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\r\n")
}
