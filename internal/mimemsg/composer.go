package mimemsg

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const boundaryBytes = 16

// Alternative is a rendered multipart/alternative body.
type Alternative struct {
	Boundary    string
	ContentType string
	Body        string
}

// Composer renders message bodies. The zero value reads boundary entropy
// from crypto/rand.
type Composer struct {
	Random io.Reader
}

// NewBoundary returns a hex-encoded random token suitable for use as a MIME
// boundary.
func NewBoundary(r io.Reader) (string, error) {
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, boundaryBytes)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("mimemsg: read boundary entropy: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Alternative renders a two-part text/plain + text/html body under a fresh
// boundary. Part bodies are copied verbatim.
func (c Composer) Alternative(text, html string) (Alternative, error) {
	boundary, err := NewBoundary(c.Random)
	if err != nil {
		return Alternative{}, err
	}
	if strings.Contains(text, boundary) || strings.Contains(html, boundary) {
		return Alternative{}, errors.New("mimemsg: boundary collides with body")
	}

	var b strings.Builder
	b.Grow(len(text) + len(html) + 4*len(boundary) + 128)
	writePart(&b, boundary, "text/plain; charset=utf-8", text)
	writePart(&b, boundary, "text/html; charset=utf-8", html)
	b.WriteString("--" + boundary + "--\r\n")

	return Alternative{
		Boundary:    boundary,
		ContentType: fmt.Sprintf("multipart/alternative; boundary=%q", boundary),
		Body:        b.String(),
	}, nil
}

func writePart(b *strings.Builder, boundary, contentType, body string) {
	b.WriteString("--" + boundary + "\r\n")
	b.WriteString("Content-Type: " + contentType + "\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	b.WriteString("\r\n")
}
