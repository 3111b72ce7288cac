package smtpwire

import "bytes"

// DotStuff normalises line endings to CRLF, doubles any leading '.' on a
// line and guarantees the payload ends with CRLF, ready to be followed by
// the ".\r\n" terminator.
func DotStuff(msg []byte) []byte {
	var b bytes.Buffer
	b.Grow(len(msg) + len(msg)/64 + 2)

	beginLine := true
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		switch c {
		case '\r':
			if i+1 < len(msg) && msg[i+1] == '\n' {
				i++
			}
			b.WriteString("\r\n")
			beginLine = true
			continue
		case '\n':
			b.WriteString("\r\n")
			beginLine = true
			continue
		case '.':
			if beginLine {
				b.WriteByte('.')
			}
		}
		b.WriteByte(c)
		beginLine = false
	}
	if !beginLine {
		b.WriteString("\r\n")
	}
	return b.Bytes()
}
