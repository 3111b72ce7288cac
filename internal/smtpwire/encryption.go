package smtpwire

import (
	"fmt"
	"strings"
)

// Encryption selects how the session protects the connection.
type Encryption string

const (
	// EncryptionNone keeps the whole dialogue in clear text.
	EncryptionNone Encryption = "none"
	// EncryptionTLS upgrades the connection with STARTTLS after EHLO.
	EncryptionTLS Encryption = "tls"
	// EncryptionSSL wraps the socket in TLS before the greeting.
	EncryptionSSL Encryption = "ssl"
)

// ParseEncryption maps a configuration value onto an Encryption mode. An
// empty value selects EncryptionTLS.
func ParseEncryption(value string) (Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "tls", "starttls":
		return EncryptionTLS, nil
	case "ssl", "smtps", "implicit":
		return EncryptionSSL, nil
	case "none", "plain", "off":
		return EncryptionNone, nil
	default:
		return "", fmt.Errorf("smtpwire: unknown encryption %q", value)
	}
}
