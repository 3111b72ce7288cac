package common

import (
	"errors"
	"fmt"
)

// Delivery failure taxonomy. None of these ever escape the delivery chain;
// they end up as DriverAttempt error strings and as log/metric labels.
var (
	ErrConnection          = errors.New("connect failed")
	ErrProtocol            = errors.New("protocol error")
	ErrAuth                = errors.New("authentication failed")
	ErrTLSUpgradeSkipped   = errors.New("tls upgrade skipped")
	ErrUnknownDriver       = errors.New("unknown driver")
	ErrAllDriversFailed    = errors.New("all drivers failed")
	ErrDriverNotConfigured = errors.New("driver not configured")
)

// Wrap annotates err with one of the taxonomy sentinels so callers can match
// it with errors.Is.
func Wrap(kind, err error) error {
	if err == nil {
		return kind
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// Kind returns a short, stable label for the taxonomy member err belongs to.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnection):
		return "connection"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrTLSUpgradeSkipped):
		return "tls"
	case errors.Is(err, ErrUnknownDriver):
		return "unknown_driver"
	case errors.Is(err, ErrAllDriversFailed):
		return "all_failed"
	case errors.Is(err, ErrDriverNotConfigured):
		return "not_configured"
	default:
		return "other"
	}
}
