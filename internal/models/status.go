package models

import "time"

// DriverAttempt records the outcome of one driver trying to deliver a
// request. Attempts are built once and never modified.
type DriverAttempt struct {
	Driver   string        `json:"driver"`
	Sent     bool          `json:"sent"`
	Error    string        `json:"error,omitempty"`
	Code     int           `json:"code,omitempty"`
	Duration time.Duration `json:"duration_ns,omitempty"`
}

// SentAttempt returns a successful attempt for driver.
func SentAttempt(driver string) DriverAttempt {
	return DriverAttempt{Driver: driver, Sent: true}
}

// FailedAttempt returns a failed attempt for driver carrying err's message.
func FailedAttempt(driver string, err error) DriverAttempt {
	attempt := DriverAttempt{Driver: driver}
	if err != nil {
		attempt.Error = err.Error()
	}
	return attempt
}

// DeliveryResult is the terminal value returned for every delivery call.
type DeliveryResult struct {
	Sent     bool            `json:"sent"`
	Driver   string          `json:"driver,omitempty"`
	Error    string          `json:"error,omitempty"`
	Attempts []DriverAttempt `json:"attempts"`
}

// NewDeliveryResult copies attempts so the result does not share backing
// storage with the caller.
func NewDeliveryResult(sent bool, driver, errMsg string, attempts []DriverAttempt) DeliveryResult {
	cp := make([]DriverAttempt, len(attempts))
	copy(cp, attempts)
	return DeliveryResult{
		Sent:     sent,
		Driver:   driver,
		Error:    errMsg,
		Attempts: cp,
	}
}

// AttemptsCopy returns a copy of the recorded attempts, oldest first.
func (r DeliveryResult) AttemptsCopy() []DriverAttempt {
	cp := make([]DriverAttempt, len(r.Attempts))
	copy(cp, r.Attempts)
	return cp
}

// Last returns the most recent attempt and false when none were recorded.
func (r DeliveryResult) Last() (DriverAttempt, bool) {
	if len(r.Attempts) == 0 {
		return DriverAttempt{}, false
	}
	return r.Attempts[len(r.Attempts)-1], true
}
