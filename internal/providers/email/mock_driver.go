package email

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
)

// Scenario enumerates the supported mock behaviours.
type Scenario string

const (
	ScenarioSuccess Scenario = "success"
	ScenarioFailure Scenario = "failure"
	ScenarioTimeout Scenario = "timeout"
	ScenarioPanic   Scenario = "panic"
)

// MockOption customizes the behaviour of the mock driver at construction time.
type MockOption func(*MockDriver)

// WithScenario sets the behaviour of every attempt.
func WithScenario(s Scenario) MockOption {
	return func(d *MockDriver) {
		d.scenario = s
	}
}

// WithLatency delays every attempt by latency, or until the context ends.
func WithLatency(latency time.Duration) MockOption {
	return func(d *MockDriver) {
		if latency < 0 {
			latency = 0
		}
		d.latency = latency
	}
}

// MockDriver is a deterministic driver for local development and tests. It
// is never part of the default registry.
type MockDriver struct {
	name     string
	logger   zerolog.Logger
	scenario Scenario
	latency  time.Duration

	mu       sync.Mutex
	requests []models.DeliveryRequest
}

// NewMockDriver constructs a mock driver registered under name.
func NewMockDriver(name string, log zerolog.Logger, opts ...MockOption) *MockDriver {
	d := &MockDriver{
		name:     name,
		logger:   logger.Component(log, "mock-driver"),
		scenario: ScenarioSuccess,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Name implements Driver.
func (d *MockDriver) Name() string {
	return d.name
}

// Attempt implements Driver.
func (d *MockDriver) Attempt(ctx context.Context, req models.DeliveryRequest, _ config.MailConfig) models.DriverAttempt {
	d.mu.Lock()
	d.requests = append(d.requests, req)
	d.mu.Unlock()

	d.logger.Debug().
		Str("driver", d.name).
		Str("scenario", string(d.scenario)).
		Msg("mock driver invoked")

	if err := sleep(ctx, d.latency); err != nil {
		return models.FailedAttempt(d.name, err)
	}

	switch d.scenario {
	case ScenarioFailure:
		attempt := models.FailedAttempt(d.name, errors.New("mock: mailbox unavailable"))
		attempt.Code = 550
		return attempt
	case ScenarioTimeout:
		<-ctx.Done()
		return models.FailedAttempt(d.name, ctx.Err())
	case ScenarioPanic:
		panic("mock: driver exploded")
	default:
		return models.SentAttempt(d.name)
	}
}

// Requests returns the requests seen so far, oldest first.
func (d *MockDriver) Requests() []models.DeliveryRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]models.DeliveryRequest, len(d.requests))
	copy(out, d.requests)
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
