// Package dispatch runs a delivery request through the configured driver
// order until one driver accepts it.
package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/common"
	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
	emaildriver "github.com/example/mail-delivery-service/internal/providers/email"
	"github.com/example/mail-delivery-service/internal/providers/factory"
)

// Drivers resolves a driver name to a driver. *factory.Registry satisfies it.
type Drivers interface {
	Lookup(name string) (emaildriver.Driver, bool)
}

// Option customises a Chain.
type Option func(*Chain)

// WithMetrics records attempts and results on m.
func WithMetrics(m *Metrics) Option {
	return func(c *Chain) {
		c.metrics = m
	}
}

// WithMailLog records chain-level events, such as unknown driver names, on
// the mail log next to the drivers' own lines.
func WithMailLog(ml *logger.MailLog) Option {
	return func(c *Chain) {
		c.mailLog = ml.Logger()
	}
}

// WithClock replaces the clock used to time attempts.
func WithClock(now func() time.Time) Option {
	return func(c *Chain) {
		if now != nil {
			c.now = now
		}
	}
}

// Chain is the delivery orchestrator. It holds no per-call state and may be
// shared between goroutines.
type Chain struct {
	drivers Drivers
	logger  zerolog.Logger
	mailLog zerolog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewChain constructs a Chain resolving drivers through d.
func NewChain(d Drivers, log zerolog.Logger, opts ...Option) *Chain {
	c := &Chain{
		drivers: d,
		logger:  logger.Component(log, "delivery-chain"),
		mailLog: zerolog.Nop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// EffectiveOrder returns the normalised driver order for a call: drivers, or
// the default driver when drivers is empty, with every log entry removed and a
// single log appended last.
func EffectiveOrder(drivers []string, defaultDriver string) []string {
	names := drivers
	if len(names) == 0 {
		names = []string{defaultDriver}
	}

	order := make([]string, 0, len(names)+1)
	for _, name := range names {
		n := factory.Normalize(name)
		if n == "" || n == models.DriverLog {
			continue
		}
		order = append(order, n)
	}
	return append(order, models.DriverLog)
}

// Send tries each driver of the effective order in turn and returns at the
// first success. It always returns a result.
func (c *Chain) Send(ctx context.Context, req models.DeliveryRequest, cfg config.MailConfig) models.DeliveryResult {
	if timeout := cfg.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	order := EffectiveOrder(cfg.Drivers, cfg.DefaultDriver)
	attempts := make([]models.DriverAttempt, 0, len(order))

	for i, name := range order {
		logEvent := c.logger.With().
			Str("driver", name).
			Int("position", i+1).
			Str("to", req.To).
			Logger()

		d, ok := c.lookup(name)
		if !ok {
			attempt := models.FailedAttempt(name, common.ErrUnknownDriver)
			attempts = append(attempts, attempt)
			c.metrics.observeAttempt(attempt, ResultUnknown)
			logEvent.Warn().Msg("delivery chain: unknown driver skipped")
			c.mailLog.Warn().
				Str("driver", name).
				Str("to", req.To).
				Str("kind", common.Kind(common.ErrUnknownDriver)).
				Msg("unknown driver")
			continue
		}

		if name != models.DriverLog && ctx.Err() != nil {
			c.metrics.observeSkip(name)
			logEvent.Warn().Err(ctx.Err()).Msg("delivery chain: context done, driver not attempted")
			continue
		}

		attempt := c.attempt(ctx, d, name, req, cfg)
		attempts = append(attempts, attempt)
		c.metrics.observeAttempt(attempt, resultLabel(attempt))

		if attempt.Sent {
			logEvent.Info().Dur("duration", attempt.Duration).Msg("delivery chain: message accepted")
			result := models.NewDeliveryResult(true, name, "", attempts)
			c.metrics.observeResult(result)
			return result
		}

		logEvent.Warn().
			Dur("duration", attempt.Duration).
			Int("code", attempt.Code).
			Str("error", attempt.Error).
			Msg("delivery chain: driver failed, trying next")
	}

	c.logger.Error().
		Str("to", req.To).
		Int("attempts", len(attempts)).
		Msg("delivery chain: all drivers failed")
	result := models.NewDeliveryResult(false, "", common.ErrAllDriversFailed.Error(), attempts)
	c.metrics.observeResult(result)
	return result
}

func (c *Chain) lookup(name string) (emaildriver.Driver, bool) {
	if c.drivers == nil {
		return nil, false
	}
	d, ok := c.drivers.Lookup(name)
	if !ok || d == nil {
		return nil, false
	}
	return d, true
}

// attempt runs one driver. A panicking driver is recorded as a failed attempt.
func (c *Chain) attempt(ctx context.Context, d emaildriver.Driver, name string, req models.DeliveryRequest, cfg config.MailConfig) (attempt models.DriverAttempt) {
	start := c.now()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("driver", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("delivery chain: driver panicked")
			attempt = models.FailedAttempt(name, fmt.Errorf("driver panicked: %v", r))
		}
		attempt.Driver = name
		attempt.Duration = c.now().Sub(start)
	}()

	return d.Attempt(ctx, req, cfg)
}
