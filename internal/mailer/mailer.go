// Package mailer exposes the application-facing entry point for sending one
// transactional email.
package mailer

import (
	"context"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
)

// ConfigSource returns the mail configuration for one call.
type ConfigSource func() config.MailConfig

// Static returns a ConfigSource that always yields cfg.
func Static(cfg config.MailConfig) ConfigSource {
	return func() config.MailConfig {
		return cfg
	}
}

// Sender delivers a request. *dispatch.Chain satisfies it.
type Sender interface {
	Send(ctx context.Context, req models.DeliveryRequest, cfg config.MailConfig) models.DeliveryResult
}

// Option customises a Mailer.
type Option func(*Mailer)

// WithConcurrencyLimit caps the number of deliveries in flight. Values below
// one leave the Mailer unlimited.
func WithConcurrencyLimit(n int) Option {
	return func(m *Mailer) {
		if n > 0 {
			m.slots = semaphore.NewWeighted(int64(n))
		} else {
			m.slots = nil
		}
	}
}

// Mailer sends application email through a delivery chain.
type Mailer struct {
	sender Sender
	source ConfigSource
	logger zerolog.Logger
	slots  *semaphore.Weighted
}

// New constructs a Mailer. The configuration is read from source on every
// call.
func New(sender Sender, source ConfigSource, log zerolog.Logger, opts ...Option) *Mailer {
	m := &Mailer{
		sender: sender,
		source: source,
		logger: logger.Component(log, "mailer"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// SendAppEmail sends one message to one recipient. When textFallback is
// blank the plain text part is derived from html. A result is returned for
// every call.
func (m *Mailer) SendAppEmail(ctx context.Context, to, subject, html, textFallback string) models.DeliveryResult {
	req := models.NewDeliveryRequest(to, subject, html, textFallback)
	cfg := m.config()

	if m.slots != nil {
		if err := m.slots.Acquire(ctx, 1); err != nil {
			// The chain still runs the log driver on a done context.
			m.logger.Warn().
				Str("to", req.To).
				Err(err).
				Msg("mailer: no delivery slot before context ended")
		} else {
			defer m.slots.Release(1)
		}
	}

	result := m.sender.Send(ctx, req, cfg)
	m.logResult(req, result)
	return result
}

func (m *Mailer) config() config.MailConfig {
	if m.source == nil {
		return config.MailConfig{}
	}
	return m.source()
}

func (m *Mailer) logResult(req models.DeliveryRequest, result models.DeliveryResult) {
	switch {
	case !result.Sent:
		m.logger.Error().
			Str("to", req.To).
			Str("error", result.Error).
			Int("attempts", len(result.Attempts)).
			Msg("mailer: delivery failed")
	case result.Driver == models.DriverLog && len(result.Attempts) > 1:
		m.logger.Info().
			Str("to", req.To).
			Int("attempts", len(result.Attempts)).
			Msg("mailer: real transports failed, message recorded in mail log only")
	default:
		m.logger.Debug().
			Str("to", req.To).
			Str("driver", result.Driver).
			Msg("mailer: message delivered")
	}
}
