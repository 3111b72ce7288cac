package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/common"
	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/mimemsg"
	"github.com/example/mail-delivery-service/internal/models"
	"github.com/example/mail-delivery-service/internal/smtpwire"
	"github.com/example/mail-delivery-service/internal/util"
)

// SMTPOption configures the behaviour of the SMTP driver.
type SMTPOption func(*SMTPDriver)

// WithSMTPTLSConfig overrides the TLS configuration used for STARTTLS and
// implicit TLS.
func WithSMTPTLSConfig(cfg *tls.Config) SMTPOption {
	return func(d *SMTPDriver) {
		d.tlsConfig = cfg
	}
}

// WithSMTPDialer swaps the network dialer used to establish SMTP connections.
func WithSMTPDialer(dialer smtpwire.Dialer) SMTPOption {
	return func(d *SMTPDriver) {
		if dialer != nil {
			d.dialer = dialer
		}
	}
}

// WithSMTPClock replaces the clock used for the Date header.
func WithSMTPClock(now func() time.Time) SMTPOption {
	return func(d *SMTPDriver) {
		if now != nil {
			d.now = now
		}
	}
}

// WithSMTPHelloName customises the EHLO identity when SMTP_HELO_NAME is unset.
func WithSMTPHelloName(name string) SMTPOption {
	return func(d *SMTPDriver) {
		if strings.TrimSpace(name) != "" {
			d.helloName = strings.TrimSpace(name)
		}
	}
}

// WithTranscriptLimit caps how much of a failed dialogue is copied to the
// mail log.
func WithTranscriptLimit(limit int) SMTPOption {
	return func(d *SMTPDriver) {
		if limit > 0 {
			d.transcriptLimit = limit
		}
	}
}

// SMTPDriver delivers over a hand-driven SMTP session.
type SMTPDriver struct {
	logger          zerolog.Logger
	mailLog         zerolog.Logger
	tlsConfig       *tls.Config
	dialer          smtpwire.Dialer
	now             func() time.Time
	helloName       string
	composer        mimemsg.Composer
	transcriptLimit int
}

// NewSMTPDriver constructs an SMTPDriver. Connection settings are read from
// the MailConfig passed to every Attempt.
func NewSMTPDriver(log zerolog.Logger, mailLog *logger.MailLog, opts ...SMTPOption) *SMTPDriver {
	d := &SMTPDriver{
		logger:          logger.Component(log, "smtp-driver"),
		mailLog:         mailLog.Logger(),
		now:             time.Now,
		transcriptLimit: common.DefaultTranscriptLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Name implements Driver.
func (d *SMTPDriver) Name() string {
	return models.DriverSMTP
}

// Attempt implements Driver.
func (d *SMTPDriver) Attempt(ctx context.Context, req models.DeliveryRequest, cfg config.MailConfig) models.DriverAttempt {
	sc := cfg.SMTP
	if strings.TrimSpace(sc.Host) == "" {
		return d.fail(req, common.Wrap(common.ErrDriverNotConfigured, errors.New("SMTP_HOST is empty")), smtpwire.Outcome{})
	}

	from, err := util.NormalizeEmail(cfg.FromAddress)
	if err != nil {
		return d.fail(req, fmt.Errorf("smtp driver: invalid from address: %w", err), smtpwire.Outcome{})
	}
	to := strings.TrimSpace(req.To)
	if err := util.CheckHeaderValue("to", to); err != nil {
		return d.fail(req, err, smtpwire.Outcome{})
	}

	enc, err := smtpwire.ParseEncryption(sc.Encryption)
	if err != nil {
		return d.fail(req, err, smtpwire.Outcome{})
	}

	msg, err := composeMessage(d.composer, req, cfg, d.now())
	if err != nil {
		return d.fail(req, err, smtpwire.Outcome{})
	}

	helloName := strings.TrimSpace(sc.HeloName)
	if helloName == "" {
		helloName = d.helloName
	}

	opts := smtpwire.Options{
		Host:           sc.Host,
		Port:           sc.Port,
		Encryption:     enc,
		Timeout:        sc.Timeout(),
		Username:       sc.Username,
		Password:       sc.Password,
		HelloName:      helloName,
		StrictTLS:      sc.StrictTLS,
		StrictAuth:     sc.StrictAuth,
		StrictEnvelope: sc.StrictEnvelope,
		TLSConfig:      d.tlsConfigFor(sc),
		Dialer:         d.dialer,
	}

	d.logger.Debug().
		Str("host", sc.Host).
		Int("port", sc.Port).
		Str("encryption", string(enc)).
		Bool("auth", sc.Username != "" && sc.Password != "").
		Msg("starting smtp session")

	out := smtpwire.Deliver(ctx, opts, from, to, msg)

	for _, w := range out.Warnings {
		d.mailLog.Warn().
			Str("driver", models.DriverSMTP).
			Str("to", to).
			Str("kind", common.Kind(w)).
			Err(w).
			Msg("smtp dialogue degraded")
	}

	if !out.Sent {
		return d.fail(req, out.Err, out)
	}

	d.mailLog.Info().
		Str("driver", models.DriverSMTP).
		Str("to", to).
		Int("code", out.Code).
		Str("steps", out.Summary()).
		Msg("smtp delivery accepted")

	return models.DriverAttempt{Driver: models.DriverSMTP, Sent: true, Code: out.Code}
}

func (d *SMTPDriver) tlsConfigFor(sc config.SMTPConfig) *tls.Config {
	if d.tlsConfig != nil {
		return d.tlsConfig
	}
	return &tls.Config{
		ServerName:         sc.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: sc.InsecureSkipVerify, // #nosec G402 -- opt-in via SMTP_TLS_INSECURE_SKIP_VERIFY.
	}
}

func (d *SMTPDriver) fail(req models.DeliveryRequest, err error, out smtpwire.Outcome) models.DriverAttempt {
	if err == nil {
		err = common.ErrProtocol
	}

	evt := d.mailLog.Error().
		Str("driver", models.DriverSMTP).
		Str("to", req.To).
		Str("kind", common.Kind(err)).
		Err(err)
	if out.Code != 0 {
		evt = evt.Int("code", out.Code)
	}
	if len(out.Steps) > 0 {
		evt = evt.Str("steps", out.Summary())
	}
	if out.Transcript != "" {
		evt = evt.Str("transcript", common.TruncateRaw(out.Transcript, d.transcriptLimit))
	}
	evt.Msg("smtp delivery failed")

	attempt := models.FailedAttempt(models.DriverSMTP, err)
	attempt.Code = out.Code
	return attempt
}
