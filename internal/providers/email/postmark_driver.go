package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mrz1836/postmark"
	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/common"
	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
	"github.com/example/mail-delivery-service/internal/util"
)

// PostmarkOption configures the PostmarkDriver.
type PostmarkOption func(*PostmarkDriver)

// WithPostmarkBaseURL points the client at a different API root.
func WithPostmarkBaseURL(url string) PostmarkOption {
	return func(d *PostmarkDriver) {
		d.baseURL = strings.TrimRight(strings.TrimSpace(url), "/")
	}
}

// WithPostmarkHTTPClient swaps the HTTP client used for API calls.
func WithPostmarkHTTPClient(c *http.Client) PostmarkOption {
	return func(d *PostmarkDriver) {
		d.httpClient = c
	}
}

// PostmarkDriver delivers through Postmark's transactional email API.
type PostmarkDriver struct {
	logger     zerolog.Logger
	mailLog    zerolog.Logger
	baseURL    string
	httpClient *http.Client
}

// NewPostmarkDriver constructs a PostmarkDriver. Tokens come from the
// MailConfig of each attempt.
func NewPostmarkDriver(log zerolog.Logger, mailLog *logger.MailLog, opts ...PostmarkOption) *PostmarkDriver {
	d := &PostmarkDriver{
		logger:  logger.Component(log, "postmark-driver"),
		mailLog: mailLog.Logger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Name implements Driver.
func (d *PostmarkDriver) Name() string {
	return models.DriverPostmark
}

// Attempt implements Driver.
func (d *PostmarkDriver) Attempt(ctx context.Context, req models.DeliveryRequest, cfg config.MailConfig) models.DriverAttempt {
	pc := cfg.Postmark
	if strings.TrimSpace(pc.ServerToken) == "" {
		return d.fail(req, common.Wrap(common.ErrDriverNotConfigured, errors.New("POSTMARK_SERVER_TOKEN is empty")))
	}
	if err := util.CheckHeaderValue("to", req.To); err != nil {
		return d.fail(req, err)
	}

	client := postmark.NewClient(pc.ServerToken, pc.AccountToken)
	if d.baseURL != "" {
		client.BaseURL = d.baseURL
	}
	if d.httpClient != nil {
		client.HTTPClient = d.httpClient
	}

	from := fromAddress(cfg)
	resp, err := client.SendEmail(ctx, postmark.Email{
		From:     from.String(),
		To:       req.To,
		Subject:  util.SanitizeHeaderValue(req.Subject),
		Tag:      pc.Tag,
		HTMLBody: req.HTMLBody,
		TextBody: req.TextBody,
	})
	if resp.ErrorCode > 0 {
		return d.fail(req, fmt.Errorf("postmark error %d: %s", resp.ErrorCode, resp.Message))
	}
	if err != nil {
		return d.fail(req, common.Wrap(common.ErrConnection, err))
	}

	d.mailLog.Info().
		Str("driver", models.DriverPostmark).
		Str("to", req.To).
		Str("message_id", resp.MessageID).
		Msg("postmark delivery accepted")
	return models.SentAttempt(models.DriverPostmark)
}

func (d *PostmarkDriver) fail(req models.DeliveryRequest, err error) models.DriverAttempt {
	d.mailLog.Warn().
		Str("driver", models.DriverPostmark).
		Str("to", req.To).
		Str("kind", common.Kind(err)).
		Err(err).
		Msg("postmark delivery failed")
	return models.FailedAttempt(models.DriverPostmark, err)
}
