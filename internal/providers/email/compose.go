package email

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/mimemsg"
	"github.com/example/mail-delivery-service/internal/models"
	"github.com/example/mail-delivery-service/internal/util"
)

// fromAddress builds the From header value out of the configured sender.
func fromAddress(cfg config.MailConfig) mail.Address {
	return mail.Address{
		Name:    util.SanitizeHeaderValue(cfg.FromName),
		Address: strings.TrimSpace(cfg.FromAddress),
	}
}

// ComposeMessage renders req exactly as the smtp and native-mail drivers
// would submit it.
func ComposeMessage(req models.DeliveryRequest, cfg config.MailConfig, now time.Time) ([]byte, error) {
	var c mimemsg.Composer
	return composeMessage(c, req, cfg, now)
}

// composeMessage renders the full RFC 5322 message with a multipart/alternative
// body. Recipient and sender must not carry line breaks; the subject is
// folded onto one line.
func composeMessage(c mimemsg.Composer, req models.DeliveryRequest, cfg config.MailConfig, now time.Time) ([]byte, error) {
	if err := util.CheckHeaderValue("to", req.To); err != nil {
		return nil, err
	}
	if err := util.CheckHeaderValue("from", cfg.FromAddress); err != nil {
		return nil, err
	}

	alt, err := c.Alternative(req.TextBody, req.HTMLBody)
	if err != nil {
		return nil, fmt.Errorf("compose body: %w", err)
	}

	return c.Message(mimemsg.Headers{
		From:      fromAddress(cfg),
		To:        req.To,
		Subject:   util.SanitizeHeaderValue(req.Subject),
		Date:      now,
		MessageID: mimemsg.NewMessageID(util.AddressDomain(cfg.FromAddress)),
	}, alt), nil
}
