package email

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
	"github.com/example/mail-delivery-service/internal/util"
)

// LogDriver records the message in the mail log and always reports success.
// It is the terminal fallback of every chain.
type LogDriver struct {
	mailLog zerolog.Logger
}

// NewLogDriver constructs a LogDriver writing to mailLog.
func NewLogDriver(mailLog *logger.MailLog) *LogDriver {
	return &LogDriver{mailLog: mailLog.Logger()}
}

// Name implements Driver.
func (d *LogDriver) Name() string {
	return models.DriverLog
}

// Attempt implements Driver. It ignores cancellation.
func (d *LogDriver) Attempt(_ context.Context, req models.DeliveryRequest, _ config.MailConfig) models.DriverAttempt {
	d.mailLog.Info().Msgf("LOG MAIL to=%s subj=%s",
		util.SanitizeHeaderValue(req.To),
		util.SanitizeHeaderValue(req.Subject),
	)
	return models.SentAttempt(models.DriverLog)
}
