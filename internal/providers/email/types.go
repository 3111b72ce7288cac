package email

import (
	"context"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/models"
)

// Driver is one delivery mechanism in the fallback chain. Attempt reports
// every transport failure through the returned DriverAttempt; it does not
// return errors and does not panic on network problems.
type Driver interface {
	Name() string
	Attempt(ctx context.Context, req models.DeliveryRequest, cfg config.MailConfig) models.DriverAttempt
}
