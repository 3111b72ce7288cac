package models

import (
	"strings"

	"github.com/example/mail-delivery-service/internal/util"
)

// Canonical driver names.
const (
	DriverLog        = "log"
	DriverNativeMail = "native-mail"
	DriverSMTP       = "smtp"
	DriverPostmark   = "postmark"
)

// DeliveryRequest is a single message to a single recipient. It is a value
// type; copies handed to drivers cannot affect the caller's request.
type DeliveryRequest struct {
	To       string `json:"to"`
	Subject  string `json:"subject"`
	HTMLBody string `json:"html_body"`
	TextBody string `json:"text_body"`
}

// NewDeliveryRequest builds a request, deriving the plain text body from the
// HTML body when text is blank.
func NewDeliveryRequest(to, subject, html, text string) DeliveryRequest {
	if strings.TrimSpace(text) == "" {
		text = util.StripMarkup(html)
	}
	return DeliveryRequest{
		To:       strings.TrimSpace(to),
		Subject:  subject,
		HTMLBody: html,
		TextBody: text,
	}
}
