package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/common"
	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
	emaildriver "github.com/example/mail-delivery-service/internal/providers/email"
	"github.com/example/mail-delivery-service/internal/smtpwire"
	"github.com/example/mail-delivery-service/internal/util"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		to      = flag.String("to", "", "recipient address")
		subject = flag.String("subject", "SMTP probe", "message subject")
	)
	flag.Parse()

	rcpt, err := util.NormalizeEmail(*to)
	if err != nil {
		fail("flags", fmt.Errorf("-to: %w", err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fail("config load", err)
	}

	baseLogger, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		fail("logger init", err)
	}
	log := baseLogger.With().Str("service", "smtp-probe").Logger()

	sc := cfg.Mail.SMTP
	if strings.TrimSpace(sc.Host) == "" {
		fail("config", common.Wrap(common.ErrDriverNotConfigured, errors.New("SMTP_HOST is empty")))
	}
	from, err := util.NormalizeEmail(cfg.Mail.FromAddress)
	if err != nil {
		fail("config", err)
	}
	enc, err := smtpwire.ParseEncryption(sc.Encryption)
	if err != nil {
		fail("config", err)
	}

	const body = "This is a delivery check. No action is required."
	req := models.NewDeliveryRequest(rcpt, *subject, "<p>"+body+"</p>", body)
	msg, err := emaildriver.ComposeMessage(req, cfg.Mail, time.Now())
	if err != nil {
		fail("compose", err)
	}

	log.Info().
		Str("host", sc.Host).
		Int("port", sc.Port).
		Str("encryption", string(enc)).
		Msg("probing smtp server")

	out := smtpwire.Deliver(ctx, smtpwire.Options{
		Host:           sc.Host,
		Port:           sc.Port,
		Encryption:     enc,
		Timeout:        sc.Timeout(),
		Username:       sc.Username,
		Password:       sc.Password,
		HelloName:      sc.HeloName,
		StrictTLS:      sc.StrictTLS,
		StrictAuth:     sc.StrictAuth,
		StrictEnvelope: sc.StrictEnvelope,
		TLSConfig: &tls.Config{
			ServerName:         sc.Host,
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: sc.InsecureSkipVerify, // #nosec G402 -- opt-in via SMTP_TLS_INSECURE_SKIP_VERIFY.
		},
	}, from, rcpt, msg)

	fmt.Fprint(os.Stdout, out.Transcript)
	fmt.Fprintf(os.Stdout, "\nsent=%t code=%d steps=%s\n", out.Sent, out.Code, out.Summary())
	for _, w := range out.Warnings {
		fmt.Fprintf(os.Stdout, "warning [%s]: %v\n", common.Kind(w), w)
	}
	if out.Err != nil {
		fmt.Fprintf(os.Stdout, "error [%s]: %v\n", common.Kind(out.Err), out.Err)
		return 1
	}
	return 0
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("smtp-probe failed")
}
