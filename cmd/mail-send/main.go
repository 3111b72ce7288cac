package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/dispatch"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/mailer"
	"github.com/example/mail-delivery-service/internal/providers/factory"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		to          = flag.String("to", "", "recipient address")
		subject     = flag.String("subject", "", "message subject")
		htmlBody    = flag.String("html", "", "HTML body")
		textBody    = flag.String("text", "", "plain text body, derived from the HTML body when empty")
		htmlFile    = flag.String("html-file", "", "read the HTML body from this file instead of -html")
		metricsFile = flag.String("metrics-file", "", "write delivery metrics in Prometheus text format to this file")
	)
	flag.Parse()

	if strings.TrimSpace(*to) == "" {
		fail("flags", errors.New("-to is required"))
	}
	if *htmlFile != "" {
		data, err := os.ReadFile(*htmlFile)
		if err != nil {
			fail("read html file", err)
		}
		*htmlBody = string(data)
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
	log := baseLogger.With().Str("service", "mail-send").Logger()

	mailLog, err := logger.OpenMailLog(cfg.Mail.LogPath, cfg.Mail.LogFormat, log)
	if err != nil {
		fail("mail log open", err)
	}
	defer func() {
		if err := mailLog.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close mail log")
		}
	}()

	reg := prometheus.NewRegistry()
	registry := factory.NewRegistry(log, mailLog, factory.Options{})
	chain := dispatch.NewChain(registry, log,
		dispatch.WithMetrics(dispatch.NewMetrics(reg)),
		dispatch.WithMailLog(mailLog),
	)
	m := mailer.New(chain, mailer.Static(cfg.Mail), log, mailer.WithConcurrencyLimit(cfg.Mail.MaxConcurrency))

	result := m.SendAppEmail(ctx, *to, *subject, *htmlBody, *textBody)

	if *metricsFile != "" {
		if err := prometheus.WriteToTextfile(*metricsFile, reg); err != nil {
			log.Error().Err(err).Str("path", *metricsFile).Msg("failed to write metrics file")
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		log.Error().Err(err).Msg("failed to encode delivery result")
		return 1
	}

	if !result.Sent {
		return 1
	}
	return 0
}

func fail(stage string, err error) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Fatal().Err(err).Str("stage", stage).Msg("mail-send failed")
}
