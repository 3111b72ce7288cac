package dispatch_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/mail-delivery-service/internal/config"
	"github.com/example/mail-delivery-service/internal/dispatch"
	"github.com/example/mail-delivery-service/internal/logger"
	"github.com/example/mail-delivery-service/internal/models"
	emaildriver "github.com/example/mail-delivery-service/internal/providers/email"
	"github.com/example/mail-delivery-service/internal/providers/factory"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func frozen() time.Time { return epoch }

type fixture struct {
	registry *factory.Registry
	mailLog  *bytes.Buffer
	chain    *dispatch.Chain
}

func newFixture(t *testing.T, opts ...dispatch.Option) *fixture {
	t.Helper()
	var buf bytes.Buffer
	ml, err := logger.NewMailLog(&buf, logger.MailLogJSON)
	require.NoError(t, err)

	registry := &factory.Registry{}
	registry.Register(emaildriver.NewLogDriver(ml))

	opts = append([]dispatch.Option{dispatch.WithClock(frozen), dispatch.WithMailLog(ml)}, opts...)
	return &fixture{
		registry: registry,
		mailLog:  &buf,
		chain:    dispatch.NewChain(registry, zerolog.Nop(), opts...),
	}
}

func (f *fixture) mock(name string, opts ...emaildriver.MockOption) *emaildriver.MockDriver {
	d := emaildriver.NewMockDriver(name, zerolog.Nop(), opts...)
	f.registry.Register(d)
	return d
}

func mailConfig(drivers ...string) config.MailConfig {
	return config.MailConfig{
		Drivers:       drivers,
		DefaultDriver: models.DriverLog,
		FromAddress:   "sender@example.com",
	}
}

func request() models.DeliveryRequest {
	return models.NewDeliveryRequest("a@b.com", "Hi", "<p>Hi</p>", "")
}

func TestEffectiveOrder(t *testing.T) {
	tests := []struct {
		name     string
		drivers  []string
		def      string
		expected []string
	}{
		{name: "empty uses default", def: "smtp", expected: []string{"smtp", "log"}},
		{name: "empty default falls back to log", expected: []string{"log"}},
		{name: "default log", def: "LOG", expected: []string{"log"}},
		{name: "log moved last", drivers: []string{"log", "smtp"}, expected: []string{"smtp", "log"}},
		{name: "duplicate log collapsed", drivers: []string{"LOG", "smtp", " log "}, expected: []string{"smtp", "log"}},
		{name: "aliases and case", drivers: []string{"Sendmail", " SMTP "}, expected: []string{"native-mail", "smtp", "log"}},
		{name: "other duplicates kept", drivers: []string{"smtp", "smtp"}, expected: []string{"smtp", "smtp", "log"}},
		{name: "blank names dropped", drivers: []string{"", "  "}, expected: []string{"log"}},
		{name: "unknown kept", drivers: []string{"bogus"}, expected: []string{"bogus", "log"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, dispatch.EffectiveOrder(tc.drivers, tc.def))
		})
	}
}

func TestSendAlwaysTerminatesWithLog(t *testing.T) {
	configs := [][]string{
		nil,
		{"log"},
		{"log", "log", "log"},
		{"bogus"},
		{"smtp", "native-mail"},
		{"smtp", "bogus", "LOG", "native-mail", "log"},
	}

	for _, drivers := range configs {
		f := newFixture(t)
		f.mock("smtp", emaildriver.WithScenario(emaildriver.ScenarioFailure))
		f.mock("native-mail", emaildriver.WithScenario(emaildriver.ScenarioFailure))

		result := f.chain.Send(context.Background(), request(), mailConfig(drivers...))

		require.True(t, result.Sent, "drivers %v", drivers)
		assert.Equal(t, models.DriverLog, result.Driver)
		assert.Empty(t, result.Error)

		last, ok := result.Last()
		require.True(t, ok)
		assert.Equal(t, models.SentAttempt(models.DriverLog), last)

		logCount := 0
		for _, a := range result.Attempts {
			if a.Driver == models.DriverLog {
				logCount++
			}
		}
		assert.Equal(t, 1, logCount, "drivers %v", drivers)
	}
}

func TestSendStopsAtFirstSuccess(t *testing.T) {
	f := newFixture(t)
	smtp := f.mock("smtp")
	native := f.mock("native-mail")

	result := f.chain.Send(context.Background(), request(), mailConfig("smtp", "native-mail"))

	assert.Equal(t, models.NewDeliveryResult(true, "smtp", "", []models.DriverAttempt{
		models.SentAttempt("smtp"),
	}), result)
	assert.Len(t, smtp.Requests(), 1)
	assert.Empty(t, native.Requests())
	assert.Empty(t, f.mailLog.String())
}

func TestSendPreservesOrder(t *testing.T) {
	f := newFixture(t)
	f.mock("smtp", emaildriver.WithScenario(emaildriver.ScenarioFailure))
	f.mock("postmark", emaildriver.WithScenario(emaildriver.ScenarioFailure))
	f.mock("native-mail")

	result := f.chain.Send(context.Background(), request(), mailConfig("postmark", "smtp", "native-mail"))

	require.True(t, result.Sent)
	assert.Equal(t, "native-mail", result.Driver)
	drivers := make([]string, 0, len(result.Attempts))
	for _, a := range result.Attempts {
		drivers = append(drivers, a.Driver)
	}
	assert.Equal(t, []string{"postmark", "smtp", "native-mail"}, drivers)
	assert.Equal(t, 550, result.Attempts[0].Code)
}

func TestSendUnknownDriverTolerated(t *testing.T) {
	f := newFixture(t)

	result := f.chain.Send(context.Background(), request(), mailConfig("bogus", "log"))

	assert.Equal(t, models.NewDeliveryResult(true, "log", "", []models.DriverAttempt{
		{Driver: "bogus", Sent: false, Error: "unknown driver"},
		models.SentAttempt("log"),
	}), result)
}

func TestSendUnknownDriverWritesMailLogLine(t *testing.T) {
	f := newFixture(t)

	f.chain.Send(context.Background(), request(), mailConfig("bogus"))

	lines := strings.Split(strings.TrimSpace(f.mailLog.String()), "\n")
	require.Len(t, lines, 2)

	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.Equal(t, "unknown driver", event["message"])
	assert.Equal(t, "bogus", event["driver"])
	assert.Equal(t, "a@b.com", event["to"])
	assert.Equal(t, "unknown_driver", event["kind"])
	assert.Contains(t, lines[1], "LOG MAIL to=a@b.com subj=Hi")
}

func TestSendUnknownDriverWithoutMailLog(t *testing.T) {
	registry := &factory.Registry{}
	var buf bytes.Buffer
	ml, err := logger.NewMailLog(&buf, logger.MailLogJSON)
	require.NoError(t, err)
	registry.Register(emaildriver.NewLogDriver(ml))

	chain := dispatch.NewChain(registry, zerolog.Nop(), dispatch.WithMailLog(nil))
	result := chain.Send(context.Background(), request(), mailConfig("bogus"))

	require.True(t, result.Sent)
	assert.NotContains(t, buf.String(), "unknown driver")
}

func TestSendFallsBackWhenSMTPConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())

	var buf bytes.Buffer
	ml, err := logger.NewMailLog(&buf, logger.MailLogJSON)
	require.NoError(t, err)
	registry := factory.NewRegistry(zerolog.Nop(), ml, factory.Options{})
	chain := dispatch.NewChain(registry, zerolog.Nop(), dispatch.WithClock(frozen), dispatch.WithMailLog(ml))

	cfg := mailConfig("smtp")
	cfg.SMTP = config.SMTPConfig{
		Host:           "127.0.0.1",
		Port:           port,
		Encryption:     "none",
		TimeoutSeconds: 2,
		StrictEnvelope: true,
	}

	result := chain.Send(context.Background(), request(), cfg)

	require.True(t, result.Sent)
	assert.Equal(t, models.DriverLog, result.Driver)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "smtp", result.Attempts[0].Driver)
	assert.False(t, result.Attempts[0].Sent)
	assert.Contains(t, result.Attempts[0].Error, "connect failed")
	assert.Equal(t, models.SentAttempt(models.DriverLog), result.Attempts[1])
	assert.Contains(t, buf.String(), "smtp delivery failed")
	assert.Contains(t, buf.String(), "LOG MAIL to=a@b.com subj=Hi")
}

func TestSendRecoversDriverPanic(t *testing.T) {
	f := newFixture(t)
	f.mock("smtp", emaildriver.WithScenario(emaildriver.ScenarioPanic))

	result := f.chain.Send(context.Background(), request(), mailConfig("smtp"))

	require.True(t, result.Sent)
	require.Len(t, result.Attempts, 2)
	assert.False(t, result.Attempts[0].Sent)
	assert.Contains(t, result.Attempts[0].Error, "driver panicked")
	assert.Equal(t, models.DriverLog, result.Driver)
}

func TestSendSkipsDriversOnceContextDone(t *testing.T) {
	f := newFixture(t)
	smtp := f.mock("smtp")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := f.chain.Send(ctx, request(), mailConfig("smtp"))

	assert.Equal(t, models.NewDeliveryResult(true, "log", "", []models.DriverAttempt{
		models.SentAttempt("log"),
	}), result)
	assert.Empty(t, smtp.Requests())
}

func TestSendDeadlineCutsChainShort(t *testing.T) {
	f := newFixture(t)
	f.mock("smtp", emaildriver.WithScenario(emaildriver.ScenarioTimeout))
	native := f.mock("native-mail")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	result := f.chain.Send(ctx, request(), mailConfig("smtp", "native-mail"))

	require.True(t, result.Sent)
	assert.Equal(t, models.DriverLog, result.Driver)
	require.Len(t, result.Attempts, 2)
	assert.Equal(t, "smtp", result.Attempts[0].Driver)
	assert.Contains(t, result.Attempts[0].Error, context.DeadlineExceeded.Error())
	assert.Empty(t, native.Requests())
}

func TestSendAppliesConfiguredTimeout(t *testing.T) {
	f := newFixture(t)
	f.mock("smtp", emaildriver.WithScenario(emaildriver.ScenarioTimeout))

	cfg := mailConfig("smtp")
	cfg.TimeoutSeconds = 1

	start := time.Now()
	result := f.chain.Send(context.Background(), request(), cfg)

	assert.Less(t, time.Since(start), 10*time.Second)
	require.True(t, result.Sent)
	assert.Equal(t, models.DriverLog, result.Driver)
	assert.False(t, result.Attempts[0].Sent)
}

func TestSendRecordsAttemptDuration(t *testing.T) {
	var calls int
	clock := func() time.Time {
		calls++
		return epoch.Add(time.Duration(calls) * time.Second)
	}
	f := newFixture(t, dispatch.WithClock(clock))

	result := f.chain.Send(context.Background(), request(), mailConfig("log"))

	require.Len(t, result.Attempts, 1)
	assert.Equal(t, time.Second, result.Attempts[0].Duration)
}

func TestSendRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, dispatch.WithMetrics(dispatch.NewMetrics(reg)))
	f.mock("smtp", emaildriver.WithScenario(emaildriver.ScenarioFailure))

	f.chain.Send(context.Background(), request(), mailConfig("bogus", "smtp"))

	expected := `
# HELP mail_delivery_attempts_total Driver attempts by result. Result values: sent, failed, unknown, skipped.
# TYPE mail_delivery_attempts_total counter
mail_delivery_attempts_total{driver="bogus",result="unknown"} 1
mail_delivery_attempts_total{driver="log",result="sent"} 1
mail_delivery_attempts_total{driver="smtp",result="failed"} 1
# HELP mail_delivery_results_total Completed deliveries by the driver that accepted them, or none.
# TYPE mail_delivery_results_total counter
mail_delivery_results_total{driver="log"} 1
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"mail_delivery_attempts_total", "mail_delivery_results_total")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "mail_delivery_attempt_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestNilMetricsRegistererDisablesMetrics(t *testing.T) {
	assert.Nil(t, dispatch.NewMetrics(nil))

	f := newFixture(t, dispatch.WithMetrics(nil))
	result := f.chain.Send(context.Background(), request(), mailConfig())
	assert.True(t, result.Sent)
}
