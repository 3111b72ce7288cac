package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/mail-delivery-service/internal/models"
)

// Attempt result label values.
const (
	ResultSent    = "sent"
	ResultFailed  = "failed"
	ResultUnknown = "unknown"
	ResultSkipped = "skipped"
)

// Metrics holds the delivery chain collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	attempts *prometheus.CounterVec
	duration *prometheus.HistogramVec
	results  *prometheus.CounterVec
}

// NewMetrics registers the delivery collectors on reg. It returns nil when
// reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)
	return &Metrics{
		attempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mail_delivery_attempts_total",
				Help: "Driver attempts by result. Result values: sent, failed, unknown, skipped.",
			},
			[]string{
				"driver",
				"result",
			},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mail_delivery_attempt_duration_seconds",
				Help:    "Driver attempt duration in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 20, 30, 60},
			},
			[]string{
				"driver",
			},
		),
		results: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mail_delivery_results_total",
				Help: "Completed deliveries by the driver that accepted them, or none.",
			},
			[]string{
				"driver",
			},
		),
	}
}

func (m *Metrics) observeAttempt(a models.DriverAttempt, result string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(a.Driver, result).Inc()
	if result == ResultSent || result == ResultFailed {
		m.duration.WithLabelValues(a.Driver).Observe(a.Duration.Seconds())
	}
}

func (m *Metrics) observeSkip(driver string) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(driver, ResultSkipped).Inc()
}

func (m *Metrics) observeResult(r models.DeliveryResult) {
	if m == nil {
		return
	}
	driver := r.Driver
	if !r.Sent || driver == "" {
		driver = "none"
	}
	m.results.WithLabelValues(driver).Inc()
}

func resultLabel(a models.DriverAttempt) string {
	if a.Sent {
		return ResultSent
	}
	return ResultFailed
}
