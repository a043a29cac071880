package payments

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// PaymentOpsTotal counts engine operations by type.
	PaymentOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servilink",
			Name:      "payment_operations_total",
			Help:      "Total payment engine operations by type.",
		},
		[]string{"type"},
	)

	// PaymentOpDuration observes operation latency by type.
	PaymentOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "servilink",
			Name:      "payment_operation_duration_seconds",
			Help:      "Payment engine operation duration in seconds.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		},
		[]string{"type"},
	)

	// PaymentOutcomesTotal counts lifecycle outcomes as they happen.
	PaymentOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servilink",
			Name:      "payment_outcomes_total",
			Help:      "Payment lifecycle outcomes by kind.",
		},
		[]string{"outcome"},
	)

	// WebhookEventsTotal counts processor events received by type.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "servilink",
			Name:      "payment_webhook_events_total",
			Help:      "Processor webhook events received by type.",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(
		PaymentOpsTotal,
		PaymentOpDuration,
		PaymentOutcomesTotal,
		WebhookEventsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	PaymentOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		PaymentOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
