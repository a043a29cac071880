package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileUnsettled = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servilink",
		Subsystem: "reconciliation",
		Name:      "unsettled_payments",
		Help:      "Number of unsettled payments found in last sweep.",
	})

	reconcileSyncFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "servilink",
		Subsystem: "reconciliation",
		Name:      "sync_failures",
		Help:      "Number of payments that failed to sync in last sweep.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "servilink",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "servilink",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileUnsettled,
		reconcileSyncFailures,
		reconcileDuration,
		reconcileErrors,
	)
}
