package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/servilink/servilink/internal/idgen"
	"github.com/servilink/servilink/internal/payments"
)

var (
	notifyEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servilink",
		Subsystem: "notify",
		Name:      "emit_total",
		Help:      "Total notification emit attempts by event type.",
	}, []string{"event_type"})

	notifyEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "servilink",
		Subsystem: "notify",
		Name:      "emit_errors_total",
		Help:      "Total notification emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(notifyEmitTotal, notifyEmitErrors)
}

// Emitter wraps a Dispatcher to emit payment lifecycle events.
// All methods are fire-and-forget: errors are logged but never returned,
// and never affect the payment that triggered them.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new notification emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

// PaymentEvent emits a lifecycle event for a payment.
func (e *Emitter) PaymentEvent(ctx context.Context, event string, p *payments.Payment, detail string) {
	if e == nil || e.d == nil {
		return
	}
	eventType := EventType(event)
	notifyEmitTotal.WithLabelValues(event).Inc()

	data := map[string]interface{}{
		"paymentId":     p.ID,
		"orderRef":      p.OrderRef,
		"providerId":    p.ProviderID,
		"status":        string(p.Status),
		"serviceAmount": p.ServiceAmount.String(),
		"protectionFee": p.ProtectionFee.String(),
		"totalAmount":   p.TotalAmount.String(),
		"transferred":   p.TransferredAmount.String(),
		"refunded":      p.RefundedAmount.String(),
		"currency":      p.Currency,
	}
	if detail != "" {
		data["detail"] = detail
	}

	evt := &Event{
		ID:        idgen.WithPrefix("evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// Detach from the request context so slow subscribers do not inherit
	// its deadline, but still bound total delivery time.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	go func() {
		defer cancel()
		if err := e.d.Dispatch(dctx, evt); err != nil {
			notifyEmitErrors.WithLabelValues(event).Inc()
			e.logger.Warn("notification emit failed", "event", event, "payment_id", p.ID, "error", err)
		}
	}()
}
