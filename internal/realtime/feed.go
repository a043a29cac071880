package realtime

import (
	"context"
	"time"

	"github.com/servilink/servilink/internal/payments"
)

// Feed adapts payment lifecycle events onto the hub so connected
// clients see them live.
type Feed struct {
	hub *Hub
}

// NewFeed creates a feed publishing payment events to the hub.
func NewFeed(hub *Hub) *Feed {
	return &Feed{hub: hub}
}

// PaymentEvent broadcasts a payment lifecycle change to subscribed clients.
func (f *Feed) PaymentEvent(_ context.Context, event string, p *payments.Payment, detail string) {
	data := map[string]interface{}{
		"event":       event,
		"paymentId":   p.ID,
		"orderRef":    p.OrderRef,
		"providerId":  p.ProviderID,
		"status":      string(p.Status),
		"totalAmount": int64(p.TotalAmount),
		"currency":    p.Currency,
	}
	if detail != "" {
		data["detail"] = detail
	}

	f.hub.Broadcast(&Event{
		Type:      eventTypeFor(event),
		Timestamp: time.Now(),
		Data:      data,
	})
}

func eventTypeFor(event string) EventType {
	switch event {
	case payments.EventRefunded:
		return EventRefund
	case payments.EventDisputed:
		return EventDispute
	default:
		return EventPayment
	}
}
