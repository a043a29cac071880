package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	stripe "github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/servilink/servilink/internal/gateway"
	"github.com/servilink/servilink/internal/traces"
)

// maxWebhookBody caps the event payload we will read.
const maxWebhookBody = 64 * 1024

// HandleIntentSucceeded moves the payment for an intent into escrow.
// Events are delivered at-least-once; a payment already escrowed (or
// beyond) is left untouched.
func (s *Service) HandleIntentSucceeded(ctx context.Context, intentID string) error {
	_, err := s.ConfirmCapture(ctx, intentID)
	if err != nil && errors.Is(err, ErrCannotUpdate) {
		// Replayed event for a payment that already moved on. Not an error.
		s.logger.Info("intent succeeded event ignored", "intent_id", intentID, "reason", err)
		return nil
	}
	return err
}

// HandleIntentFailed marks the payment failed after the processor reports
// the charge could not complete.
func (s *Service) HandleIntentFailed(ctx context.Context, intentID, failureMessage string) error {
	return s.markFromIntent(ctx, intentID, StatusFailed, EventFailed, failureMessage)
}

// HandleIntentCancelled marks the payment cancelled after the intent was
// voided at the processor.
func (s *Service) HandleIntentCancelled(ctx context.Context, intentID string) error {
	return s.markFromIntent(ctx, intentID, StatusCancelled, EventCancelled, "")
}

// markFromIntent transitions the payment for an intent to a gateway-driven
// terminal state. Idempotent: replays and late events for payments that
// already moved on are ignored.
func (s *Service) markFromIntent(ctx context.Context, intentID string, to Status, event, detail string) error {
	p, err := s.store.GetByIntentID(ctx, intentID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			// Intent opened outside this system, or compensated away.
			s.logger.Warn("event for unknown intent", "intent_id", intentID, "target", to)
			return nil
		}
		return err
	}

	unlock := s.locks.Lock(p.ID)
	defer unlock()

	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.Status == to {
		return nil
	}
	if !CanTransition(p.Status, to) {
		s.logger.Info("event ignored for settled payment",
			"payment_id", p.ID, "status", p.Status, "target", to)
		return nil
	}

	from := p.Status
	now := s.now()
	p.Status = to
	// Both gateway-driven terminal states record when the intent died.
	if to == StatusCancelled || to == StatusFailed {
		p.CancelledAt = &now
	}
	p.UpdatedAt = now

	if err := s.store.UpdateFrom(ctx, p, from); err != nil {
		if errors.Is(err, ErrCannotUpdate) {
			return nil // concurrent writer got there first
		}
		return fmt.Errorf("%w: persist %s: %v", ErrTechnical, to, err)
	}

	s.notify(ctx, event, p, detail)
	return nil
}

// HandleDisputeCreated moves the payment for a charge into Disputed,
// freezing release and refund until the dispute resolves.
func (s *Service) HandleDisputeCreated(ctx context.Context, chargeID, disputeReason string) error {
	p, err := s.store.GetByChargeID(ctx, chargeID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			s.logger.Warn("dispute for unknown charge", "charge_id", chargeID)
			return nil
		}
		return err
	}

	unlock := s.locks.Lock(p.ID)
	defer unlock()

	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.Status == StatusDisputed {
		return nil
	}
	if !CanTransition(p.Status, StatusDisputed) {
		s.logger.Warn("dispute for payment that cannot be frozen",
			"payment_id", p.ID, "status", p.Status)
		return nil
	}

	from := p.Status
	p.Status = StatusDisputed
	p.UpdatedAt = s.now()

	if err := s.store.UpdateFrom(ctx, p, from); err != nil {
		if errors.Is(err, ErrCannotUpdate) {
			return nil
		}
		return fmt.Errorf("%w: persist dispute: %v", ErrTechnical, err)
	}

	s.notify(ctx, EventDisputed, p, disputeReason)
	PaymentOutcomesTotal.WithLabelValues("disputed").Inc()
	return nil
}

// HandleDisputeClosed settles a frozen payment once the processor reports
// the dispute outcome. A lost dispute means the bank already pulled the
// funds back: the payment is recorded as fully refunded. A won dispute
// unfreezes the payment; escrowed funds are then released to the provider.
func (s *Service) HandleDisputeClosed(ctx context.Context, chargeID, outcome string) error {
	p, err := s.store.GetByChargeID(ctx, chargeID)
	if err != nil {
		if errors.Is(err, ErrPaymentNotFound) {
			s.logger.Warn("dispute closed for unknown charge", "charge_id", chargeID)
			return nil
		}
		return err
	}

	unlock := s.locks.Lock(p.ID)
	defer unlock()

	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		return err
	}
	if p.Status != StatusDisputed {
		return nil // already settled, or dispute event for an unfrozen payment
	}

	from := p.Status
	now := s.now()

	switch outcome {
	case "lost":
		// The bank reversed the charge; nothing left to move.
		p.Status = StatusRefunded
		p.RefundedAmount = p.TotalAmount
		p.RefundedAt = &now
		p.UpdatedAt = now
		if err := s.store.UpdateFrom(ctx, p, from); err != nil {
			if errors.Is(err, ErrCannotUpdate) {
				return nil
			}
			return fmt.Errorf("%w: persist dispute loss: %v", ErrTechnical, err)
		}
		s.notify(ctx, EventRefunded, p, "dispute lost")
		return nil

	case "won", "warning_closed":
		if p.TransferredAmount > 0 {
			// Funds already with the provider before the freeze.
			p.Status = StatusReleased
			p.UpdatedAt = now
			if err := s.store.UpdateFrom(ctx, p, from); err != nil {
				if errors.Is(err, ErrCannotUpdate) {
					return nil
				}
				return fmt.Errorf("%w: persist dispute win: %v", ErrTechnical, err)
			}
			s.notify(ctx, EventReleased, p, "dispute won")
			return nil
		}

		accountID, err := s.accounts.ResolveAccount(ctx, p.ProviderID)
		if err != nil {
			return err
		}
		transferID, err := s.gw.Transfer(ctx, gateway.TransferRequest{
			DestinationAccountID: accountID,
			AmountMinor:          p.ServiceAmount.Minor(),
			Currency:             p.Currency,
			TransferGroup:        p.ID,
			Description:          "dispute won",
			Metadata:             map[string]string{"payment_id": p.ID, "order_ref": p.OrderRef},
		})
		if err != nil {
			return fmt.Errorf("%w: transfer after dispute win: %v", ErrTechnical, err)
		}
		p.Status = StatusReleased
		p.EscrowReleasedAt = &now
		p.TransferredAmount = p.ServiceAmount
		p.TransferID = transferID
		p.UpdatedAt = now
		if err := s.store.UpdateFrom(ctx, p, from); err != nil {
			if retryErr := s.store.UpdateFrom(ctx, p, from); retryErr != nil {
				s.logger.Error("CRITICAL: funds transferred but payment not updated",
					"payment_id", p.ID, "transfer_id", transferID, "error", retryErr)
				return fmt.Errorf("%w: persist dispute win (requires manual reconciliation): %v", ErrTechnical, err)
			}
		}
		s.notify(ctx, EventReleased, p, "dispute won")
		return nil

	default:
		s.logger.Info("dispute outcome ignored", "payment_id", p.ID, "outcome", outcome)
		return nil
	}
}

// SyncIntent re-reads the processor's view of a payment's intent and
// applies whatever transition it implies. Used by the reconciliation
// sweeper for payments stuck in Pending or Processing.
func (s *Service) SyncIntent(ctx context.Context, paymentID string) error {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return err
	}
	if p.IsTerminal() || p.Status == StatusEscrowed {
		return nil
	}

	intent, err := s.gw.FetchIntent(ctx, p.IntentID)
	if err != nil {
		if errors.Is(err, gateway.ErrIntentNotFound) {
			return s.markFromIntent(ctx, p.IntentID, StatusFailed, EventFailed, "intent missing at processor")
		}
		return fmt.Errorf("%w: fetch intent: %v", ErrTechnical, err)
	}

	switch intent.Status {
	case gateway.IntentStatusSucceeded:
		return s.HandleIntentSucceeded(ctx, p.IntentID)
	case gateway.IntentStatusCanceled:
		return s.HandleIntentCancelled(ctx, p.IntentID)
	default:
		// Still in flight at the processor; nothing to reconcile.
		return nil
	}
}

// WebhookHandler verifies and routes processor events.
type WebhookHandler struct {
	service       *Service
	signingSecret string
	logger        *slog.Logger
}

// NewWebhookHandler creates a webhook handler. The signing secret comes
// from the processor's endpoint configuration.
func NewWebhookHandler(service *Service, signingSecret string) *WebhookHandler {
	return &WebhookHandler{
		service:       service,
		signingSecret: signingSecret,
		logger:        slog.Default(),
	}
}

// WithLogger sets the handler logger.
func (h *WebhookHandler) WithLogger(l *slog.Logger) *WebhookHandler {
	h.logger = l
	return h
}

// RegisterRoutes registers the webhook endpoint on a router group.
func (h *WebhookHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.handleEvent)
}

// handleEvent verifies the event signature, dispatches by type, and
// acknowledges. Unknown event types are acknowledged without action so the
// processor stops retrying them.
func (h *WebhookHandler) handleEvent(c *gin.Context) {
	ctx, span := traces.StartSpan(c.Request.Context(), "payments.webhook")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(
		payload,
		c.GetHeader("Stripe-Signature"),
		h.signingSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true},
	)
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
		return
	}

	WebhookEventsTotal.WithLabelValues(string(event.Type)).Inc()

	if err := h.dispatch(ctx, event); err != nil {
		h.logger.Error("webhook processing failed",
			"event_id", event.ID, "type", event.Type, "error", err)
		// Non-2xx makes the processor redeliver; handlers are idempotent
		// so the retry is safe.
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *WebhookHandler) dispatch(ctx context.Context, event stripe.Event) error {
	switch event.Type {
	case "payment_intent.succeeded":
		intent, err := parseIntent(event)
		if err != nil {
			return err
		}
		return h.service.HandleIntentSucceeded(ctx, intent.ID)

	case "payment_intent.payment_failed":
		intent, err := parseIntent(event)
		if err != nil {
			return err
		}
		msg := ""
		if intent.LastPaymentError != nil {
			msg = intent.LastPaymentError.Msg
		}
		return h.service.HandleIntentFailed(ctx, intent.ID, msg)

	case "payment_intent.canceled":
		intent, err := parseIntent(event)
		if err != nil {
			return err
		}
		return h.service.HandleIntentCancelled(ctx, intent.ID)

	case "charge.dispute.created":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return fmt.Errorf("parse dispute: %w", err)
		}
		chargeID := ""
		if dispute.Charge != nil {
			chargeID = dispute.Charge.ID
		}
		return h.service.HandleDisputeCreated(ctx, chargeID, string(dispute.Reason))

	case "charge.dispute.closed":
		var dispute stripe.Dispute
		if err := json.Unmarshal(event.Data.Raw, &dispute); err != nil {
			return fmt.Errorf("parse dispute: %w", err)
		}
		chargeID := ""
		if dispute.Charge != nil {
			chargeID = dispute.Charge.ID
		}
		return h.service.HandleDisputeClosed(ctx, chargeID, string(dispute.Status))

	default:
		h.logger.Info("unhandled event type", "event_id", event.ID, "type", event.Type)
		return nil
	}
}

func parseIntent(event stripe.Event) (*stripe.PaymentIntent, error) {
	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("parse payment intent: %w", err)
	}
	return &intent, nil
}
