// Package payments implements the escrow payment engine.
//
// Flow:
//  1. Client books a service → an intent is opened at the processor and a
//     Pending payment row is created
//  2. Payer completes the charge → capture is confirmed, funds sit in
//     escrow with the platform (Escrowed)
//  3. Service is completed → funds are released to the provider's
//     connected account, minus the protection fee (Released)
//  4. Something went wrong → funds are refunded to the payer, partially
//     or in full (Refunded)
//
// All mutations go through the Service entry points; webhook ingestion
// re-enters the same entry points rather than writing fields directly.
package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/servilink/servilink/internal/money"
)

var (
	ErrPaymentNotFound  = errors.New("payment not found")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAmountMismatch   = errors.New("total does not match service amount plus protection fee")
	ErrDuplicatePayment = errors.New("duplicate payment for order reference")
	ErrCannotUpdate     = errors.New("invalid payment status for this operation")
	ErrTechnical        = errors.New("payment operation failed")
)

// Status represents the state of a payment.
type Status string

const (
	StatusPending    Status = "pending"    // Intent opened, payer has not paid yet
	StatusProcessing Status = "processing" // Processor is working on the charge
	StatusEscrowed   Status = "escrowed"   // Captured, funds held by the platform
	StatusReleased   Status = "released"   // Service amount transferred to the provider
	StatusFailed     Status = "failed"     // Charge failed
	StatusCancelled  Status = "cancelled"  // Intent cancelled before capture
	StatusRefunded   Status = "refunded"   // Fully refunded to the payer
	StatusDisputed   Status = "disputed"   // Payer opened a dispute with their bank
)

// legacyStatusCompleted is the historical alias for StatusEscrowed.
// Accepted when reading persisted rows, never written.
const legacyStatusCompleted = "completed"

// ParseStatus normalizes a stored status string, collapsing the legacy
// "completed" alias onto StatusEscrowed.
func ParseStatus(s string) (Status, bool) {
	if s == legacyStatusCompleted {
		return StatusEscrowed, true
	}
	switch st := Status(s); st {
	case StatusPending, StatusProcessing, StatusEscrowed, StatusReleased,
		StatusFailed, StatusCancelled, StatusRefunded, StatusDisputed:
		return st, true
	}
	return "", false
}

// transitions is the single source of truth for legal status changes.
// Every mutating operation consults it immediately before writing.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusEscrowed, StatusFailed, StatusCancelled},
	StatusProcessing: {StatusEscrowed, StatusFailed, StatusCancelled},
	StatusEscrowed:   {StatusReleased, StatusRefunded, StatusDisputed},
	StatusReleased:   {StatusRefunded, StatusDisputed},
	StatusDisputed:   {StatusReleased, StatusRefunded},
	// failed, cancelled, refunded: terminal
}

// CanTransition reports whether from → to is a legal status change.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Payment is one transaction row: the money captured from a payer for a
// booked service, held in escrow until release or refund.
type Payment struct {
	ID         string `json:"id"`
	OrderRef   string `json:"orderRef"`
	ProviderID string `json:"providerId"`

	ServiceAmount money.Amount `json:"serviceAmount"`
	ProtectionFee money.Amount `json:"protectionFee"`
	TotalAmount   money.Amount `json:"totalAmount"`
	Currency      string       `json:"currency"`

	Status Status `json:"status"`

	IntentID   string `json:"intentId,omitempty"`
	ChargeID   string `json:"chargeId,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	RefundID   string `json:"refundId,omitempty"`

	PaidAt            *time.Time   `json:"paidAt,omitempty"`
	EscrowReleasedAt  *time.Time   `json:"escrowReleasedAt,omitempty"`
	RefundedAt        *time.Time   `json:"refundedAt,omitempty"`
	CancelledAt       *time.Time   `json:"cancelledAt,omitempty"`
	TransferredAmount money.Amount `json:"transferredAmount"`
	RefundedAmount    money.Amount `json:"refundedAmount"`
	FeeCollected      bool         `json:"feeCollected"`

	TaskID   string            `json:"taskId,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true if the payment is in a final state.
func (p *Payment) IsTerminal() bool {
	switch p.Status {
	case StatusFailed, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// IsInEscrow reports whether captured funds are currently held by the
// platform.
func (p *Payment) IsInEscrow() bool {
	return p.Status == StatusEscrowed
}

// CanBeReleased reports whether escrowed funds can be disbursed to the
// provider.
func (p *Payment) CanBeReleased() bool {
	return p.Status == StatusEscrowed &&
		p.TransferredAmount == 0 &&
		p.ServiceAmount > 0 &&
		p.PaidAt != nil
}

// CanBeRefunded reports whether a refund is still possible at the given
// time, with the given refund window after capture.
func (p *Payment) CanBeRefunded(now time.Time, window time.Duration) bool {
	if p.Status != StatusEscrowed && p.Status != StatusReleased {
		return false
	}
	if p.RefundedAmount >= p.TotalAmount {
		return false
	}
	if p.PaidAt == nil {
		return false
	}
	return !now.After(p.PaidAt.Add(window))
}

// CanBeCancelled reports whether the intent can still be cancelled.
func (p *Payment) CanBeCancelled() bool {
	return p.Status == StatusPending || p.Status == StatusProcessing
}

// EscrowedAmount is what the platform currently holds for this payment.
func (p *Payment) EscrowedAmount() money.Amount {
	if !p.IsInEscrow() {
		return 0
	}
	v := p.TotalAmount - p.TransferredAmount - p.RefundedAmount
	if v < 0 {
		return 0
	}
	return v
}

// MaxRefundable is how much can still be returned to the payer.
func (p *Payment) MaxRefundable() money.Amount {
	if p.Status != StatusEscrowed && p.Status != StatusReleased && p.Status != StatusDisputed {
		return 0
	}
	v := p.TotalAmount - p.RefundedAmount
	if v < 0 {
		return 0
	}
	return v
}

// PlatformRevenue is the part of the protection fee the platform keeps.
// Refunds eat into the fee first from the platform's perspective.
func (p *Payment) PlatformRevenue() money.Amount {
	if !p.FeeCollected {
		return 0
	}
	refundedFee := p.RefundedAmount
	if refundedFee > p.ProtectionFee {
		refundedFee = p.ProtectionFee
	}
	return p.ProtectionFee - refundedFee
}

// ProviderEarnings is what the provider has received or stands to receive.
func (p *Payment) ProviderEarnings() money.Amount {
	if p.Status == StatusReleased {
		return p.TransferredAmount
	}
	if p.IsInEscrow() {
		overFee := p.RefundedAmount - p.ProtectionFee
		if overFee < 0 {
			overFee = 0
		}
		v := p.ServiceAmount - overFee
		if v < 0 {
			return 0
		}
		return v
	}
	return 0
}

// Validate checks the amount invariants that must hold after every
// mutation.
func (p *Payment) Validate() error {
	if !money.Equal(p.TotalAmount, p.ServiceAmount+p.ProtectionFee) {
		return fmt.Errorf("%w: total %s != service %s + fee %s",
			ErrAmountMismatch, p.TotalAmount, p.ServiceAmount, p.ProtectionFee)
	}
	if p.TransferredAmount < 0 || p.TransferredAmount > p.ServiceAmount {
		return fmt.Errorf("%w: transferred %s outside [0, %s]",
			ErrInvalidAmount, p.TransferredAmount, p.ServiceAmount)
	}
	if p.RefundedAmount < 0 || p.RefundedAmount > p.TotalAmount {
		return fmt.Errorf("%w: refunded %s outside [0, %s]",
			ErrInvalidAmount, p.RefundedAmount, p.TotalAmount)
	}
	return nil
}

// Store persists payment data.
//
// UpdateFrom must be an atomic conditional update keyed on the current
// status (row-level guard), so two racing transitions cannot both land.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByIntentID(ctx context.Context, intentID string) (*Payment, error)
	GetByChargeID(ctx context.Context, chargeID string) (*Payment, error)
	// Update writes the row unconditionally. Used only for best-effort
	// fields (task id) after the authoritative status write.
	Update(ctx context.Context, p *Payment) error
	// UpdateFrom writes the row only if its persisted status still equals
	// from; returns ErrCannotUpdate otherwise.
	UpdateFrom(ctx context.Context, p *Payment, from Status) error
	ListByOrderRef(ctx context.Context, orderRef string) ([]*Payment, error)
	// ListUnsettled returns pending/processing payments created before
	// olderThan, for reconciliation sweeps.
	ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*Payment, error)
	QueryForReport(ctx context.Context, filter ReportFilter, limit int) ([]*Payment, error)
}
