// Package gateway abstracts the external card-payment processor.
//
// The engine never talks to the processor SDK directly; it goes through
// the Gateway interface so tests can substitute a mock and so the Stripe
// client can be wrapped with a circuit breaker.
package gateway

import (
	"context"
	"errors"
)

var (
	ErrIntentNotFound    = errors.New("payment intent not found at gateway")
	ErrInsufficientFunds = errors.New("insufficient platform balance for transfer")
	ErrUnavailable       = errors.New("payment gateway unavailable")
)

// Intent statuses the engine cares about. Anything else is treated as
// "not yet succeeded".
const (
	IntentStatusSucceeded = "succeeded"
	IntentStatusCanceled  = "canceled"
)

// Intent is the processor-side view of a planned charge.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
	ChargeID     string // latest charge, set once the payer has been charged
	AmountMinor  int64
}

// CreateIntentRequest opens a new intent for the payment total.
type CreateIntentRequest struct {
	AmountMinor          int64
	Currency             string
	DestinationAccountID string // connected account the funds are earmarked for
	TransferGroup        string
	Description          string
	Metadata             map[string]string
}

// TransferRequest moves held funds to a connected account.
type TransferRequest struct {
	DestinationAccountID string
	AmountMinor          int64
	Currency             string
	TransferGroup        string
	Description          string
	Metadata             map[string]string
}

// RefundRequest returns captured funds to the payer.
type RefundRequest struct {
	IntentID    string
	AmountMinor int64
	Reason      string
	Metadata    map[string]string
}

// Gateway is the processor capability surface used by the escrow engine.
// Every call honors ctx cancellation; a timed-out call must be treated by
// the caller as failure, never as success.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error)
	FetchIntent(ctx context.Context, intentID string) (*Intent, error)
	CancelIntent(ctx context.Context, intentID string) error
	Transfer(ctx context.Context, req TransferRequest) (transferID string, err error)
	Refund(ctx context.Context, req RefundRequest) (refundID string, err error)
}
