// Package client implements a typed HTTP client for the ServiLink v1 API.
// This is the foundation for the ServiLink SDK
package client

import (
	"fmt"
	"time"
)

// Payment is the API view of an escrow payment. Amounts are decimal
// strings in major units ("100.00").
type Payment struct {
	ID         string `json:"id"`
	OrderRef   string `json:"orderRef"`
	ProviderID string `json:"providerId"`

	ServiceAmount string `json:"serviceAmount"`
	ProtectionFee string `json:"protectionFee"`
	TotalAmount   string `json:"totalAmount"`
	Currency      string `json:"currency"`

	Status string `json:"status"`

	IntentID   string `json:"intentId,omitempty"`
	ChargeID   string `json:"chargeId,omitempty"`
	TransferID string `json:"transferId,omitempty"`
	RefundID   string `json:"refundId,omitempty"`

	PaidAt            *time.Time `json:"paidAt,omitempty"`
	EscrowReleasedAt  *time.Time `json:"escrowReleasedAt,omitempty"`
	RefundedAt        *time.Time `json:"refundedAt,omitempty"`
	CancelledAt       *time.Time `json:"cancelledAt,omitempty"`
	TransferredAmount string     `json:"transferredAmount"`
	RefundedAmount    string     `json:"refundedAmount"`

	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreatePaymentRequest opens a new escrow payment.
type CreatePaymentRequest struct {
	OrderRef      string            `json:"orderRef"`
	ProviderID    string            `json:"providerId"`
	ServiceAmount string            `json:"serviceAmount"`
	ProtectionFee string            `json:"protectionFee,omitempty"`
	TotalAmount   string            `json:"totalAmount,omitempty"`
	Currency      string            `json:"currency,omitempty"`
	Description   string            `json:"description,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// CreatePaymentResult is returned when a payment is opened. The
// ClientSecret completes the charge client-side.
type CreatePaymentResult struct {
	PaymentID     string `json:"paymentId"`
	IntentID      string `json:"intentId"`
	ClientSecret  string `json:"clientSecret"`
	AccountID     string `json:"accountId"`
	ServiceAmount string `json:"serviceAmount"`
	ProtectionFee string `json:"protectionFee"`
	TotalAmount   string `json:"totalAmount"`
	Currency      string `json:"currency"`
}

// PaymentStatus is the derived settlement view of a payment.
type PaymentStatus struct {
	PaymentID         string `json:"paymentId"`
	OrderRef          string `json:"orderRef"`
	Status            string `json:"status"`
	ServiceAmount     string `json:"serviceAmount"`
	ProtectionFee     string `json:"protectionFee"`
	TotalAmount       string `json:"totalAmount"`
	TransferredAmount string `json:"transferredAmount"`
	RefundedAmount    string `json:"refundedAmount"`
	EscrowedAmount    string `json:"escrowedAmount"`
	MaxRefundable     string `json:"maxRefundable"`
	PlatformRevenue   string `json:"platformRevenue"`
	ProviderEarnings  string `json:"providerEarnings"`
}

// Error represents an API error response
type Error struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}
