package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/servilink/servilink/internal/fees"
	"github.com/servilink/servilink/internal/gateway"
	"github.com/servilink/servilink/internal/idgen"
	"github.com/servilink/servilink/internal/money"
	"github.com/servilink/servilink/internal/syncutil"
	"github.com/servilink/servilink/internal/traces"
	"github.com/servilink/servilink/internal/validation"
)

// DefaultRefundWindow is how long after capture a refund is accepted.
const DefaultRefundWindow = 30 * 24 * time.Hour

// AccountDirectory resolves a provider to its connected processor account.
type AccountDirectory interface {
	ResolveAccount(ctx context.Context, providerID string) (string, error)
}

// Notifier receives payment lifecycle events. Dispatch is best-effort and
// at-most-once: a failed notification is logged by the implementation and
// never retried, and never rolls back financial state.
type Notifier interface {
	PaymentEvent(ctx context.Context, event string, p *Payment, detail string)
}

// TaskCreator opens a service task for a captured payment.
type TaskCreator interface {
	CreateTask(ctx context.Context, p *Payment) (taskID string, err error)
}

// Notification event names.
const (
	EventCaptured      = "payment.captured"
	EventCaptureFailed = "payment.capture_failed"
	EventReleased      = "payment.released"
	EventRefunded      = "payment.refunded"
	EventCancelled     = "payment.cancelled"
	EventFailed        = "payment.failed"
	EventDisputed      = "payment.disputed"
)

// Service implements the escrow engine business logic.
type Service struct {
	store        Store
	gw           gateway.Gateway
	accounts     AccountDirectory
	notifier     Notifier
	tasks        TaskCreator
	feeCfg       fees.Config
	currency     string
	refundWindow time.Duration
	logger       *slog.Logger
	locks        syncutil.ShardedMutex // per-payment ID locks across read-validate-write
	now          func() time.Time
}

// NewService creates a new escrow engine.
func NewService(store Store, gw gateway.Gateway, accounts AccountDirectory) *Service {
	return &Service{
		store:        store,
		gw:           gw,
		accounts:     accounts,
		feeCfg:       fees.DefaultConfig(),
		currency:     "usd",
		refundWindow: DefaultRefundWindow,
		logger:       slog.Default(),
		now:          time.Now,
	}
}

// WithNotifier adds a payment event notifier.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithTaskCreator adds a downstream service-task creator.
func (s *Service) WithTaskCreator(t TaskCreator) *Service {
	s.tasks = t
	return s
}

// WithFeeConfig overrides the default protection-fee policy.
func (s *Service) WithFeeConfig(cfg fees.Config) *Service {
	s.feeCfg = cfg
	return s
}

// WithCurrency sets the platform currency code.
func (s *Service) WithCurrency(code string) *Service {
	s.currency = code
	return s
}

// WithRefundWindow overrides the refund window after capture.
func (s *Service) WithRefundWindow(d time.Duration) *Service {
	s.refundWindow = d
	return s
}

// WithLogger sets the service logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// CreateIntentRequest contains the parameters for opening a payment.
type CreateIntentRequest struct {
	OrderRef      string            `json:"orderRef" binding:"required"`
	ProviderID    string            `json:"providerId" binding:"required"`
	ServiceAmount money.Amount      `json:"serviceAmount"`
	ProtectionFee money.Amount      `json:"protectionFee"`
	TotalAmount   money.Amount      `json:"totalAmount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description"`
	Metadata      map[string]string `json:"metadata"`
}

// CreateIntentResult is returned to the caller so the payer can complete
// the charge client-side.
type CreateIntentResult struct {
	PaymentID     string       `json:"paymentId"`
	IntentID      string       `json:"intentId"`
	ClientSecret  string       `json:"clientSecret"`
	AccountID     string       `json:"accountId"`
	ServiceAmount money.Amount `json:"serviceAmount"`
	ProtectionFee money.Amount `json:"protectionFee"`
	TotalAmount   money.Amount `json:"totalAmount"`
	Currency      string       `json:"currency"`
}

// CreateIntent opens a processor intent for the payment total and
// persists a Pending payment referencing it.
//
// If persistence fails after the intent was opened, the intent is
// cancelled again (compensating action) and a technical error returned.
func (s *Service) CreateIntent(ctx context.Context, req CreateIntentRequest) (*CreateIntentResult, error) {
	ctx, span := traces.StartSpan(ctx, "payments.create_intent")
	defer span.End()
	done := observeOp("create_intent")
	defer done()

	if req.ServiceAmount <= 0 {
		return nil, fmt.Errorf("%w: service amount must be greater than zero", ErrInvalidAmount)
	}
	if req.ProtectionFee < 0 {
		return nil, fmt.Errorf("%w: protection fee must not be negative", ErrInvalidAmount)
	}
	if errs := validation.ValidateMetadata(req.Metadata); len(errs) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, errs.Error())
	}

	currency := req.Currency
	if currency == "" {
		currency = s.currency
	}

	fee := req.ProtectionFee
	if fee == 0 {
		calc, err := fees.Calculate(req.ServiceAmount, s.feeCfg)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		fee = calc.FinalFee
	}
	total := req.TotalAmount
	if total == 0 {
		total = req.ServiceAmount + fee
	}
	if !money.Equal(total, req.ServiceAmount+fee) {
		return nil, fmt.Errorf("%w: %s != %s + %s", ErrAmountMismatch, total, req.ServiceAmount, fee)
	}

	// A second booking for the same order with the same total on the same
	// day is treated as an accidental duplicate, not a new payment.
	if err := s.checkDuplicate(ctx, req.OrderRef, total); err != nil {
		return nil, err
	}

	accountID, err := s.accounts.ResolveAccount(ctx, req.ProviderID)
	if err != nil {
		return nil, err
	}

	paymentID := idgen.WithPrefix("pay_")
	meta := cloneMetadata(req.Metadata)
	meta["payment_id"] = paymentID
	meta["order_ref"] = req.OrderRef

	intent, err := s.gw.CreateIntent(ctx, gateway.CreateIntentRequest{
		AmountMinor:          total.Minor(),
		Currency:             currency,
		DestinationAccountID: accountID,
		TransferGroup:        paymentID,
		Description:          req.Description,
		Metadata:             meta,
	})
	if err != nil {
		s.logger.Error("intent creation failed",
			"order_ref", req.OrderRef,
			"total", total.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: create intent: %v", ErrTechnical, err)
	}

	now := s.now()
	p := &Payment{
		ID:            paymentID,
		OrderRef:      req.OrderRef,
		ProviderID:    req.ProviderID,
		ServiceAmount: req.ServiceAmount,
		ProtectionFee: fee,
		TotalAmount:   total,
		Currency:      currency,
		Status:        StatusPending,
		IntentID:      intent.ID,
		Metadata:      cloneMetadata(req.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, p); err != nil {
		// Compensate: the intent exists at the processor but we have no
		// record of it. Cancel it so the payer cannot complete a charge
		// we would not recognize.
		if cancelErr := s.gw.CancelIntent(ctx, intent.ID); cancelErr != nil {
			s.logger.Error("compensating intent cancel failed",
				"payment_id", paymentID,
				"intent_id", intent.ID,
				"total", total.String(),
				"error", cancelErr,
			)
		}
		return nil, fmt.Errorf("%w: persist payment: %v", ErrTechnical, err)
	}

	PaymentOutcomesTotal.WithLabelValues("created").Inc()
	return &CreateIntentResult{
		PaymentID:     p.ID,
		IntentID:      intent.ID,
		ClientSecret:  intent.ClientSecret,
		AccountID:     accountID,
		ServiceAmount: p.ServiceAmount,
		ProtectionFee: p.ProtectionFee,
		TotalAmount:   p.TotalAmount,
		Currency:      currency,
	}, nil
}

func (s *Service) checkDuplicate(ctx context.Context, orderRef string, total money.Amount) error {
	existing, err := s.store.ListByOrderRef(ctx, orderRef)
	if err != nil {
		return fmt.Errorf("%w: list by order ref: %v", ErrTechnical, err)
	}
	today := s.now().UTC().Truncate(24 * time.Hour)
	for _, e := range existing {
		if e.IsTerminal() {
			continue
		}
		if money.Equal(e.TotalAmount, total) && e.CreatedAt.UTC().Truncate(24*time.Hour).Equal(today) {
			return fmt.Errorf("%w: payment %s", ErrDuplicatePayment, e.ID)
		}
	}
	return nil
}

// ConfirmCapture verifies with the processor that the intent succeeded and
// moves the payment into escrow. Safe to call more than once: a payment
// already in escrow (or beyond) is returned unchanged.
func (s *Service) ConfirmCapture(ctx context.Context, intentID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.confirm_capture", traces.IntentID(intentID))
	defer span.End()
	done := observeOp("confirm_capture")
	defer done()

	p, err := s.store.GetByIntentID(ctx, intentID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(p.ID)
	defer unlock()

	// Re-read under lock: a racing webhook may have landed first.
	p, err = s.store.Get(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusEscrowed {
		return p, nil // duplicate confirmation is a no-op success
	}
	if !CanTransition(p.Status, StatusEscrowed) {
		return nil, fmt.Errorf("%w: cannot confirm from %s", ErrCannotUpdate, p.Status)
	}

	// Authoritative status lives at the processor, never locally.
	intent, err := s.gw.FetchIntent(ctx, intentID)
	if err != nil {
		s.logger.Error("intent fetch failed during confirmation",
			"payment_id", p.ID, "intent_id", intentID, "error", err)
		return nil, fmt.Errorf("%w: fetch intent: %v", ErrTechnical, err)
	}
	if intent.Status != gateway.IntentStatusSucceeded {
		s.notify(ctx, EventCaptureFailed, p, "intent status "+intent.Status)
		return nil, fmt.Errorf("%w: intent %s not succeeded (status %s)", ErrTechnical, intentID, intent.Status)
	}

	from := p.Status
	now := s.now()
	p.Status = StatusEscrowed
	p.PaidAt = &now
	p.FeeCollected = true
	p.ChargeID = intent.ChargeID
	p.UpdatedAt = now
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateFrom(ctx, p, from); err != nil {
		if errors.Is(err, ErrCannotUpdate) {
			// Lost the race to a concurrent confirmation; re-read and
			// accept its result if it escrowed the payment.
			if fresh, gerr := s.store.Get(ctx, p.ID); gerr == nil && fresh.Status == StatusEscrowed {
				return fresh, nil
			}
		}
		return nil, fmt.Errorf("%w: persist capture: %v", ErrTechnical, err)
	}

	// Money state is correct from here on: everything below is
	// best-effort and never rolled back.
	s.createTask(ctx, p)
	s.notify(ctx, EventCaptured, p, "")
	PaymentOutcomesTotal.WithLabelValues("captured").Inc()

	return p, nil
}

// createTask opens the downstream service task once per payment.
func (s *Service) createTask(ctx context.Context, p *Payment) {
	if s.tasks == nil || p.TaskID != "" {
		return
	}
	taskID, err := s.tasks.CreateTask(ctx, p)
	if err != nil {
		s.logger.Warn("task creation failed",
			"payment_id", p.ID, "order_ref", p.OrderRef, "error", err)
		return
	}
	p.TaskID = taskID
	if err := s.store.Update(ctx, p); err != nil {
		s.logger.Warn("task id not persisted",
			"payment_id", p.ID, "task_id", taskID, "error", err)
	}
}

// Release transfers escrowed funds to the provider's connected account.
// The protection fee is never transferred; the platform keeps it.
// amount == 0 means the full service amount.
func (s *Service) Release(ctx context.Context, paymentID string, amount money.Amount, reason string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.release", traces.PaymentID(paymentID))
	defer span.End()
	done := observeOp("release")
	defer done()

	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.CanBeReleased() {
		return nil, fmt.Errorf("%w: cannot release from %s", ErrCannotUpdate, p.Status)
	}
	if amount == 0 {
		amount = p.ServiceAmount
	}
	if amount <= 0 || amount > p.ServiceAmount {
		return nil, fmt.Errorf("%w: release amount %s outside (0, %s]", ErrInvalidAmount, amount, p.ServiceAmount)
	}

	accountID, err := s.accounts.ResolveAccount(ctx, p.ProviderID)
	if err != nil {
		return nil, err
	}

	transferID, err := s.gw.Transfer(ctx, gateway.TransferRequest{
		DestinationAccountID: accountID,
		AmountMinor:          amount.Minor(),
		Currency:             p.Currency,
		TransferGroup:        p.ID,
		Description:          reason,
		Metadata:             map[string]string{"payment_id": p.ID, "order_ref": p.OrderRef},
	})
	if err != nil {
		s.logger.Error("escrow release transfer failed",
			"payment_id", p.ID,
			"intent_id", p.IntentID,
			"account_id", accountID,
			"amount", amount.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: transfer: %v", ErrTechnical, err)
	}

	from := p.Status
	now := s.now()
	p.Status = StatusReleased
	p.EscrowReleasedAt = &now
	p.TransferredAmount = amount
	p.TransferID = transferID
	p.UpdatedAt = now
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateFrom(ctx, p, from); err != nil {
		// Funds already moved to the provider; the transfer has no inverse
		// here. Retry the write once, then flag for manual reconciliation.
		if retryErr := s.store.UpdateFrom(ctx, p, from); retryErr != nil {
			s.logger.Error("CRITICAL: funds transferred but payment not updated",
				"payment_id", p.ID,
				"transfer_id", transferID,
				"amount", amount.String(),
				"error", retryErr,
			)
			return nil, fmt.Errorf("%w: persist release (requires manual reconciliation): %v", ErrTechnical, err)
		}
	}

	s.notify(ctx, EventReleased, p, reason)
	PaymentOutcomesTotal.WithLabelValues("released").Inc()

	return p, nil
}

// Refund returns captured funds to the payer, partially or in full.
// amount == 0 means everything still refundable. A partial refund leaves
// the status unchanged; a full refund moves the payment to Refunded.
func (s *Service) Refund(ctx context.Context, paymentID string, amount money.Amount, reason string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.refund", traces.PaymentID(paymentID))
	defer span.End()
	done := observeOp("refund")
	defer done()

	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if !p.CanBeRefunded(now, s.refundWindow) {
		return nil, fmt.Errorf("%w: cannot refund from %s", ErrCannotUpdate, p.Status)
	}
	remaining := p.TotalAmount - p.RefundedAmount
	if amount == 0 {
		amount = remaining
	}
	if amount <= 0 || amount > remaining {
		return nil, fmt.Errorf("%w: refund amount %s outside (0, %s]", ErrInvalidAmount, amount, remaining)
	}

	refundID, err := s.gw.Refund(ctx, gateway.RefundRequest{
		IntentID:    p.IntentID,
		AmountMinor: amount.Minor(),
		Reason:      reason,
		Metadata:    map[string]string{"payment_id": p.ID, "order_ref": p.OrderRef},
	})
	if err != nil {
		s.logger.Error("refund failed",
			"payment_id", p.ID,
			"intent_id", p.IntentID,
			"amount", amount.String(),
			"error", err,
		)
		return nil, fmt.Errorf("%w: refund: %v", ErrTechnical, err)
	}

	from := p.Status
	p.RefundedAmount += amount
	p.RefundedAt = &now
	p.RefundID = refundID
	p.UpdatedAt = now
	if p.RefundedAmount >= p.TotalAmount && CanTransition(from, StatusRefunded) {
		p.Status = StatusRefunded
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateFrom(ctx, p, from); err != nil {
		// Funds already returned to the payer. Retry the write once.
		if retryErr := s.store.UpdateFrom(ctx, p, from); retryErr != nil {
			s.logger.Error("CRITICAL: refund issued but payment not updated",
				"payment_id", p.ID,
				"refund_id", refundID,
				"amount", amount.String(),
				"error", retryErr,
			)
			return nil, fmt.Errorf("%w: persist refund (requires manual reconciliation): %v", ErrTechnical, err)
		}
	}

	s.notify(ctx, EventRefunded, p, reason)
	PaymentOutcomesTotal.WithLabelValues("refunded").Inc()

	return p, nil
}

// Cancel voids a payment whose charge has not been captured yet.
func (s *Service) Cancel(ctx context.Context, paymentID string) (*Payment, error) {
	ctx, span := traces.StartSpan(ctx, "payments.cancel", traces.PaymentID(paymentID))
	defer span.End()
	done := observeOp("cancel")
	defer done()

	unlock := s.locks.Lock(paymentID)
	defer unlock()

	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if !p.CanBeCancelled() {
		return nil, fmt.Errorf("%w: cannot cancel from %s", ErrCannotUpdate, p.Status)
	}

	if err := s.gw.CancelIntent(ctx, p.IntentID); err != nil {
		s.logger.Error("intent cancel failed",
			"payment_id", p.ID, "intent_id", p.IntentID, "error", err)
		return nil, fmt.Errorf("%w: cancel intent: %v", ErrTechnical, err)
	}

	from := p.Status
	now := s.now()
	p.Status = StatusCancelled
	p.CancelledAt = &now
	p.UpdatedAt = now

	if err := s.store.UpdateFrom(ctx, p, from); err != nil {
		return nil, fmt.Errorf("%w: persist cancel: %v", ErrTechnical, err)
	}

	s.notify(ctx, EventCancelled, p, "")
	PaymentOutcomesTotal.WithLabelValues("cancelled").Inc()

	return p, nil
}

// Get returns a payment by ID.
func (s *Service) Get(ctx context.Context, id string) (*Payment, error) {
	return s.store.Get(ctx, id)
}

// ListByOrderRef returns all payments for an order reference.
func (s *Service) ListByOrderRef(ctx context.Context, orderRef string) ([]*Payment, error) {
	return s.store.ListByOrderRef(ctx, orderRef)
}

// PaymentStatus is the read-only status DTO with the amount breakdown.
type PaymentStatus struct {
	PaymentID         string       `json:"paymentId"`
	OrderRef          string       `json:"orderRef"`
	Status            Status       `json:"status"`
	ServiceAmount     money.Amount `json:"serviceAmount"`
	ProtectionFee     money.Amount `json:"protectionFee"`
	TotalAmount       money.Amount `json:"totalAmount"`
	TransferredAmount money.Amount `json:"transferredAmount"`
	RefundedAmount    money.Amount `json:"refundedAmount"`
	EscrowedAmount    money.Amount `json:"escrowedAmount"`
	MaxRefundable     money.Amount `json:"maxRefundable"`
	PlatformRevenue   money.Amount `json:"platformRevenue"`
	ProviderEarnings  money.Amount `json:"providerEarnings"`
	Currency          string       `json:"currency"`
	CanBeReleased     bool         `json:"canBeReleased"`
	CanBeRefunded     bool         `json:"canBeRefunded"`
	CanBeCancelled    bool         `json:"canBeCancelled"`
	PaidAt            *time.Time   `json:"paidAt,omitempty"`
	EscrowReleasedAt  *time.Time   `json:"escrowReleasedAt,omitempty"`
	RefundedAt        *time.Time   `json:"refundedAt,omitempty"`
}

// GetStatus returns the status DTO for a payment.
func (s *Service) GetStatus(ctx context.Context, paymentID string) (*PaymentStatus, error) {
	p, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	return &PaymentStatus{
		PaymentID:         p.ID,
		OrderRef:          p.OrderRef,
		Status:            p.Status,
		ServiceAmount:     p.ServiceAmount,
		ProtectionFee:     p.ProtectionFee,
		TotalAmount:       p.TotalAmount,
		TransferredAmount: p.TransferredAmount,
		RefundedAmount:    p.RefundedAmount,
		EscrowedAmount:    p.EscrowedAmount(),
		MaxRefundable:     p.MaxRefundable(),
		PlatformRevenue:   p.PlatformRevenue(),
		ProviderEarnings:  p.ProviderEarnings(),
		Currency:          p.Currency,
		CanBeReleased:     p.CanBeReleased(),
		CanBeRefunded:     p.CanBeRefunded(s.now(), s.refundWindow),
		CanBeCancelled:    p.CanBeCancelled(),
		PaidAt:            p.PaidAt,
		EscrowReleasedAt:  p.EscrowReleasedAt,
		RefundedAt:        p.RefundedAt,
	}, nil
}

// notify dispatches a lifecycle event, if a notifier is configured.
// At-most-once: dispatch errors are the notifier's to log, not ours to
// retry.
func (s *Service) notify(ctx context.Context, event string, p *Payment, detail string) {
	if s.notifier == nil {
		return
	}
	s.notifier.PaymentEvent(ctx, event, p, detail)
}

func cloneMetadata(m map[string]string) map[string]string {
	out := make(map[string]string, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
