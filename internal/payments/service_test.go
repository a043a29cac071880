package payments

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/servilink/servilink/internal/gateway"
	"github.com/servilink/servilink/internal/money"
)

// mockGateway lets each test script the processor's behavior.
type mockGateway struct {
	createIntent func(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error)
	fetchIntent  func(ctx context.Context, intentID string) (*gateway.Intent, error)
	cancelIntent func(ctx context.Context, intentID string) error
	transfer     func(ctx context.Context, req gateway.TransferRequest) (string, error)
	refund       func(ctx context.Context, req gateway.RefundRequest) (string, error)

	cancels   atomic.Int64
	transfers atomic.Int64
	refunds   atomic.Int64
}

func (m *mockGateway) CreateIntent(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error) {
	if m.createIntent != nil {
		return m.createIntent(ctx, req)
	}
	return &gateway.Intent{ID: "pi_mock", ClientSecret: "pi_mock_secret", Status: "requires_payment_method"}, nil
}

func (m *mockGateway) FetchIntent(ctx context.Context, intentID string) (*gateway.Intent, error) {
	if m.fetchIntent != nil {
		return m.fetchIntent(ctx, intentID)
	}
	return &gateway.Intent{ID: intentID, Status: gateway.IntentStatusSucceeded, ChargeID: "ch_mock"}, nil
}

func (m *mockGateway) CancelIntent(ctx context.Context, intentID string) error {
	m.cancels.Add(1)
	if m.cancelIntent != nil {
		return m.cancelIntent(ctx, intentID)
	}
	return nil
}

func (m *mockGateway) Transfer(ctx context.Context, req gateway.TransferRequest) (string, error) {
	m.transfers.Add(1)
	if m.transfer != nil {
		return m.transfer(ctx, req)
	}
	return "tr_mock", nil
}

func (m *mockGateway) Refund(ctx context.Context, req gateway.RefundRequest) (string, error) {
	m.refunds.Add(1)
	if m.refund != nil {
		return m.refund(ctx, req)
	}
	return "re_mock", nil
}

type staticAccounts struct {
	accountID string
	err       error
}

func (s *staticAccounts) ResolveAccount(ctx context.Context, providerID string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.accountID, nil
}

type recordingTasks struct {
	calls atomic.Int64
	err   error
}

func (r *recordingTasks) CreateTask(ctx context.Context, p *Payment) (string, error) {
	r.calls.Add(1)
	if r.err != nil {
		return "", r.err
	}
	return "task_1", nil
}

type recordingNotifier struct {
	events []string
}

func (r *recordingNotifier) PaymentEvent(ctx context.Context, event string, p *Payment, detail string) {
	r.events = append(r.events, event)
}

func newTestService(gw gateway.Gateway) (*Service, *MemoryStore) {
	store := NewMemoryStore()
	svc := NewService(store, gw, &staticAccounts{accountID: "acct_1"})
	return svc, store
}

func TestCreateIntent_DerivesFeeAndPersistsPending(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	ctx := context.Background()

	var intentReq gateway.CreateIntentRequest
	gw.createIntent = func(ctx context.Context, req gateway.CreateIntentRequest) (*gateway.Intent, error) {
		intentReq = req
		return &gateway.Intent{ID: "pi_1", ClientSecret: "pi_1_secret"}, nil
	}

	res, err := svc.CreateIntent(ctx, CreateIntentRequest{
		OrderRef:      "ord_1",
		ProviderID:    "prov_1",
		ServiceAmount: 10000,
		Metadata:      map[string]string{"order_id": "ord_1"},
	})
	if err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}

	// Default policy: 10% of the service amount
	if res.ProtectionFee != 1000 {
		t.Errorf("fee = %d, want 1000", res.ProtectionFee)
	}
	if res.TotalAmount != 11000 {
		t.Errorf("total = %d, want 11000", res.TotalAmount)
	}
	if res.ClientSecret != "pi_1_secret" {
		t.Errorf("client secret = %q", res.ClientSecret)
	}
	if intentReq.AmountMinor != 11000 {
		t.Errorf("intent opened for %d minor units, want 11000", intentReq.AmountMinor)
	}
	if intentReq.Metadata["payment_id"] != res.PaymentID {
		t.Errorf("intent metadata missing payment id")
	}
	if intentReq.DestinationAccountID != "acct_1" {
		t.Errorf("destination account = %q", intentReq.DestinationAccountID)
	}

	p, err := store.Get(ctx, res.PaymentID)
	if err != nil {
		t.Fatalf("payment not persisted: %v", err)
	}
	if p.Status != StatusPending {
		t.Errorf("status = %s, want pending", p.Status)
	}
	if p.IntentID != "pi_1" {
		t.Errorf("intent id = %q", p.IntentID)
	}
}

// captureStore records the payment pointer handed to Create so tests can
// check what the service persists, not what the store copied.
type captureStore struct {
	*MemoryStore
	created *Payment
}

func (c *captureStore) Create(ctx context.Context, p *Payment) error {
	c.created = p
	return c.MemoryStore.Create(ctx, p)
}

func TestCreateIntent_CopiesCallerMetadata(t *testing.T) {
	cs := &captureStore{MemoryStore: NewMemoryStore()}
	svc := NewService(cs, &mockGateway{}, &staticAccounts{accountID: "acct_1"})
	ctx := context.Background()

	meta := map[string]string{"order_id": "ord_1"}
	if _, err := svc.CreateIntent(ctx, CreateIntentRequest{
		OrderRef:      "ord_1",
		ProviderID:    "prov_1",
		ServiceAmount: 10000,
		Metadata:      meta,
	}); err != nil {
		t.Fatalf("CreateIntent failed: %v", err)
	}

	// The persisted payment must hold its own copy of the metadata.
	meta["order_id"] = "ord_tampered"

	if cs.created == nil {
		t.Fatal("Create never called")
	}
	if got := cs.created.Metadata["order_id"]; got != "ord_1" {
		t.Errorf("metadata order_id = %q, want ord_1", got)
	}
}

func TestCreateIntent_RejectsMismatchedTotal(t *testing.T) {
	svc, _ := newTestService(&mockGateway{})

	_, err := svc.CreateIntent(context.Background(), CreateIntentRequest{
		OrderRef:      "ord_1",
		ProviderID:    "prov_1",
		ServiceAmount: 10000,
		ProtectionFee: 1000,
		TotalAmount:   12000,
	})
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got %v", err)
	}
}

func TestCreateIntent_RejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService(&mockGateway{})
	ctx := context.Background()

	if _, err := svc.CreateIntent(ctx, CreateIntentRequest{
		OrderRef: "ord_1", ProviderID: "prov_1", ServiceAmount: 0,
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero service amount: got %v", err)
	}

	if _, err := svc.CreateIntent(ctx, CreateIntentRequest{
		OrderRef: "ord_1", ProviderID: "prov_1", ServiceAmount: 1000, ProtectionFee: -1,
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative fee: got %v", err)
	}

	if _, err := svc.CreateIntent(ctx, CreateIntentRequest{
		OrderRef: "ord_1", ProviderID: "prov_1", ServiceAmount: 1000,
		Metadata: map[string]string{"shady_key": "x"},
	}); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("unknown metadata key: got %v", err)
	}
}

func TestCreateIntent_DuplicateSameDaySameTotal(t *testing.T) {
	svc, _ := newTestService(&mockGateway{})
	ctx := context.Background()

	req := CreateIntentRequest{OrderRef: "ord_dup", ProviderID: "prov_1", ServiceAmount: 10000}
	if _, err := svc.CreateIntent(ctx, req); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	if _, err := svc.CreateIntent(ctx, req); !errors.Is(err, ErrDuplicatePayment) {
		t.Fatalf("expected ErrDuplicatePayment, got %v", err)
	}

	// A different total on the same order is a separate booking
	req2 := req
	req2.ServiceAmount = 20000
	if _, err := svc.CreateIntent(ctx, req2); err != nil {
		t.Errorf("different total rejected: %v", err)
	}
}

// failingCreateStore fails the initial insert to exercise compensation.
type failingCreateStore struct {
	*MemoryStore
}

func (f *failingCreateStore) Create(ctx context.Context, p *Payment) error {
	return fmt.Errorf("disk full")
}

func TestCreateIntent_CompensatesOnPersistFailure(t *testing.T) {
	gw := &mockGateway{}
	store := &failingCreateStore{NewMemoryStore()}
	svc := NewService(store, gw, &staticAccounts{accountID: "acct_1"})

	_, err := svc.CreateIntent(context.Background(), CreateIntentRequest{
		OrderRef: "ord_1", ProviderID: "prov_1", ServiceAmount: 10000,
	})
	if !errors.Is(err, ErrTechnical) {
		t.Fatalf("expected ErrTechnical, got %v", err)
	}
	if gw.cancels.Load() != 1 {
		t.Errorf("expected compensating cancel, got %d cancels", gw.cancels.Load())
	}
}

func seedPayment(t *testing.T, store Store, p *Payment) *Payment {
	t.Helper()
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
		p.UpdatedAt = now
	}
	if err := store.Create(context.Background(), p); err != nil {
		t.Fatalf("seed payment: %v", err)
	}
	return p
}

func TestConfirmCapture_MovesToEscrowOnce(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	tasks := &recordingTasks{}
	notifier := &recordingNotifier{}
	svc.WithTaskCreator(tasks).WithNotifier(notifier)
	ctx := context.Background()

	seedPayment(t, store, &Payment{
		ID: "pay_c1", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Currency: "usd", Status: StatusPending, IntentID: "pi_c1",
	})

	p, err := svc.ConfirmCapture(ctx, "pi_c1")
	if err != nil {
		t.Fatalf("ConfirmCapture failed: %v", err)
	}
	if p.Status != StatusEscrowed {
		t.Errorf("status = %s, want escrowed", p.Status)
	}
	if p.PaidAt == nil || !p.FeeCollected || p.ChargeID != "ch_mock" {
		t.Errorf("capture fields not set: paidAt=%v feeCollected=%v chargeID=%q", p.PaidAt, p.FeeCollected, p.ChargeID)
	}
	if tasks.calls.Load() != 1 {
		t.Errorf("task created %d times, want 1", tasks.calls.Load())
	}

	// Replay: no error, no second task
	p2, err := svc.ConfirmCapture(ctx, "pi_c1")
	if err != nil {
		t.Fatalf("replayed ConfirmCapture failed: %v", err)
	}
	if p2.Status != StatusEscrowed {
		t.Errorf("replay status = %s", p2.Status)
	}
	if tasks.calls.Load() != 1 {
		t.Errorf("task created %d times after replay, want 1", tasks.calls.Load())
	}

	stored, _ := store.Get(ctx, "pay_c1")
	if stored.TaskID != "task_1" {
		t.Errorf("task id not persisted: %q", stored.TaskID)
	}
}

func TestConfirmCapture_IntentNotSucceeded(t *testing.T) {
	gw := &mockGateway{
		fetchIntent: func(ctx context.Context, intentID string) (*gateway.Intent, error) {
			return &gateway.Intent{ID: intentID, Status: "requires_payment_method"}, nil
		},
	}
	svc, store := newTestService(gw)
	ctx := context.Background()

	seedPayment(t, store, &Payment{
		ID: "pay_c2", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusPending, IntentID: "pi_c2",
	})

	if _, err := svc.ConfirmCapture(ctx, "pi_c2"); !errors.Is(err, ErrTechnical) {
		t.Fatalf("expected ErrTechnical, got %v", err)
	}

	stored, _ := store.Get(ctx, "pay_c2")
	if stored.Status != StatusPending {
		t.Errorf("status moved to %s without processor confirmation", stored.Status)
	}
}

func TestConfirmCapture_TaskFailureDoesNotRollBack(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	svc.WithTaskCreator(&recordingTasks{err: fmt.Errorf("tasks down")})
	ctx := context.Background()

	seedPayment(t, store, &Payment{
		ID: "pay_c3", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusPending, IntentID: "pi_c3",
	})

	p, err := svc.ConfirmCapture(ctx, "pi_c3")
	if err != nil {
		t.Fatalf("capture failed because of task error: %v", err)
	}
	if p.Status != StatusEscrowed {
		t.Errorf("status = %s, want escrowed", p.Status)
	}
	if p.TaskID != "" {
		t.Errorf("task id set despite failure: %q", p.TaskID)
	}
}

func TestRelease_TransfersServiceAmount(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	ctx := context.Background()

	var transferReq gateway.TransferRequest
	gw.transfer = func(ctx context.Context, req gateway.TransferRequest) (string, error) {
		transferReq = req
		return "tr_1", nil
	}

	paid := time.Now().Add(-time.Hour)
	seedPayment(t, store, &Payment{
		ID: "pay_r1", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Currency: "usd", Status: StatusEscrowed, IntentID: "pi_r1",
		PaidAt: &paid, FeeCollected: true,
	})

	p, err := svc.Release(ctx, "pay_r1", 0, "service completed")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if p.Status != StatusReleased {
		t.Errorf("status = %s, want released", p.Status)
	}
	if p.TransferredAmount != 10000 {
		t.Errorf("transferred = %d, want 10000", p.TransferredAmount)
	}
	if p.EscrowReleasedAt == nil || p.TransferID != "tr_1" {
		t.Errorf("release fields not set")
	}
	// The protection fee never leaves the platform
	if transferReq.AmountMinor != 10000 {
		t.Errorf("transfer amount = %d minor units, want 10000", transferReq.AmountMinor)
	}

	// A second release must fail: funds already moved
	if _, err := svc.Release(ctx, "pay_r1", 0, ""); !errors.Is(err, ErrCannotUpdate) {
		t.Errorf("second release: got %v, want ErrCannotUpdate", err)
	}
}

func TestRelease_Bounds(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	ctx := context.Background()

	paid := time.Now().Add(-time.Hour)
	seedPayment(t, store, &Payment{
		ID: "pay_r2", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusEscrowed, IntentID: "pi_r2", PaidAt: &paid, FeeCollected: true,
	})

	if _, err := svc.Release(ctx, "pay_r2", 10001, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("over-release: got %v", err)
	}
	if _, err := svc.Release(ctx, "pay_r2", -5, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative release: got %v", err)
	}
	if gw.transfers.Load() != 0 {
		t.Errorf("gateway called despite invalid amounts")
	}

	seedPayment(t, store, &Payment{
		ID: "pay_r3", OrderRef: "ord_2", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusPending, IntentID: "pi_r3",
	})
	if _, err := svc.Release(ctx, "pay_r3", 0, ""); !errors.Is(err, ErrCannotUpdate) {
		t.Errorf("release from pending: got %v", err)
	}
}

func TestRelease_GatewayFailureLeavesPaymentUntouched(t *testing.T) {
	gw := &mockGateway{
		transfer: func(ctx context.Context, req gateway.TransferRequest) (string, error) {
			return "", gateway.ErrUnavailable
		},
	}
	svc, store := newTestService(gw)
	ctx := context.Background()

	paid := time.Now().Add(-time.Hour)
	seedPayment(t, store, &Payment{
		ID: "pay_r4", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusEscrowed, IntentID: "pi_r4", PaidAt: &paid, FeeCollected: true,
	})

	if _, err := svc.Release(ctx, "pay_r4", 0, ""); !errors.Is(err, ErrTechnical) {
		t.Fatalf("expected ErrTechnical, got %v", err)
	}

	stored, _ := store.Get(ctx, "pay_r4")
	if stored.Status != StatusEscrowed || stored.TransferredAmount != 0 || stored.TransferID != "" {
		t.Errorf("payment mutated despite failed transfer: %+v", stored)
	}
}

func TestRefund_PartialThenFull(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	ctx := context.Background()

	paid := time.Now().Add(-time.Hour)
	seedPayment(t, store, &Payment{
		ID: "pay_f1", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Currency: "usd", Status: StatusEscrowed, IntentID: "pi_f1",
		PaidAt: &paid, FeeCollected: true,
	})

	p, err := svc.Refund(ctx, "pay_f1", 4000, "partial cancellation")
	if err != nil {
		t.Fatalf("partial refund failed: %v", err)
	}
	if p.Status != StatusEscrowed {
		t.Errorf("partial refund moved status to %s", p.Status)
	}
	if p.RefundedAmount != 4000 {
		t.Errorf("refunded = %d, want 4000", p.RefundedAmount)
	}

	// Over-refund of the remainder is rejected
	if _, err := svc.Refund(ctx, "pay_f1", 8000, ""); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("over-refund: got %v", err)
	}

	// Refunding the remainder settles the payment
	p, err = svc.Refund(ctx, "pay_f1", 0, "order cancelled")
	if err != nil {
		t.Fatalf("full refund failed: %v", err)
	}
	if p.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", p.Status)
	}
	if p.RefundedAmount != 11000 {
		t.Errorf("refunded = %d, want 11000", p.RefundedAmount)
	}

	// Terminal: nothing more to refund
	if _, err := svc.Refund(ctx, "pay_f1", 1, ""); !errors.Is(err, ErrCannotUpdate) {
		t.Errorf("refund after terminal: got %v", err)
	}
}

func TestRefund_WindowExpired(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	svc.WithRefundWindow(24 * time.Hour)
	ctx := context.Background()

	paid := time.Now().Add(-48 * time.Hour)
	seedPayment(t, store, &Payment{
		ID: "pay_f2", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusEscrowed, IntentID: "pi_f2", PaidAt: &paid, FeeCollected: true,
	})

	if _, err := svc.Refund(ctx, "pay_f2", 0, ""); !errors.Is(err, ErrCannotUpdate) {
		t.Fatalf("expected ErrCannotUpdate after window, got %v", err)
	}
	if gw.refunds.Load() != 0 {
		t.Errorf("gateway refund issued past the window")
	}
}

func TestRefund_AfterRelease(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	ctx := context.Background()

	paid := time.Now().Add(-time.Hour)
	released := time.Now().Add(-30 * time.Minute)
	seedPayment(t, store, &Payment{
		ID: "pay_f3", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusReleased, IntentID: "pi_f3", PaidAt: &paid,
		EscrowReleasedAt: &released, TransferredAmount: 10000, FeeCollected: true,
	})

	p, err := svc.Refund(ctx, "pay_f3", 11000, "dispute settled")
	if err != nil {
		t.Fatalf("refund after release failed: %v", err)
	}
	if p.Status != StatusRefunded {
		t.Errorf("status = %s, want refunded", p.Status)
	}
}

func TestCancel(t *testing.T) {
	gw := &mockGateway{}
	svc, store := newTestService(gw)
	ctx := context.Background()

	seedPayment(t, store, &Payment{
		ID: "pay_x1", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusPending, IntentID: "pi_x1",
	})

	p, err := svc.Cancel(ctx, "pay_x1")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if p.Status != StatusCancelled || p.CancelledAt == nil {
		t.Errorf("cancel fields: status=%s cancelledAt=%v", p.Status, p.CancelledAt)
	}
	if gw.cancels.Load() != 1 {
		t.Errorf("intent cancel called %d times", gw.cancels.Load())
	}

	// Escrowed funds cannot be cancelled, only refunded
	paid := time.Now()
	seedPayment(t, store, &Payment{
		ID: "pay_x2", OrderRef: "ord_2", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Status: StatusEscrowed, IntentID: "pi_x2", PaidAt: &paid, FeeCollected: true,
	})
	if _, err := svc.Cancel(ctx, "pay_x2"); !errors.Is(err, ErrCannotUpdate) {
		t.Errorf("cancel escrowed: got %v", err)
	}
}

func TestGetStatus_AmountBreakdown(t *testing.T) {
	svc, store := newTestService(&mockGateway{})
	ctx := context.Background()

	paid := time.Now().Add(-time.Hour)
	seedPayment(t, store, &Payment{
		ID: "pay_s1", OrderRef: "ord_1", ProviderID: "prov_1",
		ServiceAmount: 10000, ProtectionFee: 1000, TotalAmount: 11000,
		Currency: "usd", Status: StatusEscrowed, IntentID: "pi_s1",
		PaidAt: &paid, FeeCollected: true, RefundedAmount: 500,
	})

	status, err := svc.GetStatus(ctx, "pay_s1")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if status.EscrowedAmount != 10500 {
		t.Errorf("escrowed = %d, want 10500", status.EscrowedAmount)
	}
	if status.MaxRefundable != 10500 {
		t.Errorf("maxRefundable = %d, want 10500", status.MaxRefundable)
	}
	if status.PlatformRevenue != money.Amount(500) {
		t.Errorf("platformRevenue = %d, want 500", status.PlatformRevenue)
	}
	if !status.CanBeRefunded || !status.CanBeReleased || status.CanBeCancelled {
		t.Errorf("capability flags wrong: %+v", status)
	}
}
