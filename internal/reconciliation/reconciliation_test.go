package reconciliation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/servilink/servilink/internal/payments"
	"github.com/servilink/servilink/internal/retry"
)

type mockLister struct {
	payments []*payments.Payment
	err      error
	gotLimit int
	gotAge   time.Time
}

func (m *mockLister) ListUnsettled(_ context.Context, olderThan time.Time, limit int) ([]*payments.Payment, error) {
	m.gotAge = olderThan
	m.gotLimit = limit
	return m.payments, m.err
}

type mockSyncer struct {
	mu     sync.Mutex
	calls  map[string]int
	failID string
}

func (m *mockSyncer) SyncIntent(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[paymentID]++
	if paymentID == m.failID {
		return retry.Permanent(errors.New("intent lookup failed"))
	}
	return nil
}

func unsettledFixture(ids ...string) []*payments.Payment {
	out := make([]*payments.Payment, 0, len(ids))
	for _, id := range ids {
		out = append(out, &payments.Payment{
			ID:       id,
			IntentID: "pi_" + id,
			Status:   payments.StatusPending,
		})
	}
	return out
}

func TestRunAll_SyncsEachUnsettledPayment(t *testing.T) {
	lister := &mockLister{payments: unsettledFixture("pay_1", "pay_2", "pay_3")}
	syncer := &mockSyncer{}

	runner := NewRunner(lister, syncer, nil).WithBatchSize(50)
	res, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if res.Scanned != 3 || res.Synced != 3 || res.Failed != 0 {
		t.Errorf("scanned=%d synced=%d failed=%d", res.Scanned, res.Synced, res.Failed)
	}
	if lister.gotLimit != 50 {
		t.Errorf("batch size = %d, want 50", lister.gotLimit)
	}
	for _, id := range []string{"pay_1", "pay_2", "pay_3"} {
		if syncer.calls[id] != 1 {
			t.Errorf("sync calls for %s = %d, want 1", id, syncer.calls[id])
		}
	}
}

func TestRunAll_CountsFailuresAndContinues(t *testing.T) {
	lister := &mockLister{payments: unsettledFixture("pay_1", "pay_bad", "pay_3")}
	syncer := &mockSyncer{failID: "pay_bad"}

	runner := NewRunner(lister, syncer, nil)
	res, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}

	if res.Synced != 2 || res.Failed != 1 {
		t.Errorf("synced=%d failed=%d, want 2/1", res.Synced, res.Failed)
	}
	// Failing one payment must not block the rest of the batch.
	if syncer.calls["pay_3"] != 1 {
		t.Errorf("pay_3 was not synced after failure")
	}
}

func TestRunAll_ListErrorBubblesUp(t *testing.T) {
	lister := &mockLister{err: errors.New("db down")}
	runner := NewRunner(lister, &mockSyncer{}, nil)

	if _, err := runner.RunAll(context.Background()); err == nil {
		t.Fatal("expected error when listing fails")
	}
}

func TestRunAll_RespectsMinAge(t *testing.T) {
	lister := &mockLister{}
	runner := NewRunner(lister, &mockSyncer{}, nil).WithMinAge(time.Hour)

	before := time.Now().Add(-time.Hour)
	if _, err := runner.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll failed: %v", err)
	}
	// Cutoff should be about an hour in the past.
	if lister.gotAge.After(time.Now().Add(-time.Hour + time.Minute)) || lister.gotAge.Before(before.Add(-time.Minute)) {
		t.Errorf("cutoff = %v, want ~1h ago", lister.gotAge)
	}
}

func TestTimer_StartStop(t *testing.T) {
	runner := NewRunner(&mockLister{}, &mockSyncer{}, nil)
	timer := NewTimer(runner, nil).WithInterval(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()

	deadline := time.After(time.Second)
	for !timer.Running() {
		select {
		case <-deadline:
			t.Fatal("timer never started")
		case <-time.After(time.Millisecond):
		}
	}

	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("Running() true after stop")
	}
}
