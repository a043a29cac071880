// Package reconciliation sweeps payments stuck mid-capture and re-syncs
// them against the processor. Webhooks are the primary signal; the sweep
// is the backstop for deliveries that never arrived.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/servilink/servilink/internal/payments"
	"github.com/servilink/servilink/internal/retry"
)

// UnsettledLister lists payments still awaiting a capture outcome.
type UnsettledLister interface {
	ListUnsettled(ctx context.Context, olderThan time.Time, limit int) ([]*payments.Payment, error)
}

// IntentSyncer pulls the authoritative intent state and settles the payment.
type IntentSyncer interface {
	SyncIntent(ctx context.Context, paymentID string) error
}

// Result holds the outcome of one sweep.
type Result struct {
	Scanned  int       `json:"scanned"`
	Synced   int       `json:"synced"`
	Failed   int       `json:"failed"`
	Duration string    `json:"duration"`
	RanAt    time.Time `json:"ranAt"`
}

// Runner sweeps unsettled payments and reconciles each against the processor.
type Runner struct {
	store     UnsettledLister
	syncer    IntentSyncer
	minAge    time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewRunner creates a sweep runner. Payments younger than minAge are left
// alone so in-flight checkouts are not raced.
func NewRunner(store UnsettledLister, syncer IntentSyncer, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		store:     store,
		syncer:    syncer,
		minAge:    15 * time.Minute,
		batchSize: 100,
		logger:    logger,
	}
}

// WithMinAge overrides how old a payment must be before the sweep touches it.
func (r *Runner) WithMinAge(d time.Duration) *Runner {
	if d > 0 {
		r.minAge = d
	}
	return r
}

// WithBatchSize overrides how many payments one sweep processes.
func (r *Runner) WithBatchSize(n int) *Runner {
	if n > 0 {
		r.batchSize = n
	}
	return r
}

// RunAll performs one sweep over unsettled payments.
func (r *Runner) RunAll(ctx context.Context) (*Result, error) {
	start := time.Now()
	defer func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}()

	cutoff := start.Add(-r.minAge)
	unsettled, err := r.store.ListUnsettled(ctx, cutoff, r.batchSize)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("list unsettled payments: %w", err)
	}

	res := &Result{Scanned: len(unsettled), RanAt: start}
	for _, p := range unsettled {
		if ctx.Err() != nil {
			break
		}
		err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
			return r.syncer.SyncIntent(ctx, p.ID)
		})
		if err != nil {
			res.Failed++
			reconcileErrors.Inc()
			r.logger.Warn("payment sync failed",
				"payment_id", p.ID,
				"intent_id", p.IntentID,
				"status", p.Status,
				"error", err)
			continue
		}
		res.Synced++
	}

	reconcileUnsettled.Set(float64(res.Scanned))
	reconcileSyncFailures.Set(float64(res.Failed))

	res.Duration = time.Since(start).String()
	if res.Scanned > 0 {
		r.logger.Info("reconciliation sweep complete",
			"scanned", res.Scanned,
			"synced", res.Synced,
			"failed", res.Failed,
			"duration", res.Duration)
	}
	return res, nil
}
