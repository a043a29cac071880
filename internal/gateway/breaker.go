package gateway

import (
	"context"
	"fmt"

	"github.com/servilink/servilink/internal/circuitbreaker"
)

// Breaking wraps a Gateway with a per-operation circuit breaker. When the
// processor fails repeatedly the circuit opens and calls fail fast with
// ErrUnavailable instead of piling up timeouts. The engine already treats
// any gateway error as "no local mutation", so fail-fast is safe.
type Breaking struct {
	next    Gateway
	breaker *circuitbreaker.Breaker
}

// WithBreaker wraps gw with the given circuit breaker.
func WithBreaker(gw Gateway, b *circuitbreaker.Breaker) *Breaking {
	return &Breaking{next: gw, breaker: b}
}

func (g *Breaking) do(op string, fn func() error) error {
	if !g.breaker.Allow(op) {
		return fmt.Errorf("%w: circuit open for %s", ErrUnavailable, op)
	}
	err := fn()
	if err != nil {
		g.breaker.RecordFailure(op)
		return err
	}
	g.breaker.RecordSuccess(op)
	return nil
}

func (g *Breaking) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	var intent *Intent
	err := g.do("create_intent", func() error {
		var err error
		intent, err = g.next.CreateIntent(ctx, req)
		return err
	})
	return intent, err
}

func (g *Breaking) FetchIntent(ctx context.Context, intentID string) (*Intent, error) {
	var intent *Intent
	err := g.do("fetch_intent", func() error {
		var err error
		intent, err = g.next.FetchIntent(ctx, intentID)
		return err
	})
	return intent, err
}

func (g *Breaking) CancelIntent(ctx context.Context, intentID string) error {
	return g.do("cancel_intent", func() error {
		return g.next.CancelIntent(ctx, intentID)
	})
}

func (g *Breaking) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	var id string
	err := g.do("transfer", func() error {
		var err error
		id, err = g.next.Transfer(ctx, req)
		return err
	})
	return id, err
}

func (g *Breaking) Refund(ctx context.Context, req RefundRequest) (string, error) {
	var id string
	err := g.do("refund", func() error {
		var err error
		id, err = g.next.Refund(ctx, req)
		return err
	})
	return id, err
}

var _ Gateway = (*Breaking)(nil)
