package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/servilink/servilink/internal/traces"
)

// defaultCallTimeout bounds a single processor call when the caller's
// context carries no deadline of its own.
const defaultCallTimeout = 15 * time.Second

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a Stripe-backed gateway.
func NewStripeGateway(secretKey string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req CreateIntentRequest) (*Intent, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "gateway.create_intent", traces.Operation("create_intent"))
	defer span.End()

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(req.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	// The destination account is recorded on the intent so reconciliation
	// can recover the payee even if the local row is lost.
	params.AddMetadata("destination_account", req.DestinationAccountID)
	params.Context = ctx

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return fromPaymentIntent(pi), nil
}

func (g *StripeGateway) FetchIntent(ctx context.Context, intentID string) (*Intent, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "gateway.fetch_intent", traces.IntentID(intentID))
	defer span.End()

	params := &stripe.PaymentIntentParams{}
	params.AddExpand("latest_charge")
	params.Context = ctx

	pi, err := g.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, mapStripeErr(err)
	}
	return fromPaymentIntent(pi), nil
}

func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	ctx, cancel := callContext(ctx)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "gateway.cancel_intent", traces.IntentID(intentID))
	defer span.End()

	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx

	_, err := g.api.PaymentIntents.Cancel(intentID, params)
	if err != nil {
		return mapStripeErr(err)
	}
	return nil
}

func (g *StripeGateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "gateway.transfer", traces.Operation("transfer"))
	defer span.End()

	params := &stripe.TransferParams{
		Amount:      stripe.Int64(req.AmountMinor),
		Currency:    stripe.String(req.Currency),
		Destination: stripe.String(req.DestinationAccountID),
	}
	if req.TransferGroup != "" {
		params.TransferGroup = stripe.String(req.TransferGroup)
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return tr.ID, nil
}

func (g *StripeGateway) Refund(ctx context.Context, req RefundRequest) (string, error) {
	ctx, cancel := callContext(ctx)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "gateway.refund", traces.IntentID(req.IntentID))
	defer span.End()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
		Amount:        stripe.Int64(req.AmountMinor),
	}
	if req.Reason != "" {
		params.AddMetadata("reason", req.Reason)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}
	params.Context = ctx

	re, err := g.api.Refunds.New(params)
	if err != nil {
		return "", mapStripeErr(err)
	}
	return re.ID, nil
}

func fromPaymentIntent(pi *stripe.PaymentIntent) *Intent {
	intent := &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
		AmountMinor:  pi.Amount,
	}
	if pi.LatestCharge != nil {
		intent.ChargeID = pi.LatestCharge.ID
	}
	return intent
}

// mapStripeErr translates Stripe API errors into package sentinels,
// keeping the original error wrapped for logging.
func mapStripeErr(err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch se.Code {
		case stripe.ErrorCodeResourceMissing:
			return errors.Join(ErrIntentNotFound, err)
		case stripe.ErrorCodeBalanceInsufficient:
			return errors.Join(ErrInsufficientFunds, err)
		}
		if se.HTTPStatusCode >= 500 {
			return errors.Join(ErrUnavailable, err)
		}
	}
	return err
}

func callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultCallTimeout)
}

var _ Gateway = (*StripeGateway)(nil)
