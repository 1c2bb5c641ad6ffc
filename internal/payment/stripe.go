package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
)

type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type refundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

// Stripe implements Gateway on a per-process stripe client. There is no
// package-level key: the API handle is built by the caller and injected.
type Stripe struct {
	intents        intentAPI
	refunds        refundAPI
	webhookSignKey string
}

// NewStripe wraps an initialised client.API.
func NewStripe(api *client.API, webhookSignKey string) *Stripe {
	return &Stripe{
		intents:        api.PaymentIntents,
		refunds:        api.Refunds,
		webhookSignKey: webhookSignKey,
	}
}

// NewStripeClient initialises a client.API for apiKey.
func NewStripeClient(apiKey string) *client.API {
	var api client.API
	api.Init(apiKey, nil)
	return &api
}

func (s *Stripe) CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := s.intents.New(params)
	if err != nil {
		return nil, gatewayError("create payment intent", err)
	}
	return toAuthorization(pi), nil
}

func (s *Stripe) GetAuthorization(ctx context.Context, id string) (*Authorization, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.intents.Get(id, params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil, fmt.Errorf("payment intent %s: %w", id, apperr.ErrNotFound)
		}
		return nil, gatewayError("retrieve payment intent", err)
	}
	return toAuthorization(pi), nil
}

func (s *Stripe) Refund(ctx context.Context, req RefundRequest) (*Refund, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.PaymentIntentID),
		Amount:        stripe.Int64(req.Amount),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	r, err := s.refunds.New(params)
	if err != nil {
		return nil, gatewayError("create refund", err)
	}
	return &Refund{ID: r.ID, Status: string(r.Status), Amount: r.Amount}, nil
}

func (s *Stripe) ParseEvent(payload []byte, signature string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSignKey, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("construct event: %w: %v", apperr.ErrInvalidSignature, err)
	}

	out := &Event{ID: event.ID, Type: event.Type}
	if strings.HasPrefix(event.Type, "payment_intent.") && event.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent in event %s: %w", event.ID, apperr.ErrValidation)
		}
		out.Authorization = toAuthorization(&pi)
	}
	return out, nil
}

func toAuthorization(pi *stripe.PaymentIntent) *Authorization {
	a := &Authorization{
		ID:           pi.ID,
		Status:       string(pi.Status),
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		ClientSecret: pi.ClientSecret,
		Metadata:     pi.Metadata,
	}
	switch {
	case pi.PaymentMethod != nil && pi.PaymentMethod.Type != "":
		a.PaymentMethod = string(pi.PaymentMethod.Type)
	case len(pi.PaymentMethodTypes) > 0:
		a.PaymentMethod = pi.PaymentMethodTypes[0]
	}
	return a
}

// gatewayError classifies a stripe failure. Declines and invalid requests
// are reported with the gateway's message; everything is an ErrPaymentGateway.
func gatewayError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return fmt.Errorf("%s: %w: %s (%s)", op, apperr.ErrPaymentGateway, stripeErr.Msg, stripeErr.Code)
	}
	return fmt.Errorf("%s: %w: %v", op, apperr.ErrPaymentGateway, err)
}
