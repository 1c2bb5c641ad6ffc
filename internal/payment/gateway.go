// Package payment talks to the external card gateway.
package payment

import "context"

// Authorization statuses the checkout cares about.
const (
	StatusSucceeded             = "succeeded"
	StatusRequiresPaymentMethod = "requires_payment_method"
)

// Event types handled by the webhook ingestor.
const (
	EventPaymentSucceeded = "payment_intent.succeeded"
	EventPaymentFailed    = "payment_intent.payment_failed"
)

// MaxMetadataValue is the longest value the gateway accepts for a metadata key.
const MaxMetadataValue = 500

// Authorization is a payment intent as seen by the checkout.
type Authorization struct {
	ID            string
	Status        string
	Amount        int64 // minor units
	Currency      string
	ClientSecret  string
	PaymentMethod string
	Metadata      map[string]string
}

// Succeeded reports whether the funds were captured.
func (a *Authorization) Succeeded() bool { return a.Status == StatusSucceeded }

// AuthorizationRequest opens a payment intent.
type AuthorizationRequest struct {
	Amount   int64
	Currency string
	Metadata map[string]string
}

// RefundRequest refunds part or all of a captured intent. IdempotencyKey
// makes retries of the same refund safe on the gateway side.
type RefundRequest struct {
	PaymentIntentID string
	Amount          int64
	IdempotencyKey  string
	Metadata        map[string]string
}

// Refund is the gateway's record of a refund.
type Refund struct {
	ID     string
	Status string
	Amount int64
}

// Event is a verified gateway notification. Authorization is set for
// payment intent events.
type Event struct {
	ID            string
	Type          string
	Authorization *Authorization
}

// Gateway is the subset of the card gateway the checkout uses.
type Gateway interface {
	CreateAuthorization(ctx context.Context, req AuthorizationRequest) (*Authorization, error)
	GetAuthorization(ctx context.Context, id string) (*Authorization, error)
	Refund(ctx context.Context, req RefundRequest) (*Refund, error)
	// ParseEvent verifies the signature header over payload and decodes it.
	ParseEvent(payload []byte, signature string) (*Event, error)
}
