package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Key prefixes. A payment intent guard proves an order exists for the
// intent; a refund key marks a refund in flight or completed for an order.
const (
	prefixPaymentIntent = "pi:"
	prefixRefund        = "refund:"
)

// PaymentIntentKey is the guard key for a payment intent id.
func PaymentIntentKey(paymentIntentID string) string { return prefixPaymentIntent + paymentIntentID }

// RefundKey is the refund marker key for an order id.
func RefundKey(orderID string) string { return prefixRefund + orderID }

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at,omitempty"` // TTL epoch seconds; 0 = keep forever
	Note           string    `dynamodbav:"note,omitempty"`
}
