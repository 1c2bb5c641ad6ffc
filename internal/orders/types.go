package orders

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
)

// Status is an order's position in the fulfilment state machine.
type Status string

// Order statuses
const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
	StatusFailed    Status = "FAILED"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled, StatusFailed},
	StatusPaid:      {StatusShipped, StatusCancelled, StatusRefunded},
	StatusShipped:   {StatusDelivered, StatusRefunded},
	StatusDelivered: {StatusRefunded},
}

// CanTransition reports whether an order in s may move to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// ParseStatus validates a status name.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered,
		StatusCancelled, StatusRefunded, StatusFailed:
		return s, nil
	}
	return "", fmt.Errorf("unknown order status %q: %w", v, apperr.ErrValidation)
}

// Address is a shipping address.
type Address struct {
	Line1      string `json:"line1" dynamodbav:"line1"`
	Line2      string `json:"line2,omitempty" dynamodbav:"line2,omitempty"`
	City       string `json:"city" dynamodbav:"city"`
	State      string `json:"state,omitempty" dynamodbav:"state,omitempty"`
	PostalCode string `json:"postalCode" dynamodbav:"postal_code"`
	Country    string `json:"country" dynamodbav:"country"`
}

// Item is an order line. Name and UnitPrice are snapshots taken at
// confirmation; Tracked records whether stock was decremented for it.
type Item struct {
	ID        string
	ProductID string
	VariantID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	Tracked   bool
}

// LineTotal returns unit price × quantity.
func (i Item) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is a confirmed purchase.
type Order struct {
	ID         string
	TenantID   string
	CustomerID string
	Email      string
	Status     Status

	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal
	Currency string

	PaymentIntentID string
	PaymentMethod   string
	ShippingAddress *Address

	TrackingCarrier string
	TrackingNumber  string

	RefundID       string
	RefundedAmount decimal.Decimal

	Items []Item

	CreatedAt  time.Time
	UpdatedAt  time.Time
	PaidAt     *time.Time
	RefundedAt *time.Time
}

// RefundReconciliation is queued when a gateway refund succeeded but the
// order could not be marked REFUNDED. The worker replays it.
type RefundReconciliation struct {
	OrderID  string    `json:"orderId"`
	TenantID string    `json:"tenantId"`
	RefundID string    `json:"refundId"`
	Amount   string    `json:"amount"`
	Restock  bool      `json:"restock"`
	IssuedAt time.Time `json:"issuedAt"`
}

// RefundUpdate describes the REFUNDED transition.
type RefundUpdate struct {
	OrderID  string
	RefundID string
	Amount   decimal.Decimal
	// Restock returns the tracked quantities of Items to inventory.
	Restock bool
	Items   []Item
}

type itemRecord struct {
	ID        string `dynamodbav:"item_id"`
	ProductID string `dynamodbav:"product_id"`
	VariantID string `dynamodbav:"variant_id,omitempty"`
	Name      string `dynamodbav:"name"`
	Quantity  int    `dynamodbav:"quantity"`
	UnitPrice string `dynamodbav:"unit_price"`
	Tracked   bool   `dynamodbav:"tracked"`
}

// orderRecord is the item stored in the Orders DynamoDB table. Money is kept
// as decimal strings.
type orderRecord struct {
	OrderID         string       `dynamodbav:"order_id"` // PK
	TenantID        string       `dynamodbav:"tenant_id"`
	CustomerID      string       `dynamodbav:"customer_id,omitempty"`
	Email           string       `dynamodbav:"email,omitempty"`
	Status          string       `dynamodbav:"status"`
	Subtotal        string       `dynamodbav:"subtotal"`
	Tax             string       `dynamodbav:"tax"`
	Shipping        string       `dynamodbav:"shipping"`
	Discount        string       `dynamodbav:"discount"`
	Total           string       `dynamodbav:"total"`
	Currency        string       `dynamodbav:"currency"`
	PaymentIntentID string       `dynamodbav:"payment_intent_id,omitempty"`
	PaymentMethod   string       `dynamodbav:"payment_method,omitempty"`
	ShippingAddress *Address     `dynamodbav:"shipping_address,omitempty"`
	TrackingCarrier string       `dynamodbav:"tracking_carrier,omitempty"`
	TrackingNumber  string       `dynamodbav:"tracking_number,omitempty"`
	RefundID        string       `dynamodbav:"refund_id,omitempty"`
	RefundedAmount  string       `dynamodbav:"refunded_amount,omitempty"`
	Items           []itemRecord `dynamodbav:"items"`
	CreatedAt       time.Time    `dynamodbav:"created_at"`
	UpdatedAt       time.Time    `dynamodbav:"updated_at"`
	PaidAt          *time.Time   `dynamodbav:"paid_at,omitempty"`
	RefundedAt      *time.Time   `dynamodbav:"refunded_at,omitempty"`
}

func toRecord(o Order) orderRecord {
	r := orderRecord{
		OrderID:         o.ID,
		TenantID:        o.TenantID,
		CustomerID:      o.CustomerID,
		Email:           o.Email,
		Status:          string(o.Status),
		Subtotal:        o.Subtotal.String(),
		Tax:             o.Tax.String(),
		Shipping:        o.Shipping.String(),
		Discount:        o.Discount.String(),
		Total:           o.Total.String(),
		Currency:        o.Currency,
		PaymentIntentID: o.PaymentIntentID,
		PaymentMethod:   o.PaymentMethod,
		ShippingAddress: o.ShippingAddress,
		TrackingCarrier: o.TrackingCarrier,
		TrackingNumber:  o.TrackingNumber,
		RefundID:        o.RefundID,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		PaidAt:          o.PaidAt,
		RefundedAt:      o.RefundedAt,
		Items:           make([]itemRecord, 0, len(o.Items)),
	}
	if !o.RefundedAmount.IsZero() {
		r.RefundedAmount = o.RefundedAmount.String()
	}
	for _, it := range o.Items {
		r.Items = append(r.Items, itemRecord{
			ID:        it.ID,
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.String(),
			Tracked:   it.Tracked,
		})
	}
	return r
}

func (r orderRecord) toOrder() (*Order, error) {
	o := &Order{
		ID:              r.OrderID,
		TenantID:        r.TenantID,
		CustomerID:      r.CustomerID,
		Email:           r.Email,
		Status:          Status(r.Status),
		Currency:        r.Currency,
		PaymentIntentID: r.PaymentIntentID,
		PaymentMethod:   r.PaymentMethod,
		ShippingAddress: r.ShippingAddress,
		TrackingCarrier: r.TrackingCarrier,
		TrackingNumber:  r.TrackingNumber,
		RefundID:        r.RefundID,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		PaidAt:          r.PaidAt,
		RefundedAt:      r.RefundedAt,
	}

	money := []struct {
		raw string
		dst *decimal.Decimal
	}{
		{r.Subtotal, &o.Subtotal},
		{r.Tax, &o.Tax},
		{r.Shipping, &o.Shipping},
		{r.Discount, &o.Discount},
		{r.Total, &o.Total},
		{r.RefundedAmount, &o.RefundedAmount},
	}
	for _, m := range money {
		if m.raw == "" {
			continue
		}
		d, err := decimal.NewFromString(m.raw)
		if err != nil {
			return nil, fmt.Errorf("order %s: parse amount %q: %w", r.OrderID, m.raw, err)
		}
		*m.dst = d
	}

	for _, it := range r.Items {
		price, err := decimal.NewFromString(it.UnitPrice)
		if err != nil {
			return nil, fmt.Errorf("order %s: item %s: parse unit price: %w", r.OrderID, it.ID, err)
		}
		o.Items = append(o.Items, Item{
			ID:        it.ID,
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: price,
			Tracked:   it.Tracked,
		})
	}
	return o, nil
}
