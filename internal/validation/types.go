package validation

import "github.com/shopspring/decimal"

// LineItem is a single requested cart line.
type LineItem struct {
	ProductID string `json:"productId" validate:"required"`
	VariantID string `json:"variantId,omitempty"`
	Quantity  int    `json:"quantity" validate:"required,min=1,max=1000"`
}

// QuoteRequest is the payload for POST /order/create-payment-intent.
// Contact fields are optional at quote time.
type QuoteRequest struct {
	Subdomain string     `json:"subdomain" validate:"required"`
	Items     []LineItem `json:"items" validate:"required,min=1,max=50,dive"`
	Email     string     `json:"email,omitempty" validate:"omitempty,email"`
	FirstName string     `json:"firstName,omitempty"`
	LastName  string     `json:"lastName,omitempty"`
}

// Address is a shipping address.
type Address struct {
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
}

// ConfirmRequest is the payload for POST /order/confirm. Money fields accept
// JSON strings or numbers.
type ConfirmRequest struct {
	PaymentIntentID string           `json:"paymentIntentId" validate:"required"`
	Email           string           `json:"email" validate:"required,email"`
	FirstName       string           `json:"firstName" validate:"required"`
	LastName        string           `json:"lastName" validate:"required"`
	Phone           string           `json:"phone,omitempty" validate:"omitempty,max=32"`
	Items           []LineItem       `json:"items" validate:"required,min=1,max=50,dive"`
	Subtotal        *decimal.Decimal `json:"subtotal,omitempty"`
	Tax             *decimal.Decimal `json:"tax,omitempty"`
	Shipping        *decimal.Decimal `json:"shipping,omitempty"`
	Discount        *decimal.Decimal `json:"discount,omitempty"`
	Total           *decimal.Decimal `json:"total,omitempty"`
	ShippingAddress *Address         `json:"shippingAddress,omitempty" validate:"omitempty"`
}

// RefundRequest is the payload for POST /order/:id/refund. A missing amount
// refunds the full total.
type RefundRequest struct {
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Reason  string           `json:"reason,omitempty" validate:"max=500"`
	Restock bool             `json:"restock,omitempty"`
}

// StatusRequest is the payload for PUT /order/:id/status. REFUNDED is set
// only by refunds.
type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=PENDING PAID SHIPPED DELIVERED CANCELLED FAILED"`
}

// TrackingRequest is the payload for PUT /order/:id/tracking.
type TrackingRequest struct {
	Carrier        string `json:"carrier" validate:"required,max=64"`
	TrackingNumber string `json:"trackingNumber" validate:"required,max=128"`
}
