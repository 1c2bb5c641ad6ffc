package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
)

// statusFor maps the error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrPaymentNotCompleted):
		return http.StatusPaymentRequired
	case errors.Is(err, apperr.ErrInvalidSignature), errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNothingToRefund):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrPaymentGateway):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.ErrorContext(c.Request.Context(), "request failed", "path", c.FullPath(), "error", err)
		if !errors.Is(err, apperr.ErrReconciliationPending) {
			msg = "internal error"
		}
	}
	c.JSON(status, gin.H{"error": apperr.Code(err), "msg": msg})
}

type itemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	VariantID string `json:"variantId,omitempty"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	LineTotal string `json:"lineTotal"`
}

type orderResponse struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenantId"`
	CustomerID      string          `json:"customerId,omitempty"`
	Email           string          `json:"email,omitempty"`
	Status          orders.Status   `json:"status"`
	Subtotal        string          `json:"subtotal"`
	Tax             string          `json:"tax"`
	Shipping        string          `json:"shipping"`
	Discount        string          `json:"discount"`
	Total           string          `json:"total"`
	Currency        string          `json:"currency"`
	PaymentIntentID string          `json:"paymentIntentId,omitempty"`
	PaymentMethod   string          `json:"paymentMethod,omitempty"`
	ShippingAddress *orders.Address `json:"shippingAddress,omitempty"`
	TrackingCarrier string          `json:"trackingCarrier,omitempty"`
	TrackingNumber  string          `json:"trackingNumber,omitempty"`
	RefundID        string          `json:"refundId,omitempty"`
	RefundedAmount  string          `json:"refundedAmount,omitempty"`
	Items           []itemResponse  `json:"items"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	PaidAt          *time.Time      `json:"paidAt,omitempty"`
	RefundedAt      *time.Time      `json:"refundedAt,omitempty"`
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toOrderResponse(o *orders.Order) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		TenantID:        o.TenantID,
		CustomerID:      o.CustomerID,
		Email:           o.Email,
		Status:          o.Status,
		Subtotal:        money(o.Subtotal),
		Tax:             money(o.Tax),
		Shipping:        money(o.Shipping),
		Discount:        money(o.Discount),
		Total:           money(o.Total),
		Currency:        o.Currency,
		PaymentIntentID: o.PaymentIntentID,
		PaymentMethod:   o.PaymentMethod,
		ShippingAddress: o.ShippingAddress,
		TrackingCarrier: o.TrackingCarrier,
		TrackingNumber:  o.TrackingNumber,
		RefundID:        o.RefundID,
		Items:           make([]itemResponse, 0, len(o.Items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
		PaidAt:          o.PaidAt,
		RefundedAt:      o.RefundedAt,
	}
	if o.RefundID != "" {
		resp.RefundedAmount = money(o.RefundedAmount)
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, itemResponse{
			ID:        it.ID,
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: money(it.UnitPrice),
			LineTotal: money(it.LineTotal()),
		})
	}
	return resp
}
