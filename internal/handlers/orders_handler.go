package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/checkout"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
	"github.com/imrishuroy/storefront-checkout/internal/validation"
)

// maxWebhookBody caps webhook payloads; gateway events are far smaller.
const maxWebhookBody = 64 << 10

// Checkout is the pipeline the order routes drive.
type Checkout interface {
	Quote(ctx context.Context, in checkout.QuoteInput) (*checkout.Quote, error)
	Confirm(ctx context.Context, in checkout.ConfirmInput) (*checkout.Confirmation, error)
	HandleWebhook(ctx context.Context, payload []byte, signature string) error
	Refund(ctx context.Context, in checkout.RefundInput) (*orders.Order, error)
	UpdateStatus(ctx context.Context, tenantID, orderID string, next orders.Status) (*orders.Order, error)
	UpdateTracking(ctx context.Context, tenantID, orderID, carrier, number string) (*orders.Order, error)
	Get(ctx context.Context, tenantID, orderID string) (*orders.Order, error)
}

// HandlerConfig groups dependencies for the orders handler.
type HandlerConfig struct {
	Checkout Checkout
}

type ordersHandler struct {
	svc Checkout
	v   *validatorv10.Validate
}

// RegisterOrdersRoutes registers routes for the order API. The storefront
// routes are public; the management routes require a tenant.
func RegisterOrdersRoutes(r *gin.Engine, cfg HandlerConfig) {
	h := &ordersHandler{svc: cfg.Checkout, v: validation.New()}

	public := r.Group("/order")
	public.POST("/create-payment-intent", h.createPaymentIntent)
	public.POST("/confirm", h.confirm)
	public.POST("/webhook", h.webhook)

	tenant := r.Group("/order", RequireTenant())
	tenant.GET("/:id", h.get)
	tenant.POST("/:id/refund", h.refund)
	tenant.PUT("/:id/status", h.updateStatus)
	tenant.PUT("/:id/tracking", h.updateTracking)
}

func lineItems(in []validation.LineItem) []catalog.LineItem {
	out := make([]catalog.LineItem, 0, len(in))
	for _, it := range in {
		out = append(out, catalog.LineItem{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return out
}

func (h *ordersHandler) createPaymentIntent(c *gin.Context) {
	var req validation.QuoteRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		// BindAndValidate already wrote a 400
		return
	}

	in := checkout.QuoteInput{Subdomain: req.Subdomain, Items: lineItems(req.Items)}
	if req.Email != "" {
		in.Contact = &catalog.Contact{Email: req.Email, FirstName: req.FirstName, LastName: req.LastName}
	}
	q, err := h.svc.Quote(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"clientSecret":    q.ClientSecret,
		"amount":          money(q.Amount),
		"currency":        q.Currency,
		"paymentIntentId": q.PaymentIntentID,
	})
}

func (h *ordersHandler) confirm(c *gin.Context) {
	var req validation.ConfirmRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	in := checkout.ConfirmInput{
		PaymentIntentID: req.PaymentIntentID,
		Contact: catalog.Contact{
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		},
		Items:    lineItems(req.Items),
		Subtotal: req.Subtotal,
		Tax:      req.Tax,
		Shipping: req.Shipping,
		Discount: req.Discount,
		Total:    req.Total,
	}
	if a := req.ShippingAddress; a != nil {
		in.ShippingAddress = &orders.Address{
			Line1:      a.Line1,
			Line2:      a.Line2,
			City:       a.City,
			State:      a.State,
			PostalCode: a.PostalCode,
			Country:    a.Country,
		}
	}

	res, err := h.svc.Confirm(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	} else {
		c.Header("Location", "/order/"+res.Order.ID)
	}
	c.JSON(status, toOrderResponse(res.Order))
}

// webhook acknowledges everything except forged deliveries and failures a
// redelivery could fix.
func (h *ordersHandler) webhook(c *gin.Context) {
	ctx := c.Request.Context()
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body", "msg": err.Error()})
		return
	}

	err = h.svc.HandleWebhook(ctx, payload, c.GetHeader("Stripe-Signature"))
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrInvalidSignature):
		slog.WarnContext(ctx, "webhook rejected", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": apperr.Code(err), "msg": err.Error()})
		return
	case apperr.Permanent(err):
		slog.WarnContext(ctx, "webhook acknowledged without effect", "error", err)
	default:
		slog.ErrorContext(ctx, "webhook failed, awaiting redelivery", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": apperr.Code(err), "msg": "retry later"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *ordersHandler) get(c *gin.Context) {
	o, err := h.svc.Get(c.Request.Context(), tenantFrom(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

func (h *ordersHandler) refund(c *gin.Context) {
	var req validation.RefundRequest
	if err := validation.BindOptionalAndValidate(c, &req, h.v); err != nil {
		return
	}

	o, err := h.svc.Refund(c.Request.Context(), checkout.RefundInput{
		TenantID: tenantFrom(c),
		OrderID:  c.Param("id"),
		Amount:   req.Amount,
		Reason:   req.Reason,
		Restock:  req.Restock,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

func (h *ordersHandler) updateStatus(c *gin.Context) {
	var req validation.StatusRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}
	next, err := orders.ParseStatus(req.Status)
	if err != nil {
		writeError(c, err)
		return
	}

	o, err := h.svc.UpdateStatus(c.Request.Context(), tenantFrom(c), c.Param("id"), next)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

func (h *ordersHandler) updateTracking(c *gin.Context) {
	var req validation.TrackingRequest
	if err := validation.BindAndValidate(c, &req, h.v); err != nil {
		return
	}

	o, err := h.svc.UpdateTracking(c.Request.Context(), tenantFrom(c), c.Param("id"), req.Carrier, req.TrackingNumber)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}
