package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/aws"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

// ConfirmInput is the cart and contact data submitted with a paid
// authorization. Totals are optional; missing ones default to the catalog
// subtotal and zero.
type ConfirmInput struct {
	PaymentIntentID string
	Contact         catalog.Contact
	Items           []catalog.LineItem
	ShippingAddress *orders.Address

	Subtotal *decimal.Decimal
	Tax      *decimal.Decimal
	Shipping *decimal.Decimal
	Discount *decimal.Decimal
	Total    *decimal.Decimal
}

// Confirmation is the result of a confirmation. Duplicate is set when the
// order already existed for the payment intent.
type Confirmation struct {
	Order     *orders.Order
	Duplicate bool
}

// Confirm materialises the order for a succeeded authorization. The tenant
// comes from the authorization metadata, never from the request. Confirming
// the same payment intent again returns the existing order.
func (s *Service) Confirm(ctx context.Context, in ConfirmInput) (*Confirmation, error) {
	auth, err := s.gateway.GetAuthorization(ctx, in.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	return s.confirmAuthorized(ctx, auth, in)
}

func (s *Service) confirmAuthorized(ctx context.Context, auth *payment.Authorization, in ConfirmInput) (*Confirmation, error) {
	if !auth.Succeeded() {
		return nil, fmt.Errorf("payment intent %s is %s: %w", auth.ID, auth.Status, apperr.ErrPaymentNotCompleted)
	}
	tenantID := auth.Metadata[MetaTenantID]
	if tenantID == "" {
		return nil, fmt.Errorf("payment intent %s carries no tenant: %w", auth.ID, apperr.ErrValidation)
	}

	if existing, err := s.orders.GetByPaymentIntent(ctx, auth.ID); err == nil {
		return s.confirmExisting(ctx, existing, in)
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	items, computed, err := s.snapshotItems(ctx, tenantID, in.Items)
	if err != nil {
		return nil, s.paidWithoutOrder(ctx, auth, tenantID, err)
	}
	t, err := s.resolveTotals(ctx, tenantID, in, computed)
	if err != nil {
		return nil, s.paidWithoutOrder(ctx, auth, tenantID, err)
	}
	if MinorUnits(t.total) != auth.Amount {
		slog.WarnContext(ctx, "order total differs from authorized amount",
			"payment_intent_id", auth.ID, "total", t.total.StringFixed(2), "authorized_minor", auth.Amount)
	}

	now := s.nowFunc().UTC()
	order := orders.Order{
		ID:              s.newID(),
		TenantID:        tenantID,
		Status:          orders.StatusPaid,
		Subtotal:        t.subtotal,
		Tax:             t.tax,
		Shipping:        t.shipping,
		Discount:        t.discount,
		Total:           t.total,
		Currency:        auth.Currency,
		PaymentIntentID: auth.ID,
		PaymentMethod:   auth.PaymentMethod,
		ShippingAddress: in.ShippingAddress,
		Items:           items,
		CreatedAt:       now,
		PaidAt:          &now,
	}
	if order.Currency == "" {
		order.Currency = s.cfg.Currency
	}

	var customerKey string
	if in.Contact.Email != "" {
		customer, err := s.catalog.FindOrCreateCustomer(ctx, tenantID, in.Contact)
		if err != nil {
			return nil, err
		}
		order.CustomerID = customer.ID
		order.Email = customer.Email
		customerKey = customer.Key
	}

	err = s.orders.CreatePaid(ctx, order, customerKey)
	switch {
	case errors.Is(err, orders.ErrDuplicatePaymentIntent):
		// a concurrent confirmation for the same intent committed first
		existing, err := s.orders.GetByPaymentIntent(ctx, auth.ID)
		if err != nil {
			return nil, err
		}
		return s.confirmExisting(ctx, existing, in)
	case errors.Is(err, apperr.ErrInsufficientStock):
		s.count(ctx, aws.MetricInsufficientStock, tenantID)
		return nil, s.paidWithoutOrder(ctx, auth, tenantID, err)
	case err != nil:
		return nil, err
	}

	s.count(ctx, aws.MetricOrdersConfirmed, tenantID)
	slog.InfoContext(ctx, "order confirmed",
		"tenant_id", tenantID, "order_id", order.ID, "payment_intent_id", auth.ID, "total", order.Total.StringFixed(2))
	return &Confirmation{Order: &order}, nil
}

// paidWithoutOrder flags a succeeded payment whose confirmation failed for
// good. Someone has to refund or fulfil it by hand.
func (s *Service) paidWithoutOrder(ctx context.Context, auth *payment.Authorization, tenantID string, err error) error {
	if !apperr.Permanent(err) {
		return err
	}
	s.count(ctx, aws.MetricPaidWithoutOrder, tenantID)
	slog.ErrorContext(ctx, "payment succeeded but order not created",
		"tenant_id", tenantID, "payment_intent_id", auth.ID, "amount_minor", auth.Amount, "error", err)
	return err
}

// confirmExisting answers a confirmation for an intent whose order already
// exists, typically created by the webhook from cart metadata alone. Totals
// the client submits must match the stored ones; a shipping address and
// phone missing from the stored order are filled in.
func (s *Service) confirmExisting(ctx context.Context, o *orders.Order, in ConfirmInput) (*Confirmation, error) {
	s.count(ctx, aws.MetricDuplicateConfirmation, o.TenantID)

	for _, f := range []struct {
		name      string
		submitted *decimal.Decimal
		stored    decimal.Decimal
	}{
		{"subtotal", in.Subtotal, o.Subtotal},
		{"tax", in.Tax, o.Tax},
		{"shipping", in.Shipping, o.Shipping},
		{"discount", in.Discount, o.Discount},
		{"total", in.Total, o.Total},
	} {
		if f.submitted != nil && !f.submitted.Equal(f.stored) {
			return nil, fmt.Errorf("order %s already confirmed with %s %s, got %s: %w",
				o.ID, f.name, f.stored.StringFixed(2), f.submitted.StringFixed(2), apperr.ErrConflict)
		}
	}

	if in.ShippingAddress != nil && o.ShippingAddress == nil {
		set, err := s.orders.BackfillShippingAddress(ctx, o.ID, *in.ShippingAddress)
		if err != nil {
			return nil, err
		}
		if set {
			o.ShippingAddress = in.ShippingAddress
		}
	}
	if in.Contact.Phone != "" && o.Email != "" {
		if err := s.catalog.BackfillPhone(ctx, catalog.CustomerKey(o.TenantID, o.Email), in.Contact.Phone); err != nil {
			return nil, err
		}
	}
	return &Confirmation{Order: o, Duplicate: true}, nil
}

// snapshotItems prices every line against the catalog. Unlike quoting,
// confirmation fails on unknown products and variants.
func (s *Service) snapshotItems(ctx context.Context, tenantID string, in []catalog.LineItem) ([]orders.Item, decimal.Decimal, error) {
	if len(in) == 0 {
		return nil, decimal.Zero, fmt.Errorf("order has no items: %w", apperr.ErrValidation)
	}
	subtotal := decimal.Zero
	items := make([]orders.Item, 0, len(in))
	for _, li := range in {
		line, err := s.catalog.ResolveLine(ctx, tenantID, li)
		if err != nil {
			return nil, decimal.Zero, err
		}
		if line.VariantMissing {
			return nil, decimal.Zero, fmt.Errorf("variant %s of product %s: %w", li.VariantID, li.ProductID, apperr.ErrNotFound)
		}
		items = append(items, orders.Item{
			ID:        s.newID(),
			ProductID: li.ProductID,
			VariantID: li.VariantID,
			Name:      line.Name,
			Quantity:  li.Quantity,
			UnitPrice: line.UnitPrice,
			Tracked:   line.Tracked,
		})
		subtotal = subtotal.Add(line.LineTotal())
	}
	return items, subtotal, nil
}

type totals struct {
	subtotal, tax, shipping, discount, total decimal.Decimal
}

// resolveTotals applies defaults to the submitted totals and checks
// total = subtotal + tax + shipping - discount.
func (s *Service) resolveTotals(ctx context.Context, tenantID string, in ConfirmInput, computed decimal.Decimal) (totals, error) {
	t := totals{
		subtotal: valueOr(in.Subtotal, computed),
		tax:      valueOr(in.Tax, decimal.Zero),
		shipping: valueOr(in.Shipping, decimal.Zero),
		discount: valueOr(in.Discount, decimal.Zero),
	}
	for _, v := range []decimal.Decimal{t.subtotal, t.tax, t.shipping, t.discount} {
		if v.IsNegative() {
			return totals{}, fmt.Errorf("negative amount %s: %w", v, apperr.ErrValidation)
		}
	}
	t.total = t.subtotal.Add(t.tax).Add(t.shipping).Sub(t.discount)
	if in.Total != nil && !in.Total.Equal(t.total) {
		return totals{}, fmt.Errorf("total %s does not equal subtotal + tax + shipping - discount (%s): %w",
			in.Total, t.total, apperr.ErrValidation)
	}
	if t.total.IsNegative() {
		return totals{}, fmt.Errorf("discount exceeds order value: %w", apperr.ErrValidation)
	}

	if diff := t.subtotal.Sub(computed).Abs(); diff.GreaterThan(s.cfg.TotalsTolerance) {
		s.count(ctx, aws.MetricTotalsMismatch, tenantID)
		slog.WarnContext(ctx, "submitted subtotal differs from catalog prices",
			"tenant_id", tenantID, "payment_intent_id", in.PaymentIntentID,
			"submitted", t.subtotal.StringFixed(2), "catalog", computed.StringFixed(2))
		if s.cfg.StrictTotals {
			return totals{}, fmt.Errorf("subtotal %s differs from catalog subtotal %s: %w",
				t.subtotal.StringFixed(2), computed.StringFixed(2), apperr.ErrConflict)
		}
	}
	return t, nil
}

func valueOr(v *decimal.Decimal, def decimal.Decimal) decimal.Decimal {
	if v == nil {
		return def
	}
	return *v
}
