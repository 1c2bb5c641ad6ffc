package checkout

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
)

// UpdateStatus moves a tenant's order to next along the state machine.
// REFUNDED is reachable only through Refund.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, orderID string, next orders.Status) (*orders.Order, error) {
	if next == orders.StatusRefunded {
		return nil, fmt.Errorf("use the refund operation to refund an order: %w", apperr.ErrValidation)
	}
	o, err := s.orders.GetForTenant(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status == next {
		return o, nil
	}
	if !o.Status.CanTransition(next) {
		return nil, fmt.Errorf("order %s: %s -> %s not allowed: %w", o.ID, o.Status, next, apperr.ErrConflict)
	}
	if err := s.orders.UpdateStatus(ctx, o.ID, o.Status, next); err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "order status updated", "tenant_id", tenantID, "order_id", o.ID, "from", o.Status, "to", next)
	return s.orders.Get(ctx, o.ID)
}

// UpdateTracking records shipment tracking. A PAID order becomes SHIPPED;
// a SHIPPED order only has its tracking replaced.
func (s *Service) UpdateTracking(ctx context.Context, tenantID, orderID, carrier, number string) (*orders.Order, error) {
	o, err := s.orders.GetForTenant(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusPaid && o.Status != orders.StatusShipped {
		return nil, fmt.Errorf("order %s is %s, tracking needs PAID or SHIPPED: %w", o.ID, o.Status, apperr.ErrConflict)
	}
	if err := s.orders.UpdateTracking(ctx, o.ID, o.Status, carrier, number); err != nil {
		return nil, err
	}
	return s.orders.Get(ctx, o.ID)
}
