package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/aws"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

// refundTimeout bounds the gateway call and the commit after the refund
// marker is claimed.
const refundTimeout = 30 * time.Second

// RefundInput requests a refund of a tenant's order. A nil Amount refunds
// the full total.
type RefundInput struct {
	TenantID string
	OrderID  string
	Amount   *decimal.Decimal
	Reason   string
	Restock  bool
}

// Refund reverses the order's payment and marks it REFUNDED.
//
// The gateway refund runs first and outside any transaction; the status
// change commits afterwards in one short transaction. When that commit
// fails the refund has already happened, so a reconciliation message is
// queued and apperr.ErrReconciliationPending is returned.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*orders.Order, error) {
	o, err := s.orders.GetForTenant(ctx, in.TenantID, in.OrderID)
	if err != nil {
		return nil, err
	}
	if o.PaymentIntentID == "" {
		return nil, fmt.Errorf("order %s has no payment: %w", o.ID, apperr.ErrNothingToRefund)
	}
	if o.Status == orders.StatusRefunded {
		return nil, fmt.Errorf("order %s already refunded: %w", o.ID, apperr.ErrConflict)
	}
	if !o.Status.CanTransition(orders.StatusRefunded) {
		return nil, fmt.Errorf("order %s is %s and cannot be refunded: %w", o.ID, o.Status, apperr.ErrConflict)
	}

	amount := o.Total
	if in.Amount != nil {
		amount = *in.Amount
	}
	if !amount.IsPositive() || amount.GreaterThan(o.Total) {
		return nil, fmt.Errorf("refund amount %s outside (0, %s]: %w", amount, o.Total, apperr.ErrValidation)
	}

	key := idempotency.RefundKey(o.ID)
	if err := s.claimRefund(ctx, key, o.ID); err != nil {
		return nil, err
	}

	// Once the marker is ours the refund must end in a state a retry or the
	// reconciler can pick up, even if the caller goes away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()

	meta := map[string]string{"order_id": o.ID, "tenant_id": o.TenantID}
	if in.Reason != "" {
		meta["reason"] = in.Reason
	}
	refund, err := s.gateway.Refund(ctx, payment.RefundRequest{
		PaymentIntentID: o.PaymentIntentID,
		Amount:          MinorUnits(amount),
		IdempotencyKey:  "refund-" + o.ID,
		Metadata:        meta,
	})
	if err != nil {
		if mfErr := s.idem.MarkFailed(ctx, key, err.Error()); mfErr != nil {
			slog.ErrorContext(ctx, "refund: could not release marker", "order_id", o.ID, "error", mfErr)
		}
		return nil, err
	}
	s.count(ctx, aws.MetricRefundsIssued, o.TenantID)

	msg := orders.RefundReconciliation{
		OrderID:  o.ID,
		TenantID: o.TenantID,
		RefundID: refund.ID,
		Amount:   amount.String(),
		Restock:  in.Restock,
		IssuedAt: s.nowFunc().UTC(),
	}
	if err := s.commitRefund(ctx, o, msg); err != nil {
		if qErr := s.reportReconciliationGap(ctx, msg, err); qErr != nil {
			// nobody will replay it: hand the refund back to the caller, whose
			// retry reuses the gateway idempotency key
			note := fmt.Sprintf("refund %s issued, order not updated: %v", refund.ID, err)
			if mfErr := s.idem.MarkFailed(ctx, key, note); mfErr != nil {
				slog.ErrorContext(ctx, "refund: could not release marker", "order_id", o.ID, "refund_id", refund.ID, "error", mfErr)
			}
			return nil, fmt.Errorf("order %s refund %s not recorded, retry the refund: %w", o.ID, refund.ID, apperr.ErrReconciliationPending)
		}
		return nil, fmt.Errorf("order %s refund %s: %w", o.ID, refund.ID, apperr.ErrReconciliationPending)
	}

	slog.InfoContext(ctx, "order refunded",
		"tenant_id", o.TenantID, "order_id", o.ID, "refund_id", refund.ID, "amount", amount.StringFixed(2))
	return s.orders.Get(ctx, o.ID)
}

// claimRefund takes the refund marker for orderID. A marker left FAILED by
// a rejected gateway call is reopened; any other existing marker means a
// refund is in flight or done.
func (s *Service) claimRefund(ctx context.Context, key, orderID string) error {
	created, err := s.idem.CreateIfNotExists(ctx, key, orderID)
	if err != nil {
		return err
	}
	if created {
		return nil
	}

	rec, err := s.idem.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == idempotency.StatusFailed {
		err := s.idem.Reopen(ctx, key)
		if err == nil {
			return nil
		}
		if !errors.Is(err, idempotency.ErrConditionFailed) {
			return err
		}
	}
	return fmt.Errorf("refund for order %s already in progress or done: %w", orderID, apperr.ErrConflict)
}

// commitRefund moves the order to REFUNDED from the status it was read in
// and closes the refund marker in the same transaction.
func (s *Service) commitRefund(ctx context.Context, o *orders.Order, msg orders.RefundReconciliation) error {
	amount, err := decimal.NewFromString(msg.Amount)
	if err != nil {
		return fmt.Errorf("parse refund amount %q: %w", msg.Amount, apperr.ErrValidation)
	}
	body, err := json.Marshal(map[string]string{
		"orderId":  msg.OrderID,
		"refundId": msg.RefundID,
		"amount":   amount.StringFixed(2),
	})
	if err != nil {
		return fmt.Errorf("marshal refund response: %w", err)
	}

	restocked, err := s.orders.MarkRefunded(ctx, orders.RefundUpdate{
		OrderID:  o.ID,
		RefundID: msg.RefundID,
		Amount:   amount,
		Restock:  msg.Restock,
		Items:    o.Items,
	}, o.Status, s.idem.DoneUpdate(idempotency.RefundKey(o.ID), string(body), 200))
	if err != nil {
		return err
	}
	if msg.Restock && !restocked {
		slog.InfoContext(ctx, "refund committed without restock", "order_id", o.ID)
	}
	return nil
}

// reportReconciliationGap queues msg for the reconciliation worker. The
// returned error means the message was not queued.
func (s *Service) reportReconciliationGap(ctx context.Context, msg orders.RefundReconciliation, cause error) error {
	s.count(ctx, aws.MetricReconciliationGap, msg.TenantID)
	slog.ErrorContext(ctx, "refund issued but order not updated",
		"order_id", msg.OrderID, "refund_id", msg.RefundID, "amount", msg.Amount, "error", cause)

	if s.reconciler == nil {
		return errors.New("no reconciliation queue configured")
	}
	err := s.reconciler.PublishJSON(ctx, msg, map[string]string{
		"tenant_id": msg.TenantID,
		"order_id":  msg.OrderID,
	})
	if err != nil {
		slog.ErrorContext(ctx, "reconciliation message not queued", "order_id", msg.OrderID, "refund_id", msg.RefundID, "error", err)
		return err
	}
	return nil
}

// ReconcileRefund replays a refund whose status change did not commit.
// It is safe to call repeatedly. Errors classified by apperr.Permanent
// cannot be fixed by retrying.
func (s *Service) ReconcileRefund(ctx context.Context, msg orders.RefundReconciliation) error {
	o, err := s.orders.Get(ctx, msg.OrderID)
	if err != nil {
		return err
	}
	if o.Status == orders.StatusRefunded {
		slog.InfoContext(ctx, "reconcile: order already refunded", "order_id", o.ID, "refund_id", msg.RefundID)
		return nil
	}
	if !o.Status.CanTransition(orders.StatusRefunded) {
		return fmt.Errorf("order %s is %s, refund %s needs manual review: %w", o.ID, o.Status, msg.RefundID, apperr.ErrConflict)
	}

	err = s.commitRefund(ctx, o, msg)
	if errors.Is(err, orders.ErrStatusMismatch) {
		// status moved between read and write; the next delivery re-reads it
		return fmt.Errorf("order %s changed during reconciliation: %v", o.ID, err)
	}
	if err != nil {
		return err
	}
	slog.InfoContext(ctx, "reconcile: order refunded", "order_id", o.ID, "refund_id", msg.RefundID)
	return nil
}
