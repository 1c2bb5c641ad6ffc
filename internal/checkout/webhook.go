package checkout

import (
	"context"
	"log/slog"

	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

// HandleWebhook verifies and processes one gateway notification.
//
// The returned error decides redelivery: callers acknowledge nil and
// apperr.Permanent errors, and reject the rest so the gateway retries.
// apperr.ErrInvalidSignature means nothing was processed.
func (s *Service) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	evt, err := s.gateway.ParseEvent(payload, signature)
	if err != nil {
		return err
	}
	log := slog.With("event_id", evt.ID, "event_type", evt.Type)

	switch evt.Type {
	case payment.EventPaymentSucceeded:
		if evt.Authorization == nil {
			log.WarnContext(ctx, "webhook: event without payment intent")
			return nil
		}
		in, ok, err := confirmInputFromMetadata(evt.Authorization)
		if err != nil {
			log.WarnContext(ctx, "webhook: unreadable cart metadata", "payment_intent_id", evt.Authorization.ID, "error", err)
			return err
		}
		if !ok {
			log.InfoContext(ctx, "webhook: no cart in metadata, awaiting client confirmation", "payment_intent_id", evt.Authorization.ID)
			return nil
		}
		res, err := s.confirmAuthorized(ctx, evt.Authorization, in)
		if err != nil {
			log.ErrorContext(ctx, "webhook: confirmation failed", "payment_intent_id", evt.Authorization.ID, "error", err)
			return err
		}
		log.InfoContext(ctx, "webhook: payment confirmed",
			"payment_intent_id", evt.Authorization.ID, "order_id", res.Order.ID, "duplicate", res.Duplicate)
		return nil

	case payment.EventPaymentFailed:
		attrs := []any{}
		if evt.Authorization != nil {
			attrs = append(attrs, "payment_intent_id", evt.Authorization.ID, "tenant_id", evt.Authorization.Metadata[MetaTenantID])
		}
		log.InfoContext(ctx, "webhook: payment failed", attrs...)
		return nil

	default:
		log.DebugContext(ctx, "webhook: ignoring event")
		return nil
	}
}
