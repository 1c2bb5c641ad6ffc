package main

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/logging"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
)

// Reconciler replays refunds whose order update did not commit.
type Reconciler interface {
	ReconcileRefund(ctx context.Context, msg orders.RefundReconciliation) error
}

// Flusher publishes buffered metrics.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Processor handles reconciliation messages from SQS.
type Processor struct {
	reconciler Reconciler
	metrics    Flusher
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithMetrics flushes m after every batch, before the Lambda environment
// can be frozen.
func WithMetrics(m Flusher) ProcessorOption {
	return func(p *Processor) { p.metrics = m }
}

// NewProcessor creates a new worker processor.
func NewProcessor(r Reconciler, opts ...ProcessorOption) *Processor {
	p := &Processor{reconciler: r}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle processes a batch and reports the messages worth redelivering.
// Messages failing permanently are logged and dropped; undecodable ones
// are reported so the queue's redrive policy parks them in the DLQ.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	if p.metrics != nil {
		if err := p.metrics.Flush(ctx); err != nil {
			slog.WarnContext(ctx, "metrics flush failed", "error", err)
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	ctx = logging.WithRequestID(ctx, rec.MessageId)

	var msg orders.RefundReconciliation
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil || msg.OrderID == "" {
		slog.ErrorContext(ctx, "undecodable reconciliation message", "body", rec.Body, "error", err)
		if err == nil {
			err = apperr.ErrValidation
		}
		return err
	}

	slog.InfoContext(ctx, "reconciling refund",
		"order_id", msg.OrderID, "refund_id", msg.RefundID, "receive_count", rec.Attributes["ApproximateReceiveCount"])

	err := p.reconciler.ReconcileRefund(ctx, msg)
	switch {
	case err == nil:
		return nil
	case apperr.Permanent(err):
		slog.ErrorContext(ctx, "refund needs manual review", "order_id", msg.OrderID, "refund_id", msg.RefundID, "error", err)
		return nil
	default:
		slog.WarnContext(ctx, "reconciliation failed, will retry", "order_id", msg.OrderID, "error", err)
		return err
	}
}
