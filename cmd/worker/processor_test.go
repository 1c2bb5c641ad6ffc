package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/checkout"
	"github.com/imrishuroy/storefront-checkout/internal/dynamotest"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
)

type stubReconciler struct {
	errs map[string]error
	seen []string
}

func (s *stubReconciler) ReconcileRefund(ctx context.Context, msg orders.RefundReconciliation) error {
	s.seen = append(s.seen, msg.OrderID)
	return s.errs[msg.OrderID]
}

func sqsMessage(t *testing.T, id string, msg orders.RefundReconciliation) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestHandle_ReportsOnlyRetryableFailures(t *testing.T) {
	stub := &stubReconciler{errs: map[string]error{
		"cancelled": fmt.Errorf("order cancelled is CANCELLED: %w", apperr.ErrConflict),
		"busy":      errors.New("transact write: throttled"),
	}}
	p := NewProcessor(stub)

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		sqsMessage(t, "m1", orders.RefundReconciliation{OrderID: "ok", RefundID: "re_1", Amount: "5"}),
		sqsMessage(t, "m2", orders.RefundReconciliation{OrderID: "cancelled", RefundID: "re_2", Amount: "5"}),
		sqsMessage(t, "m3", orders.RefundReconciliation{OrderID: "busy", RefundID: "re_3", Amount: "5"}),
		{MessageId: "m4", Body: "not json"},
		{MessageId: "m5", Body: "{}"},
	}})
	require.NoError(t, err)

	assert.Equal(t, []string{"ok", "cancelled", "busy"}, stub.seen)
	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	assert.Equal(t, []string{"m3", "m4", "m5"}, failed)
}

func TestHandle_ReconcilesStoredOrder(t *testing.T) {
	ctx := context.Background()
	db := dynamotest.New(map[string]string{
		"orders":      "order_id",
		"products":    "product_id",
		"variants":    "variant_id",
		"customers":   "customer_key",
		"idempotency": "idempotency_key",
	})
	idem := idempotency.NewStore(db, "idempotency", 48*time.Hour)
	ord := orders.NewStore(db, orders.Tables{Orders: "orders", Products: "products", Variants: "variants", Customers: "customers"}, idem)
	require.NoError(t, db.Seed("products", map[string]interface{}{"product_id": "p1", "quantity": 3}))

	ten := decimal.RequireFromString("10")
	require.NoError(t, ord.CreatePaid(ctx, orders.Order{
		ID: "o1", TenantID: "t1", Status: orders.StatusPaid, Currency: "usd",
		Subtotal: decimal.RequireFromString("20"), Total: decimal.RequireFromString("20"),
		PaymentIntentID: "pi_1",
		Items:           []orders.Item{{ID: "i1", ProductID: "p1", Name: "Mug", Quantity: 2, UnitPrice: ten, Tracked: true}},
	}, ""))
	created, err := idem.CreateIfNotExists(ctx, idempotency.RefundKey("o1"), "o1")
	require.NoError(t, err)
	require.True(t, created)

	svc := checkout.NewService(checkout.Dependencies{Orders: ord, Idempotency: idem}, checkout.Config{})
	p := NewProcessor(svc)
	msg := orders.RefundReconciliation{OrderID: "o1", TenantID: "t1", RefundID: "re_9", Amount: "20", Restock: true}

	for i := 0; i < 2; i++ {
		resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{sqsMessage(t, "m1", msg)}})
		require.NoError(t, err)
		assert.Empty(t, resp.BatchItemFailures, "delivery %d", i+1)
	}

	o, err := ord.Get(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusRefunded, o.Status)
	assert.Equal(t, "re_9", o.RefundID)

	var row struct {
		Quantity int `dynamodbav:"quantity"`
	}
	_, err = db.Get("products", "p1", &row)
	require.NoError(t, err)
	assert.Equal(t, 3, row.Quantity, "restocked once: 3 - 2 + 2")

	rec, err := idem.Get(ctx, idempotency.RefundKey("o1"))
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusDone, rec.Status)
}

type countingFlusher struct {
	flushes int
	err     error
}

func (f *countingFlusher) Flush(ctx context.Context) error {
	f.flushes++
	return f.err
}

func TestHandle_FlushesMetricsPerBatch(t *testing.T) {
	f := &countingFlusher{err: errors.New("throttled")}
	p := NewProcessor(&stubReconciler{}, WithMetrics(f))

	for i := 0; i < 2; i++ {
		resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
			sqsMessage(t, "m1", orders.RefundReconciliation{OrderID: "ok", RefundID: "re_1", Amount: "5"}),
		}})
		require.NoError(t, err, "a failed flush does not fail the batch")
		assert.Empty(t, resp.BatchItemFailures)
	}
	assert.Equal(t, 2, f.flushes)
}
