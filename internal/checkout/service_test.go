package checkout

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/dynamotest"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

type fakeGateway struct {
	mu        sync.Mutex
	seq       int
	auths     map[string]*payment.Authorization
	created   []payment.AuthorizationRequest
	refunds   []payment.RefundRequest
	byKey     map[string]*payment.Refund
	events    map[string]*payment.Event
	createErr error
	refundErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		auths:  map[string]*payment.Authorization{},
		byKey:  map[string]*payment.Refund{},
		events: map[string]*payment.Event{},
	}
}

func (g *fakeGateway) CreateAuthorization(ctx context.Context, req payment.AuthorizationRequest) (*payment.Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return nil, g.createErr
	}
	g.seq++
	id := fmt.Sprintf("pi_%d", g.seq)
	meta := map[string]string{}
	for k, v := range req.Metadata {
		meta[k] = v
	}
	auth := &payment.Authorization{
		ID:           id,
		Status:       payment.StatusRequiresPaymentMethod,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ClientSecret: id + "_secret",
		Metadata:     meta,
	}
	g.auths[id] = auth
	g.created = append(g.created, req)
	out := *auth
	return &out, nil
}

func (g *fakeGateway) GetAuthorization(ctx context.Context, id string) (*payment.Authorization, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	auth, ok := g.auths[id]
	if !ok {
		return nil, fmt.Errorf("payment intent %s: %w", id, apperr.ErrNotFound)
	}
	out := *auth
	return &out, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req payment.RefundRequest) (*payment.Refund, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	g.refunds = append(g.refunds, req)
	// replays with the same idempotency key return the original refund
	if r, ok := g.byKey[req.IdempotencyKey]; ok {
		out := *r
		return &out, nil
	}
	r := &payment.Refund{ID: fmt.Sprintf("re_%d", len(g.byKey)+1), Status: "succeeded", Amount: req.Amount}
	g.byKey[req.IdempotencyKey] = r
	out := *r
	return &out, nil
}

func (g *fakeGateway) ParseEvent(payload []byte, signature string) (*payment.Event, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	evt, ok := g.events[signature]
	if !ok {
		return nil, fmt.Errorf("construct event: %w", apperr.ErrInvalidSignature)
	}
	return evt, nil
}

// succeed marks an authorization paid by card.
func (g *fakeGateway) succeed(id string) *payment.Authorization {
	g.mu.Lock()
	defer g.mu.Unlock()
	auth := g.auths[id]
	auth.Status = payment.StatusSucceeded
	auth.PaymentMethod = "card"
	return auth
}

type recordingPublisher struct {
	mu       sync.Mutex
	messages []orders.RefundReconciliation
	attrs    []map[string]string
	err      error
}

func (p *recordingPublisher) PublishJSON(ctx context.Context, payload any, attributes map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	p.messages = append(p.messages, payload.(orders.RefundReconciliation))
	p.attrs = append(p.attrs, attributes)
	return nil
}

type recordingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *recordingCounter) Count(ctx context.Context, name, tenantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[name]++
	return nil
}

func (c *recordingCounter) get(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[name]
}

type testEnv struct {
	svc     *Service
	db      *dynamotest.Fake
	gw      *fakeGateway
	pub     *recordingPublisher
	metrics *recordingCounter
	orders  *orders.Store
	idem    *idempotency.Store
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func dp(s string) *decimal.Decimal {
	v := d(s)
	return &v
}

func intp(n int) *int { return &n }

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db := dynamotest.New(map[string]string{
		"tenants":     "subdomain",
		"products":    "product_id",
		"variants":    "variant_id",
		"customers":   "customer_key",
		"orders":      "order_id",
		"idempotency": "idempotency_key",
	})
	cat := catalog.NewStore(db, catalog.Tables{
		Tenants:   "tenants",
		Products:  "products",
		Variants:  "variants",
		Customers: "customers",
	})
	idem := idempotency.NewStore(db, "idempotency", 48*time.Hour)
	ord := orders.NewStore(db, orders.Tables{
		Orders:    "orders",
		Products:  "products",
		Variants:  "variants",
		Customers: "customers",
	}, idem)

	ctx := context.Background()
	require.NoError(t, cat.PutTenant(ctx, catalog.Tenant{ID: "t1", Subdomain: "shop1", Published: true}))
	require.NoError(t, cat.PutTenant(ctx, catalog.Tenant{ID: "t2", Subdomain: "shop2", Published: true}))
	require.NoError(t, cat.PutTenant(ctx, catalog.Tenant{ID: "t3", Subdomain: "draft", Published: false}))
	require.NoError(t, cat.PutProduct(ctx, catalog.Product{ID: "p1", TenantID: "t1", Name: "Mug", Price: d("10.00"), Quantity: intp(10)}))
	require.NoError(t, cat.PutProduct(ctx, catalog.Product{ID: "p2", TenantID: "t1", Name: "Sticker", Price: d("4.50")}))
	require.NoError(t, cat.PutProduct(ctx, catalog.Product{ID: "p3", TenantID: "t1", Name: "Hoodie", Price: d("30.00"), Quantity: intp(5)}))
	require.NoError(t, cat.PutVariant(ctx, catalog.Variant{ID: "v1", ProductID: "p3", TenantID: "t1", Name: "XL", Price: d("32.50"), Quantity: intp(2)}))
	require.NoError(t, cat.PutProduct(ctx, catalog.Product{ID: "p9", TenantID: "t2", Name: "Other", Price: d("99.00"), Quantity: intp(1)}))

	if cfg.TotalsTolerance.IsZero() {
		cfg.TotalsTolerance = d("0.01")
	}
	env := &testEnv{
		db:      db,
		gw:      newFakeGateway(),
		pub:     &recordingPublisher{},
		metrics: &recordingCounter{counts: map[string]int{}},
		orders:  ord,
		idem:    idem,
	}
	env.svc = NewService(Dependencies{
		Catalog:        cat,
		Orders:         ord,
		Idempotency:    idem,
		Gateway:        env.gw,
		Reconciliation: env.pub,
		Metrics:        env.metrics,
	}, cfg)
	return env
}

type stockRow struct {
	Quantity int `dynamodbav:"quantity"`
}

func (e *testEnv) stock(t *testing.T, table, id string) int {
	t.Helper()
	var row stockRow
	found, err := e.db.Get(table, id, &row)
	require.NoError(t, err)
	require.True(t, found)
	return row.Quantity
}

var ana = catalog.Contact{Email: "ana@example.com", FirstName: "Ana", LastName: "Lima"}

// paidIntent quotes items for shop1 and marks the authorization succeeded.
func (e *testEnv) paidIntent(t *testing.T, items ...catalog.LineItem) string {
	t.Helper()
	contact := ana
	q, err := e.svc.Quote(context.Background(), QuoteInput{Subdomain: "shop1", Items: items, Contact: &contact})
	require.NoError(t, err)
	e.gw.succeed(q.PaymentIntentID)
	return q.PaymentIntentID
}
