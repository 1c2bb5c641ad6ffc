// Package checkout runs the order pipeline: quoting a cart against the
// gateway, confirming paid orders, ingesting gateway webhooks and issuing
// refunds. Persistence goes through the orders and idempotency stores;
// gateway calls are never made inside a store transaction.
package checkout

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

// Catalog is the read side the pipeline needs from the catalog.
type Catalog interface {
	GetTenantBySubdomain(ctx context.Context, subdomain string) (*catalog.Tenant, error)
	ResolveLine(ctx context.Context, tenantID string, item catalog.LineItem) (*catalog.ResolvedLine, error)
	FindOrCreateCustomer(ctx context.Context, tenantID string, contact catalog.Contact) (*catalog.Customer, error)
	BackfillPhone(ctx context.Context, customerKey, phone string) error
}

// Publisher queues refund reconciliation messages.
type Publisher interface {
	PublishJSON(ctx context.Context, payload any, attributes map[string]string) error
}

// Counter records business events.
type Counter interface {
	Count(ctx context.Context, name, tenantID string) error
}

// Config holds pipeline settings.
type Config struct {
	// Currency used for new authorizations, ISO 4217 lowercase.
	Currency string
	// StrictTotals rejects confirmations whose submitted subtotal differs
	// from the catalog subtotal by more than TotalsTolerance. Otherwise the
	// mismatch is only logged and counted.
	StrictTotals    bool
	TotalsTolerance decimal.Decimal
}

// Dependencies are the collaborators of a Service.
type Dependencies struct {
	Catalog        Catalog
	Orders         *orders.Store
	Idempotency    *idempotency.Store
	Gateway        payment.Gateway
	Reconciliation Publisher
	Metrics        Counter
}

// Service implements the checkout operations.
type Service struct {
	catalog    Catalog
	orders     *orders.Store
	idem       *idempotency.Store
	gateway    payment.Gateway
	reconciler Publisher
	metrics    Counter
	cfg        Config

	newID   func() string
	nowFunc func() time.Time
}

// NewService wires a Service.
func NewService(d Dependencies, cfg Config) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	cfg.Currency = strings.ToLower(cfg.Currency)
	return &Service{
		catalog:    d.Catalog,
		orders:     d.Orders,
		idem:       d.Idempotency,
		gateway:    d.Gateway,
		reconciler: d.Reconciliation,
		metrics:    d.Metrics,
		cfg:        cfg,
		newID:      uuid.NewString,
		nowFunc:    time.Now,
	}
}

// Get returns an order owned by tenantID.
func (s *Service) Get(ctx context.Context, tenantID, orderID string) (*orders.Order, error) {
	return s.orders.GetForTenant(ctx, tenantID, orderID)
}

func (s *Service) count(ctx context.Context, name, tenantID string) {
	if s.metrics == nil {
		return
	}
	if err := s.metrics.Count(ctx, name, tenantID); err != nil {
		slog.WarnContext(ctx, "metric not recorded", "metric", name, "error", err)
	}
}

// MinorUnits converts an amount to the gateway's integer minor units,
// rounding half away from zero.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromMinorUnits is the inverse of MinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}
