package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

// QuoteInput is a cart submitted for pricing.
type QuoteInput struct {
	Subdomain string
	Items     []catalog.LineItem
	// Contact is optional. When present it travels in the authorization
	// metadata with the cart so the webhook can confirm on its own.
	Contact *catalog.Contact
}

// Quote is an opened authorization for a priced cart.
type Quote struct {
	PaymentIntentID string
	ClientSecret    string
	Amount          decimal.Decimal
	Currency        string
}

// Quote prices the cart against the tenant's catalog and opens an
// authorization for the total. Lines whose product is not in the catalog
// are skipped. Nothing is written locally.
func (s *Service) Quote(ctx context.Context, in QuoteInput) (*Quote, error) {
	tenant, err := s.catalog.GetTenantBySubdomain(ctx, in.Subdomain)
	if err != nil {
		return nil, err
	}

	total := decimal.Zero
	priced := make([]catalog.LineItem, 0, len(in.Items))
	for _, item := range in.Items {
		line, err := s.catalog.ResolveLine(ctx, tenant.ID, item)
		if errors.Is(err, apperr.ErrNotFound) {
			slog.DebugContext(ctx, "quote: skipping unknown product", "tenant_id", tenant.ID, "product_id", item.ProductID)
			continue
		}
		if err != nil {
			return nil, err
		}
		total = total.Add(line.LineTotal())
		priced = append(priced, item)
	}
	if !total.IsPositive() {
		return nil, fmt.Errorf("cart has no purchasable items: %w", apperr.ErrValidation)
	}

	meta := map[string]string{
		MetaTenantID:  tenant.ID,
		MetaSubdomain: tenant.Subdomain,
	}
	if in.Contact != nil && in.Contact.Email != "" {
		if cart, ok := encodeCart(priced); ok {
			meta[MetaItems] = cart
			meta[MetaEmail] = in.Contact.Email
			meta[MetaFirstName] = in.Contact.FirstName
			meta[MetaLastName] = in.Contact.LastName
		} else {
			slog.InfoContext(ctx, "quote: cart too large for metadata, webhook cannot confirm alone", "tenant_id", tenant.ID, "lines", len(priced))
		}
	}

	auth, err := s.gateway.CreateAuthorization(ctx, payment.AuthorizationRequest{
		Amount:   MinorUnits(total),
		Currency: s.cfg.Currency,
		Metadata: meta,
	})
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "authorization opened",
		"tenant_id", tenant.ID, "payment_intent_id", auth.ID, "amount", total.StringFixed(2))
	return &Quote{
		PaymentIntentID: auth.ID,
		ClientSecret:    auth.ClientSecret,
		Amount:          total,
		Currency:        s.cfg.Currency,
	}, nil
}
