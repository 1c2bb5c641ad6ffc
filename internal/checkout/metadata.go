package checkout

import (
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

// Authorization metadata keys.
const (
	MetaTenantID  = "tenant_id"
	MetaSubdomain = "subdomain"
	MetaEmail     = "email"
	MetaFirstName = "first_name"
	MetaLastName  = "last_name"
	MetaItems     = "items"
)

type cartLine struct {
	ProductID string `json:"p"`
	VariantID string `json:"v,omitempty"`
	Quantity  int    `json:"q"`
}

// encodeCart renders items compactly for a metadata value. ok is false when
// the result would exceed the gateway's value limit.
func encodeCart(items []catalog.LineItem) (string, bool) {
	lines := make([]cartLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, cartLine{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	data, err := json.Marshal(lines)
	if err != nil || len(data) > payment.MaxMetadataValue {
		return "", false
	}
	return string(data), true
}

func decodeCart(raw string) ([]catalog.LineItem, error) {
	var lines []cartLine
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, fmt.Errorf("decode cart metadata: %w", apperr.ErrValidation)
	}
	items := make([]catalog.LineItem, 0, len(lines))
	for _, l := range lines {
		if l.ProductID == "" || l.Quantity <= 0 {
			return nil, fmt.Errorf("cart metadata line %+v: %w", l, apperr.ErrValidation)
		}
		items = append(items, catalog.LineItem{ProductID: l.ProductID, VariantID: l.VariantID, Quantity: l.Quantity})
	}
	return items, nil
}

// confirmInputFromMetadata rebuilds the confirmation input that the quote
// stored on the authorization. ok is false when no cart was stored.
func confirmInputFromMetadata(auth *payment.Authorization) (ConfirmInput, bool, error) {
	raw, found := auth.Metadata[MetaItems]
	if !found || raw == "" {
		return ConfirmInput{}, false, nil
	}
	items, err := decodeCart(raw)
	if err != nil {
		return ConfirmInput{}, false, err
	}
	return ConfirmInput{
		PaymentIntentID: auth.ID,
		Contact: catalog.Contact{
			Email:     auth.Metadata[MetaEmail],
			FirstName: auth.Metadata[MetaFirstName],
			LastName:  auth.Metadata[MetaLastName],
		},
		Items: items,
	}, true, nil
}
