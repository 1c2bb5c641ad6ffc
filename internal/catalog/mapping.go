package catalog

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func (r productRecord) toProduct() (*Product, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("product %s: parse price %q: %w", r.ID, r.Price, err)
	}
	p := &Product{
		ID:       r.ID,
		TenantID: r.TenantID,
		Name:     r.Name,
		Price:    price,
		Quantity: r.Quantity,
	}
	if r.CompareAtPrice != nil {
		compareAt, err := decimal.NewFromString(*r.CompareAtPrice)
		if err != nil {
			return nil, fmt.Errorf("product %s: parse compare_at_price: %w", r.ID, err)
		}
		p.CompareAtPrice = &compareAt
	}
	return p, nil
}

func (r variantRecord) toVariant() (*Variant, error) {
	price, err := decimal.NewFromString(r.Price)
	if err != nil {
		return nil, fmt.Errorf("variant %s: parse price %q: %w", r.ID, r.Price, err)
	}
	return &Variant{
		ID:        r.ID,
		ProductID: r.ProductID,
		TenantID:  r.TenantID,
		Name:      r.Name,
		Price:     price,
		Quantity:  r.Quantity,
	}, nil
}

func productToRecord(p Product) productRecord {
	r := productRecord{
		ID:       p.ID,
		TenantID: p.TenantID,
		Name:     p.Name,
		Price:    p.Price.String(),
		Quantity: p.Quantity,
	}
	if p.CompareAtPrice != nil {
		s := p.CompareAtPrice.String()
		r.CompareAtPrice = &s
	}
	return r
}

func variantToRecord(v Variant) variantRecord {
	return variantRecord{
		ID:        v.ID,
		ProductID: v.ProductID,
		TenantID:  v.TenantID,
		Name:      v.Name,
		Price:     v.Price.String(),
		Quantity:  v.Quantity,
	}
}
