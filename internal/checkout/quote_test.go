package checkout

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
)

func TestQuote_Scenario(t *testing.T) {
	env := newTestEnv(t, Config{Currency: "USD"})

	q, err := env.svc.Quote(context.Background(), QuoteInput{
		Subdomain: "shop1",
		Items:     []catalog.LineItem{{ProductID: "p1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, "20.00", q.Amount.StringFixed(2))
	assert.Equal(t, q.PaymentIntentID+"_secret", q.ClientSecret)

	require.Len(t, env.gw.created, 1)
	req := env.gw.created[0]
	assert.Equal(t, int64(2000), req.Amount)
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, map[string]string{MetaTenantID: "t1", MetaSubdomain: "shop1"}, req.Metadata)
}

func TestQuote_AmountIsSumOfResolvedLines(t *testing.T) {
	cases := []struct {
		name  string
		items []catalog.LineItem
		want  string
	}{
		{"single", []catalog.LineItem{{ProductID: "p2", Quantity: 3}}, "13.50"},
		{"variant price wins", []catalog.LineItem{{ProductID: "p3", VariantID: "v1", Quantity: 1}}, "32.50"},
		{"missing variant uses product price", []catalog.LineItem{{ProductID: "p3", VariantID: "nope", Quantity: 2}}, "60.00"},
		{"unknown product skipped", []catalog.LineItem{{ProductID: "p1", Quantity: 1}, {ProductID: "ghost", Quantity: 5}}, "10.00"},
		{"other tenant's product skipped", []catalog.LineItem{{ProductID: "p9", Quantity: 1}, {ProductID: "p2", Quantity: 1}}, "4.50"},
		{"mixed", []catalog.LineItem{
			{ProductID: "p1", Quantity: 2},
			{ProductID: "p2", Quantity: 1},
			{ProductID: "p3", VariantID: "v1", Quantity: 2},
		}, "89.50"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			env := newTestEnv(t, Config{})
			q, err := env.svc.Quote(context.Background(), QuoteInput{Subdomain: "shop1", Items: c.items})
			require.NoError(t, err)
			assert.True(t, q.Amount.Equal(d(c.want)), "got %s want %s", q.Amount, c.want)
			assert.Equal(t, MinorUnits(d(c.want)), env.gw.created[0].Amount)
		})
	}
}

func TestQuote_Failures(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	items := []catalog.LineItem{{ProductID: "p1", Quantity: 1}}
	puts := env.db.Calls("PutItem")

	_, err := env.svc.Quote(ctx, QuoteInput{Subdomain: "missing", Items: items})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = env.svc.Quote(ctx, QuoteInput{Subdomain: "draft", Items: items})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = env.svc.Quote(ctx, QuoteInput{Subdomain: "shop1", Items: []catalog.LineItem{{ProductID: "ghost", Quantity: 1}}})
	require.ErrorIs(t, err, apperr.ErrValidation)

	env.gw.createErr = fmt.Errorf("create payment intent: %w", apperr.ErrPaymentGateway)
	_, err = env.svc.Quote(ctx, QuoteInput{Subdomain: "shop1", Items: items})
	require.ErrorIs(t, err, apperr.ErrPaymentGateway)

	assert.Equal(t, puts, env.db.Calls("PutItem"), "quoting writes nothing")
	assert.Equal(t, 0, env.db.Calls("TransactWriteItems"))
}

func TestQuote_CartTravelsInMetadata(t *testing.T) {
	env := newTestEnv(t, Config{})
	contact := ana

	_, err := env.svc.Quote(context.Background(), QuoteInput{
		Subdomain: "shop1",
		Items:     []catalog.LineItem{{ProductID: "p1", Quantity: 2}, {ProductID: "ghost", Quantity: 1}, {ProductID: "p3", VariantID: "v1", Quantity: 1}},
		Contact:   &contact,
	})
	require.NoError(t, err)

	meta := env.gw.created[0].Metadata
	assert.Equal(t, "ana@example.com", meta[MetaEmail])
	assert.Equal(t, "Ana", meta[MetaFirstName])

	var lines []cartLine
	require.NoError(t, json.Unmarshal([]byte(meta[MetaItems]), &lines))
	assert.Equal(t, []cartLine{{ProductID: "p1", Quantity: 2}, {ProductID: "p3", VariantID: "v1", Quantity: 1}}, lines)
}

func TestQuote_LargeCartLeavesMetadataOut(t *testing.T) {
	env := newTestEnv(t, Config{})
	contact := ana
	items := make([]catalog.LineItem, 0, 40)
	for i := 0; i < 40; i++ {
		items = append(items, catalog.LineItem{ProductID: "p2", Quantity: i + 1})
	}

	_, err := env.svc.Quote(context.Background(), QuoteInput{Subdomain: "shop1", Items: items, Contact: &contact})
	require.NoError(t, err)
	meta := env.gw.created[0].Metadata
	assert.NotContains(t, meta, MetaItems)
	assert.Equal(t, "t1", meta[MetaTenantID])
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2000), MinorUnits(d("20")))
	assert.Equal(t, int64(1999), MinorUnits(d("19.99")))
	assert.Equal(t, int64(1000), MinorUnits(d("9.995")))
	assert.Equal(t, int64(500), MinorUnits(d("5.00")))
	assert.True(t, FromMinorUnits(1234).Equal(decimal.RequireFromString("12.34")))
}
