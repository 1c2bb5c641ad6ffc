package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/dynamotest"
)

// mockDynamo stores items per table keyed by the table's primary key attribute.
type mockDynamo struct {
	mu       sync.Mutex
	keys     map[string]string
	tables   map[string]map[string]map[string]types.AttributeValue
	getCalls int
}

func newMockDynamo(keys map[string]string) *mockDynamo {
	return &mockDynamo{
		keys:   keys,
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) table(name string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[name]
}

func (m *mockDynamo) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keyAttr := m.keys[*in.TableName]
	kv, ok := in.Item[keyAttr].(*types.AttributeValueMemberS)
	if !ok {
		return nil, errors.New("missing primary key " + keyAttr)
	}
	tbl := m.table(*in.TableName)
	if in.ConditionExpression != nil && *in.ConditionExpression == "attribute_not_exists("+keyAttr+")" {
		if _, exists := tbl[kv.Value]; exists {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	tbl[kv.Value] = in.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	for _, v := range in.Key {
		item, ok := m.table(*in.TableName)[v.(*types.AttributeValueMemberS).Value]
		if !ok {
			return &dyn.GetItemOutput{}, nil
		}
		return &dyn.GetItemOutput{Item: item}, nil
	}
	return nil, errors.New("empty key")
}

func (m *mockDynamo) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	return nil, errors.New("not implemented")
}

func (m *mockDynamo) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	return nil, errors.New("not implemented")
}

type memCache struct {
	data map[string]string
	ttls map[string]time.Duration
}

func newMemCache() *memCache {
	return &memCache{data: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (c *memCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	c.data[key] = value.(string)
	c.ttls[key] = ttl
	return nil
}

func (c *memCache) Get(ctx context.Context, key string) (string, error) {
	return c.data[key], nil
}

func (c *memCache) GenerateKey(operation, key string) string {
	return "test:" + operation + ":" + key
}

var testTables = Tables{
	Tenants:   "tenants",
	Products:  "products",
	Variants:  "variants",
	Customers: "customers",
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *mockDynamo) {
	t.Helper()
	mock := newMockDynamo(map[string]string{
		"tenants":   "subdomain",
		"products":  "product_id",
		"variants":  "variant_id",
		"customers": "customer_key",
	})
	s := NewStore(mock, testTables, opts...)
	ctx := context.Background()

	qty := 5
	require.NoError(t, s.PutTenant(ctx, Tenant{ID: "t1", Subdomain: "Shop1", Published: true}))
	require.NoError(t, s.PutTenant(ctx, Tenant{ID: "t2", Subdomain: "draft", Published: false}))
	require.NoError(t, s.PutProduct(ctx, Product{ID: "p1", TenantID: "t1", Name: "Mug", Price: decimal.RequireFromString("10.00"), Quantity: &qty}))
	require.NoError(t, s.PutProduct(ctx, Product{ID: "p2", TenantID: "t1", Name: "Poster", Price: decimal.RequireFromString("4.50")}))
	require.NoError(t, s.PutProduct(ctx, Product{ID: "p3", TenantID: "t2", Name: "Other shop", Price: decimal.RequireFromString("1")}))
	require.NoError(t, s.PutVariant(ctx, Variant{ID: "v1", ProductID: "p1", TenantID: "t1", Name: "Large", Price: decimal.RequireFromString("12.25"), Quantity: &qty}))
	return s, mock
}

func TestGetTenantBySubdomain(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	tenant, err := s.GetTenantBySubdomain(ctx, " SHOP1 ")
	require.NoError(t, err)
	require.Equal(t, "t1", tenant.ID)

	_, err = s.GetTenantBySubdomain(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = s.GetTenantBySubdomain(ctx, "draft")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestGetTenantBySubdomain_Cached(t *testing.T) {
	c := newMemCache()
	s, mock := newTestStore(t, WithTenantCache(c, 30*time.Second))
	ctx := context.Background()

	_, err := s.GetTenantBySubdomain(ctx, "shop1")
	require.NoError(t, err)
	calls := mock.getCalls

	tenant, err := s.GetTenantBySubdomain(ctx, "shop1")
	require.NoError(t, err)
	require.Equal(t, "t1", tenant.ID)
	require.Equal(t, calls, mock.getCalls, "second lookup must be served from cache")
	require.Contains(t, c.data, "test:tenant:shop1")
	require.Equal(t, 30*time.Second, c.ttls["test:tenant:shop1"])
}

func TestWithTenantCache_CapsTTL(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Second, time.Hour} {
		c := newMemCache()
		s, _ := newTestStore(t, WithTenantCache(c, ttl))
		require.Equal(t, MaxTenantCacheTTL, s.cacheTTL)

		_, err := s.GetTenantBySubdomain(context.Background(), "shop1")
		require.NoError(t, err)
		require.Equal(t, MaxTenantCacheTTL, c.ttls["test:tenant:shop1"])
	}
}

func TestBackfillPhone(t *testing.T) {
	db := dynamotest.New(map[string]string{"customers": "customer_key"})
	s := NewStore(db, testTables)
	ctx := context.Background()

	c, err := s.FindOrCreateCustomer(ctx, "t1", Contact{Email: "ana@example.com", FirstName: "Ana"})
	require.NoError(t, err)

	require.NoError(t, s.BackfillPhone(ctx, c.Key, "+351 900 000 000"))
	require.NoError(t, s.BackfillPhone(ctx, c.Key, "+1 555 0100"), "an existing phone is kept")
	require.NoError(t, s.BackfillPhone(ctx, CustomerKey("t1", "nobody@example.com"), "+1 555 0100"))

	var stored Customer
	found, err := db.Get("customers", c.Key, &stored)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "+351 900 000 000", stored.Phone)
	require.Equal(t, 1, db.Count("customers"))
}

func TestResolveLine(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	line, err := s.ResolveLine(ctx, "t1", LineItem{ProductID: "p1", Quantity: 2})
	require.NoError(t, err)
	require.True(t, line.UnitPrice.Equal(decimal.RequireFromString("10")))
	require.True(t, line.LineTotal().Equal(decimal.RequireFromString("20")))
	require.True(t, line.Tracked)

	line, err = s.ResolveLine(ctx, "t1", LineItem{ProductID: "p1", VariantID: "v1", Quantity: 1})
	require.NoError(t, err)
	require.True(t, line.UnitPrice.Equal(decimal.RequireFromString("12.25")))
	require.Equal(t, "Mug - Large", line.Name)
	require.True(t, line.Tracked)

	line, err = s.ResolveLine(ctx, "t1", LineItem{ProductID: "p1", VariantID: "gone", Quantity: 1})
	require.NoError(t, err)
	require.True(t, line.VariantMissing)
	require.True(t, line.UnitPrice.Equal(decimal.RequireFromString("10")))

	line, err = s.ResolveLine(ctx, "t1", LineItem{ProductID: "p2", Quantity: 3})
	require.NoError(t, err)
	require.False(t, line.Tracked)

	_, err = s.ResolveLine(ctx, "t1", LineItem{ProductID: "p3", Quantity: 1})
	require.ErrorIs(t, err, apperr.ErrNotFound, "products of other tenants are invisible")
}

func TestFindOrCreateCustomer(t *testing.T) {
	s, mock := newTestStore(t)
	ctx := context.Background()

	c1, err := s.FindOrCreateCustomer(ctx, "t1", Contact{Email: "Ana@Example.com", FirstName: "Ana", LastName: "Lima"})
	require.NoError(t, err)
	require.Equal(t, "ana@example.com", c1.Email)
	require.Equal(t, "t1#ana@example.com", c1.Key)

	c2, err := s.FindOrCreateCustomer(ctx, "t1", Contact{Email: "ana@example.com", FirstName: "Other"})
	require.NoError(t, err)
	require.Equal(t, c1.ID, c2.ID)
	require.Equal(t, "Ana", c2.FirstName)

	c3, err := s.FindOrCreateCustomer(ctx, "t2", Contact{Email: "ana@example.com"})
	require.NoError(t, err)
	require.NotEqual(t, c1.ID, c3.ID)
	require.Len(t, mock.tables["customers"], 2)
}
