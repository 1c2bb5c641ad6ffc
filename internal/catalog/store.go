// Package catalog is the read side of the storefront catalog: tenants,
// products and variants, plus lazy customer creation during checkout.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/aws"
	"github.com/imrishuroy/storefront-checkout/internal/cache"
)

// Tables names the DynamoDB tables backing the catalog.
type Tables struct {
	Tenants   string
	Products  string
	Variants  string
	Customers string
}

// Store reads catalog records from DynamoDB. Tenant lookups by subdomain are
// cached when a cache is configured.
type Store struct {
	client   aws.DynamoDBAPI
	tables   Tables
	cache    cache.Cache
	cacheTTL time.Duration
	nowFunc  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// MaxTenantCacheTTL caps how long a cached tenant is served.
const MaxTenantCacheTTL = time.Minute

// WithTenantCache caches subdomain lookups for ttl, at most
// MaxTenantCacheTTL. Entries are not invalidated: a shop unpublished in the
// meantime keeps quoting until its entry expires.
func WithTenantCache(c cache.Cache, ttl time.Duration) Option {
	if ttl <= 0 || ttl > MaxTenantCacheTTL {
		ttl = MaxTenantCacheTTL
	}
	return func(s *Store) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// NewStore creates a catalog Store.
func NewStore(client aws.DynamoDBAPI, tables Tables, opts ...Option) *Store {
	s := &Store{
		client:  client,
		tables:  tables,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Tables returns the table names the store reads from.
func (s *Store) Tables() Tables { return s.tables }

// GetTenantBySubdomain resolves the tenant routed by subdomain. Unpublished
// shops are reported as not found.
func (s *Store) GetTenantBySubdomain(ctx context.Context, subdomain string) (*Tenant, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))

	if t := s.cachedTenant(ctx, subdomain); t != nil {
		return t, nil
	}

	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Tenants,
		Key: map[string]types.AttributeValue{
			"subdomain": &types.AttributeValueMemberS{Value: subdomain},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get tenant %q: %w", subdomain, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("tenant %q: %w", subdomain, apperr.ErrNotFound)
	}
	var t Tenant
	if err := attributevalue.UnmarshalMap(out.Item, &t); err != nil {
		return nil, fmt.Errorf("unmarshal tenant: %w", err)
	}
	if !t.Published {
		return nil, fmt.Errorf("tenant %q is not published: %w", subdomain, apperr.ErrNotFound)
	}

	s.cacheTenant(ctx, &t)
	return &t, nil
}

func (s *Store) cachedTenant(ctx context.Context, subdomain string) *Tenant {
	if s.cache == nil {
		return nil
	}
	raw, err := s.cache.Get(ctx, s.cache.GenerateKey("tenant", subdomain))
	if err != nil {
		slog.WarnContext(ctx, "tenant cache read failed", "subdomain", subdomain, "error", err)
		return nil
	}
	if raw == "" {
		return nil
	}
	var t Tenant
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		slog.WarnContext(ctx, "tenant cache entry corrupt", "subdomain", subdomain, "error", err)
		return nil
	}
	return &t
}

func (s *Store) cacheTenant(ctx context.Context, t *Tenant) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, s.cache.GenerateKey("tenant", t.Subdomain), string(data), s.cacheTTL); err != nil {
		slog.WarnContext(ctx, "tenant cache write failed", "subdomain", t.Subdomain, "error", err)
	}
}

// GetProduct fetches a product belonging to tenantID.
func (s *Store) GetProduct(ctx context.Context, tenantID, productID string) (*Product, error) {
	var rec productRecord
	found, err := s.getItem(ctx, s.tables.Products, "product_id", productID, &rec)
	if err != nil {
		return nil, fmt.Errorf("get product %s: %w", productID, err)
	}
	if !found || rec.TenantID != tenantID {
		return nil, fmt.Errorf("product %s: %w", productID, apperr.ErrNotFound)
	}
	return rec.toProduct()
}

// GetVariant fetches a variant of productID belonging to tenantID.
func (s *Store) GetVariant(ctx context.Context, tenantID, productID, variantID string) (*Variant, error) {
	var rec variantRecord
	found, err := s.getItem(ctx, s.tables.Variants, "variant_id", variantID, &rec)
	if err != nil {
		return nil, fmt.Errorf("get variant %s: %w", variantID, err)
	}
	if !found || rec.TenantID != tenantID || rec.ProductID != productID {
		return nil, fmt.Errorf("variant %s: %w", variantID, apperr.ErrNotFound)
	}
	return rec.toVariant()
}

// ResolveLine prices a line item: the variant's price when the variant
// exists, the product's otherwise. A missing product is ErrNotFound; a
// missing variant only sets VariantMissing.
func (s *Store) ResolveLine(ctx context.Context, tenantID string, item LineItem) (*ResolvedLine, error) {
	product, err := s.GetProduct(ctx, tenantID, item.ProductID)
	if err != nil {
		return nil, err
	}

	line := &ResolvedLine{
		LineItem:  item,
		Name:      product.Name,
		UnitPrice: product.Price,
		Tracked:   product.Quantity != nil,
	}
	if item.VariantID == "" {
		return line, nil
	}

	variant, err := s.GetVariant(ctx, tenantID, item.ProductID, item.VariantID)
	if errors.Is(err, apperr.ErrNotFound) {
		line.VariantMissing = true
		return line, nil
	}
	if err != nil {
		return nil, err
	}

	line.Name = product.Name + " - " + variant.Name
	line.UnitPrice = variant.Price
	line.Tracked = variant.Quantity != nil
	return line, nil
}

// CustomerKey is the primary key of a customer: tenant id and lowercase email.
func CustomerKey(tenantID, email string) string {
	return tenantID + "#" + strings.ToLower(strings.TrimSpace(email))
}

// FindOrCreateCustomer returns the tenant's customer with contact's email,
// creating it from contact when absent. Concurrent creators converge on a
// single row through a conditional put.
func (s *Store) FindOrCreateCustomer(ctx context.Context, tenantID string, contact Contact) (*Customer, error) {
	key := CustomerKey(tenantID, contact.Email)

	existing, err := s.getCustomer(ctx, key)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	c := Customer{
		Key:       key,
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		Email:     strings.ToLower(strings.TrimSpace(contact.Email)),
		FirstName: contact.FirstName,
		LastName:  contact.LastName,
		Phone:     contact.Phone,
		CreatedAt: s.nowFunc().UTC(),
	}
	item, err := attributevalue.MarshalMap(c)
	if err != nil {
		return nil, fmt.Errorf("marshal customer: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tables.Customers,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(customer_key)"),
	})
	if isConditionalFailure(err) {
		// lost the race to a concurrent checkout for the same email
		existing, err := s.getCustomer(ctx, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("customer %s vanished after conditional put: %w", key, apperr.ErrConflict)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("put customer: %w", err)
	}
	return &c, nil
}

// BackfillPhone sets phone on a customer stored without one.
func (s *Store) BackfillPhone(ctx context.Context, customerKey, phone string) error {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tables.Customers,
		Key: map[string]types.AttributeValue{
			"customer_key": &types.AttributeValueMemberS{Value: customerKey},
		},
		UpdateExpression:    awsString("SET phone = :p"),
		ConditionExpression: awsString("attribute_exists(customer_key) AND attribute_not_exists(phone)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: phone},
		},
	})
	if err != nil && !isConditionalFailure(err) {
		return fmt.Errorf("backfill phone: %w", err)
	}
	return nil
}

func (s *Store) getCustomer(ctx context.Context, key string) (*Customer, error) {
	var c Customer
	found, err := s.getItem(ctx, s.tables.Customers, "customer_key", key, &c)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &c, nil
}

// PutTenant, PutProduct and PutVariant write catalog rows. Catalog management
// lives elsewhere; these exist for seeding local stacks.
func (s *Store) PutTenant(ctx context.Context, t Tenant) error {
	t.Subdomain = strings.ToLower(t.Subdomain)
	return s.putItem(ctx, s.tables.Tenants, t)
}

func (s *Store) PutProduct(ctx context.Context, p Product) error {
	return s.putItem(ctx, s.tables.Products, productToRecord(p))
}

func (s *Store) PutVariant(ctx context.Context, v Variant) error {
	return s.putItem(ctx, s.tables.Variants, variantToRecord(v))
}

func (s *Store) putItem(ctx context.Context, table string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return fmt.Errorf("marshal item: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &table, Item: item}); err != nil {
		return fmt.Errorf("put item: %w", err)
	}
	return nil
}

func (s *Store) getItem(ctx context.Context, table, keyAttr, id string, out interface{}) (bool, error) {
	res, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &table,
		Key: map[string]types.AttributeValue{
			keyAttr: &types.AttributeValueMemberS{Value: id},
		},
	})
	if err != nil {
		return false, err
	}
	if len(res.Item) == 0 {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(res.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal: %w", err)
	}
	return true, nil
}

func isConditionalFailure(err error) bool {
	if err == nil {
		return false
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }
