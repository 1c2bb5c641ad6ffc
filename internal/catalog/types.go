package catalog

import (
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
)

// Tenant is a shop instance, routed by its unique subdomain.
type Tenant struct {
	ID        string `json:"id" dynamodbav:"tenant_id"`
	Subdomain string `json:"subdomain" dynamodbav:"subdomain"` // PK
	Published bool   `json:"published" dynamodbav:"published"`
}

// Product is a catalog entry. A nil Quantity means inventory is not tracked.
type Product struct {
	ID             string
	TenantID       string
	Name           string
	Price          decimal.Decimal
	CompareAtPrice *decimal.Decimal
	Quantity       *int
}

// Variant overrides its parent product's price and quantity.
type Variant struct {
	ID        string
	ProductID string
	TenantID  string
	Name      string
	Price     decimal.Decimal
	Quantity  *int
}

// Customer is a shopper known to a tenant, unique by lowercase email.
type Customer struct {
	Key       string    `dynamodbav:"customer_key"` // PK: tenant_id#email
	ID        string    `dynamodbav:"customer_id"`
	TenantID  string    `dynamodbav:"tenant_id"`
	Email     string    `dynamodbav:"email"`
	FirstName string    `dynamodbav:"first_name"`
	LastName  string    `dynamodbav:"last_name"`
	Phone     string    `dynamodbav:"phone,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at"`

	// Maintained by order confirmation.
	TotalSpent  Amount     `dynamodbav:"total_spent"`
	OrderCount  int        `dynamodbav:"order_count"`
	LastOrderAt *time.Time `dynamodbav:"last_order_at,omitempty"`
}

// Amount is a decimal stored as a DynamoDB number so that update
// expressions can ADD to it.
type Amount struct {
	decimal.Decimal
}

func (a Amount) MarshalDynamoDBAttributeValue() (types.AttributeValue, error) {
	return &types.AttributeValueMemberN{Value: a.Decimal.String()}, nil
}

func (a *Amount) UnmarshalDynamoDBAttributeValue(av types.AttributeValue) error {
	n, ok := av.(*types.AttributeValueMemberN)
	if !ok {
		return fmt.Errorf("amount: expected number attribute, got %T", av)
	}
	d, err := decimal.NewFromString(n.Value)
	if err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	a.Decimal = d
	return nil
}

// Contact is the customer identity submitted with a checkout.
type Contact struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

// LineItem is a requested (product, variant?, quantity) tuple.
type LineItem struct {
	ProductID string
	VariantID string
	Quantity  int
}

// ResolvedLine is a line item priced against the catalog.
type ResolvedLine struct {
	LineItem
	Name      string
	UnitPrice decimal.Decimal
	// VariantMissing is set when a variant id was requested but not found;
	// the line is then priced from the product.
	VariantMissing bool
	// Tracked reports whether the product (or variant, when VariantID is
	// set) counts stock.
	Tracked bool
}

// LineTotal returns unit price × quantity.
func (l ResolvedLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type productRecord struct {
	ID             string  `dynamodbav:"product_id"` // PK
	TenantID       string  `dynamodbav:"tenant_id"`
	Name           string  `dynamodbav:"name"`
	Price          string  `dynamodbav:"price"`
	CompareAtPrice *string `dynamodbav:"compare_at_price,omitempty"`
	Quantity       *int    `dynamodbav:"quantity,omitempty"`
}

type variantRecord struct {
	ID        string `dynamodbav:"variant_id"` // PK
	ProductID string `dynamodbav:"product_id"`
	TenantID  string `dynamodbav:"tenant_id"`
	Name      string `dynamodbav:"name"`
	Price     string `dynamodbav:"price"`
	Quantity  *int   `dynamodbav:"quantity,omitempty"`
}
