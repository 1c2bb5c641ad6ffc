package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/imrishuroy/storefront-checkout/internal/apperr"
	"github.com/imrishuroy/storefront-checkout/internal/aws"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
)

// MaxTransactItems is DynamoDB's limit on items per TransactWriteItems call.
const MaxTransactItems = 100

var (
	// ErrStatusMismatch means the order was not in the expected status when
	// the conditional update ran.
	ErrStatusMismatch = fmt.Errorf("status mismatch/conditional failed: %w", apperr.ErrConflict)

	// ErrDuplicatePaymentIntent means an order already exists for the
	// payment intent. Nothing was written.
	ErrDuplicatePaymentIntent = fmt.Errorf("order already exists for payment intent: %w", apperr.ErrConflict)
)

// Tables names the tables an order write touches.
type Tables struct {
	Orders    string
	Products  string
	Variants  string
	Customers string
}

// Store encapsulates operations on the orders table.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	idem    *idempotency.Store
	nowFunc func() time.Time
}

// NewStore creates a new orders Store. idem supplies the payment intent
// guard written with every new order.
func NewStore(client aws.DynamoDBAPI, tables Tables, idem *idempotency.Store) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		idem:    idem,
		nowFunc: time.Now,
	}
}

// CreatePaid persists o in a single transaction with:
//   - the payment intent guard (attribute_not_exists(idempotency_key))
//   - the order row
//   - the customer's spend counters, when customerKey is set
//   - one guarded decrement per tracked product or variant
//
// It returns ErrDuplicatePaymentIntent when the guard exists and
// apperr.ErrInsufficientStock when a decrement would go negative. In both
// cases nothing is written.
func (s *Store) CreatePaid(ctx context.Context, o Order, customerKey string) error {
	now := s.nowFunc().UTC()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now

	guard, err := s.idem.GuardPut(idempotency.PaymentIntentKey(o.PaymentIntentID), o.ID)
	if err != nil {
		return err
	}
	orderMap, err := attributevalue.MarshalMap(toRecord(o))
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		guard,
		{
			Put: &types.Put{
				TableName:           &s.tables.Orders,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
	}
	if customerKey != "" {
		transactItems = append(transactItems, s.customerSpend(customerKey, o.Total.String(), now))
	}

	firstStock := len(transactItems)
	targets := s.stockTargets(o.Items)
	for _, t := range targets {
		transactItems = append(transactItems, s.stockUpdate(t, false))
	}
	if len(transactItems) > MaxTransactItems {
		return fmt.Errorf("order touches %d inventory rows: %w", len(targets), apperr.ErrValidation)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err == nil {
		return nil
	}

	i, ok := failedCondition(err)
	switch {
	case !ok:
		return fmt.Errorf("transact write: %w", err)
	case i == 0:
		return ErrDuplicatePaymentIntent
	case i == 1:
		return fmt.Errorf("order %s: %w", o.ID, apperr.ErrConflict)
	case i >= firstStock:
		t := targets[i-firstStock]
		return fmt.Errorf("%s %s: %w", t.kind, t.id, apperr.ErrInsufficientStock)
	default:
		return fmt.Errorf("customer %s: %w", customerKey, apperr.ErrNotFound)
	}
}

func (s *Store) customerSpend(customerKey, amount string, at time.Time) types.TransactWriteItem {
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: &s.tables.Customers,
			Key: map[string]types.AttributeValue{
				"customer_key": &types.AttributeValueMemberS{Value: customerKey},
			},
			UpdateExpression:    awsString("SET last_order_at = :at ADD order_count :one, total_spent :amt"),
			ConditionExpression: awsString("attribute_exists(customer_key)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":at":  &types.AttributeValueMemberS{Value: at.Format(time.RFC3339Nano)},
				":one": &types.AttributeValueMemberN{Value: "1"},
				":amt": &types.AttributeValueMemberN{Value: amount},
			},
		},
	}
}

// stockTarget is one inventory row and the total quantity an order moves on
// it. A transaction may touch an item only once, so repeated lines for the
// same product or variant are summed.
type stockTarget struct {
	kind    string
	table   string
	keyAttr string
	id      string
	qty     int
}

func (s *Store) stockTargets(items []Item) []stockTarget {
	var targets []stockTarget
	index := map[string]int{}
	for _, it := range items {
		if !it.Tracked || it.Quantity <= 0 {
			continue
		}
		t := stockTarget{kind: "product", table: s.tables.Products, keyAttr: "product_id", id: it.ProductID}
		if it.VariantID != "" {
			t = stockTarget{kind: "variant", table: s.tables.Variants, keyAttr: "variant_id", id: it.VariantID}
		}
		k := t.kind + "/" + t.id
		if i, ok := index[k]; ok {
			targets[i].qty += it.Quantity
			continue
		}
		t.qty = it.Quantity
		index[k] = len(targets)
		targets = append(targets, t)
	}
	return targets
}

func (s *Store) stockUpdate(t stockTarget, restock bool) types.TransactWriteItem {
	update := "SET quantity = quantity - :n"
	cond := "attribute_exists(quantity) AND quantity >= :n"
	if restock {
		update = "SET quantity = quantity + :n"
		cond = "attribute_exists(quantity)"
	}
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: awsString(t.table),
			Key: map[string]types.AttributeValue{
				t.keyAttr: &types.AttributeValueMemberS{Value: t.id},
			},
			UpdateExpression:    awsString(update),
			ConditionExpression: awsString(cond),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":n": &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", t.qty)},
			},
		},
	}
}

// Get fetches an order by order_id. A missing order is apperr.ErrNotFound.
func (s *Store) Get(ctx context.Context, orderID string) (*Order, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return rec.toOrder()
}

// GetForTenant fetches an order owned by tenantID. Orders of other tenants
// are reported as not found.
func (s *Store) GetForTenant(ctx context.Context, tenantID, orderID string) (*Order, error) {
	o, err := s.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.TenantID != tenantID {
		return nil, fmt.Errorf("order %s: %w", orderID, apperr.ErrNotFound)
	}
	return o, nil
}

// GetByPaymentIntent follows the payment intent guard to its order.
func (s *Store) GetByPaymentIntent(ctx context.Context, paymentIntentID string) (*Order, error) {
	rec, err := s.idem.Get(ctx, idempotency.PaymentIntentKey(paymentIntentID))
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.OrderID == "" {
		return nil, fmt.Errorf("order for payment intent %s: %w", paymentIntentID, apperr.ErrNotFound)
	}
	return s.Get(ctx, rec.OrderID)
}

// UpdateStatus conditionally updates the order status from expected -> next.
// Returns ErrStatusMismatch if the order is no longer in expected.
func (s *Store) UpdateStatus(ctx context.Context, orderID string, expected, next Status) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(next)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// UpdateTracking records carrier and tracking number and leaves the order
// SHIPPED. expected is the status the caller observed.
func (s *Store) UpdateTracking(ctx context.Context, orderID string, expected Status, carrier, number string) error {
	now := s.nowFunc().UTC()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :shipped, tracking_carrier = :c, tracking_number = :n, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :expected"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":shipped":  &types.AttributeValueMemberS{Value: string(StatusShipped)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":c":        &types.AttributeValueMemberS{Value: carrier},
			":n":        &types.AttributeValueMemberS{Value: number},
			":ua":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
		},
	})
	if err != nil {
		if isConditionalFailure(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update tracking: %w", err)
	}
	return nil
}

// BackfillShippingAddress stores addr on an order that was created without
// one. It reports false when the order already had an address.
func (s *Store) BackfillShippingAddress(ctx context.Context, orderID string, addr Address) (bool, error) {
	av, err := attributevalue.Marshal(addr)
	if err != nil {
		return false, fmt.Errorf("marshal shipping address: %w", err)
	}
	_, err = s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:    awsString("SET shipping_address = :a, updated_at = :ua"),
		ConditionExpression: awsString("attribute_exists(order_id) AND attribute_not_exists(shipping_address)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a":  av,
			":ua": &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
		},
	})
	if isConditionalFailure(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("backfill shipping address: %w", err)
	}
	return true, nil
}

// MarkRefunded moves the order from expected to REFUNDED in one transaction
// together with extra (typically the refund marker's DONE update) and, when
// u.Restock is set, the inventory increments for tracked items.
//
// A restock whose product or variant no longer exists does not block the
// refund: the transaction is retried without restocking. The returned bool
// reports whether inventory was restocked.
func (s *Store) MarkRefunded(ctx context.Context, u RefundUpdate, expected Status, extra ...types.TransactWriteItem) (bool, error) {
	now := s.nowFunc().UTC()
	transactItems := []types.TransactWriteItem{
		{
			Update: &types.Update{
				TableName: &s.tables.Orders,
				Key: map[string]types.AttributeValue{
					"order_id": &types.AttributeValueMemberS{Value: u.OrderID},
				},
				UpdateExpression:         awsString("SET #s = :refunded, refund_id = :rid, refunded_amount = :amt, refunded_at = :at, updated_at = :at"),
				ConditionExpression:      awsString("#s = :expected"),
				ExpressionAttributeNames: map[string]string{"#s": "status"},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":refunded": &types.AttributeValueMemberS{Value: string(StatusRefunded)},
					":expected": &types.AttributeValueMemberS{Value: string(expected)},
					":rid":      &types.AttributeValueMemberS{Value: u.RefundID},
					":amt":      &types.AttributeValueMemberS{Value: u.Amount.String()},
					":at":       &types.AttributeValueMemberS{Value: now.Format(time.RFC3339Nano)},
				},
			},
		},
	}
	transactItems = append(transactItems, extra...)

	firstStock := len(transactItems)
	var targets []stockTarget
	if u.Restock {
		targets = s.stockTargets(u.Items)
		for _, t := range targets {
			transactItems = append(transactItems, s.stockUpdate(t, true))
		}
	}
	if len(transactItems) > MaxTransactItems {
		return false, fmt.Errorf("refund touches %d inventory rows: %w", len(targets), apperr.ErrValidation)
	}

	_, err := s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: transactItems,
	})
	if err == nil {
		return len(targets) > 0, nil
	}

	i, ok := failedCondition(err)
	switch {
	case !ok:
		return false, fmt.Errorf("transact write: %w", err)
	case i == 0:
		return false, ErrStatusMismatch
	case i >= firstStock:
		t := targets[i-firstStock]
		slog.WarnContext(ctx, "restock target missing, refunding without restock",
			"order_id", u.OrderID, "kind", t.kind, "id", t.id)
		u.Restock = false
		return s.MarkRefunded(ctx, u, expected, extra...)
	default:
		return false, fmt.Errorf("refund bookkeeping for order %s: %w", u.OrderID, apperr.ErrConflict)
	}
}

// failedCondition returns the index of the first transaction item whose
// condition failed. ok is false when err is not a cancellation caused by a
// condition (throttling, transaction conflicts), which callers treat as
// transient.
func failedCondition(err error) (index int, ok bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return 0, false
	}
	for i, r := range tce.CancellationReasons {
		if r.Code != nil && *r.Code == "ConditionalCheckFailed" {
			return i, true
		}
	}
	return 0, false
}

func isConditionalFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
