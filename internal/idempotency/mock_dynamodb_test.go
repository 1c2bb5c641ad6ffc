package idempotency

import (
	"context"
	"errors"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// simpleMock is a very small in-memory mock for PutItem/GetItem/UpdateItem used in unit tests.
// It only understands the expressions this package issues.
type simpleMock struct {
	mu          sync.Mutex
	table       map[string]map[string]types.AttributeValue
	putCalls    int
	getCalls    int
	updateCalls int
}

func newSimpleMock() *simpleMock {
	return &simpleMock{
		table: map[string]map[string]types.AttributeValue{},
	}
}

func keyOf(m map[string]types.AttributeValue) (string, error) {
	kattr, ok := m["idempotency_key"].(*types.AttributeValueMemberS)
	if !ok {
		return "", errors.New("missing key")
	}
	return kattr.Value, nil
}

func (m *simpleMock) PutItem(ctx context.Context, params *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	k, err := keyOf(params.Item)
	if err != nil {
		return nil, err
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == CondNotExists {
		if _, ok := m.table[k]; ok {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	m.table[k] = params.Item
	return &dyn.PutItemOutput{}, nil
}

func (m *simpleMock) GetItem(ctx context.Context, params *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: item}, nil
}

func (m *simpleMock) UpdateItem(ctx context.Context, params *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	k, err := keyOf(params.Key)
	if err != nil {
		return nil, err
	}
	item, ok := m.table[k]
	if !ok {
		return nil, errors.New("item not found")
	}
	if params.ConditionExpression != nil && *params.ConditionExpression == CondStatusExpected {
		curr, _ := item["status"].(*types.AttributeValueMemberS)
		expected := params.ExpressionAttributeValues[":expected"].(*types.AttributeValueMemberS)
		if curr == nil || curr.Value != expected.Value {
			return nil, &types.ConditionalCheckFailedException{}
		}
	}
	applyValues(item, params.ExpressionAttributeValues)
	m.table[k] = item
	return &dyn.UpdateItemOutput{Attributes: item}, nil
}

// applyValues maps the placeholder names this package uses onto attributes.
func applyValues(item map[string]types.AttributeValue, vals map[string]types.AttributeValue) {
	for placeholder, attr := range map[string]string{
		":done":   "status",
		":failed": "status",
		":new":    "status",
		":rb":     "response_body",
		":rs":     "response_status",
		":n":      "note",
		":ua":     "updated_at",
		":exp":    "expires_at",
	} {
		if v, ok := vals[placeholder]; ok {
			item[attr] = v
		}
	}
}

func (m *simpleMock) TransactWriteItems(ctx context.Context, params *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil && p.ConditionExpression != nil && *p.ConditionExpression == CondNotExists {
			k, err := keyOf(p.Item)
			if err != nil {
				return nil, err
			}
			if _, ok := m.table[k]; ok {
				return nil, &types.TransactionCanceledException{}
			}
		}
	}
	for _, it := range params.TransactItems {
		if p := it.Put; p != nil {
			k, _ := keyOf(p.Item)
			m.table[k] = p.Item
		}
		if u := it.Update; u != nil {
			k, _ := keyOf(u.Key)
			if item, ok := m.table[k]; ok {
				applyValues(item, u.ExpressionAttributeValues)
				delete(item, "expires_at")
			}
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}
