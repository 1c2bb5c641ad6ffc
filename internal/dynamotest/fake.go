// Package dynamotest provides an in-memory DynamoDB for tests. It evaluates
// the small expression dialect the stores in this module use: AND-joined
// conditions over attribute_exists, attribute_not_exists and comparisons,
// and SET / ADD / REMOVE update clauses with + and - arithmetic.
//
// All operations serialise on one mutex, so a conditional update behaves
// like DynamoDB's single-item atomicity and TransactWriteItems is all or
// nothing.
package dynamotest

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/shopspring/decimal"
)

// Fake implements the DynamoDBAPI interface of internal/aws.
type Fake struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue

	transactErr error
	calls       map[string]int
}

// New returns an empty Fake. keys maps table name to its partition key
// attribute (all keys are strings).
func New(keys map[string]string) *Fake {
	return &Fake{
		keys:   keys,
		tables: map[string]map[string]map[string]types.AttributeValue{},
		calls:  map[string]int{},
	}
}

// FailTransactions makes every following TransactWriteItems return err
// without applying anything. Pass nil to restore normal behaviour.
func (f *Fake) FailTransactions(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transactErr = err
}

// Calls returns how many times op ("PutItem", "TransactWriteItems", ...) ran.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// Count returns the number of items in table.
func (f *Fake) Count(table string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.tables[table])
}

// Get unmarshals the item with the given key into out and reports whether
// it exists.
func (f *Fake) Get(table, key string, out interface{}) (bool, error) {
	f.mu.Lock()
	item, ok := f.table(table)[key]
	f.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, attributevalue.UnmarshalMap(item, out)
}

// Seed marshals v and stores it unconditionally.
func (f *Fake) Seed(table string, v interface{}) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := f.keyOf(table, item)
	if err != nil {
		return err
	}
	f.table(table)[key] = item
	return nil
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["PutItem"]++

	key, err := f.keyOf(*in.TableName, in.Item)
	if err != nil {
		return nil, err
	}
	current := f.table(*in.TableName)[key]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
	}
	f.table(*in.TableName)[key] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["GetItem"]++

	key, err := f.keyOf(*in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	item, ok := f.table(*in.TableName)[key]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(item)}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["UpdateItem"]++

	key, err := f.keyOf(*in.TableName, in.Key)
	if err != nil {
		return nil, err
	}
	current := f.table(*in.TableName)[key]
	ok, err := evalCondition(in.ConditionExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: awsString("The conditional request failed")}
	}
	next, err := applyUpdate(current, in.Key, *in.UpdateExpression, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	f.table(*in.TableName)[key] = next
	return &dyn.UpdateItemOutput{Attributes: clone(next)}, nil
}

func (f *Fake) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["TransactWriteItems"]++

	if f.transactErr != nil {
		return nil, f.transactErr
	}
	if len(in.TransactItems) > 100 {
		return nil, validationError("too many items in transaction")
	}

	type op struct {
		table string
		key   string
		item  types.TransactWriteItem
	}
	ops := make([]op, 0, len(in.TransactItems))
	seen := map[string]bool{}
	for _, it := range in.TransactItems {
		table, keyMap := target(it)
		key, err := f.keyOf(table, keyMap)
		if err != nil {
			return nil, err
		}
		if seen[table+"/"+key] {
			return nil, validationError("Transaction request cannot include multiple operations on one item")
		}
		seen[table+"/"+key] = true
		ops = append(ops, op{table: table, key: key, item: it})
	}

	reasons := make([]types.CancellationReason, len(ops))
	failed := false
	for i, o := range ops {
		cond, names, values := conditionOf(o.item)
		ok, err := evalCondition(cond, names, values, f.table(o.table)[o.key])
		if err != nil {
			return nil, err
		}
		if ok {
			reasons[i] = types.CancellationReason{Code: awsString("None")}
			continue
		}
		failed = true
		reasons[i] = types.CancellationReason{Code: awsString("ConditionalCheckFailed"), Message: awsString("The conditional request failed")}
	}
	if failed {
		return nil, &types.TransactionCanceledException{
			Message:             awsString("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}

	staged := map[string]map[string]types.AttributeValue{}
	for _, o := range ops {
		current := f.table(o.table)[o.key]
		switch {
		case o.item.Put != nil:
			staged[o.table+"/"+o.key] = clone(o.item.Put.Item)
		case o.item.Update != nil:
			u := o.item.Update
			next, err := applyUpdate(current, u.Key, *u.UpdateExpression, u.ExpressionAttributeNames, u.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			staged[o.table+"/"+o.key] = next
		case o.item.Delete != nil:
			staged[o.table+"/"+o.key] = nil
		}
	}
	for _, o := range ops {
		next, ok := staged[o.table+"/"+o.key]
		if !ok {
			continue
		}
		if next == nil {
			delete(f.table(o.table), o.key)
			continue
		}
		f.table(o.table)[o.key] = next
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (f *Fake) table(name string) map[string]map[string]types.AttributeValue {
	if _, ok := f.tables[name]; !ok {
		f.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return f.tables[name]
}

func (f *Fake) keyOf(table string, item map[string]types.AttributeValue) (string, error) {
	attr, ok := f.keys[table]
	if !ok {
		return "", validationError("unknown table " + table)
	}
	v, ok := item[attr].(*types.AttributeValueMemberS)
	if !ok {
		return "", validationError("missing key attribute " + attr + " for table " + table)
	}
	return v.Value, nil
}

func target(it types.TransactWriteItem) (string, map[string]types.AttributeValue) {
	switch {
	case it.Put != nil:
		return *it.Put.TableName, it.Put.Item
	case it.Update != nil:
		return *it.Update.TableName, it.Update.Key
	case it.Delete != nil:
		return *it.Delete.TableName, it.Delete.Key
	case it.ConditionCheck != nil:
		return *it.ConditionCheck.TableName, it.ConditionCheck.Key
	}
	return "", nil
}

func conditionOf(it types.TransactWriteItem) (*string, map[string]string, map[string]types.AttributeValue) {
	switch {
	case it.Put != nil:
		return it.Put.ConditionExpression, it.Put.ExpressionAttributeNames, it.Put.ExpressionAttributeValues
	case it.Update != nil:
		return it.Update.ConditionExpression, it.Update.ExpressionAttributeNames, it.Update.ExpressionAttributeValues
	case it.Delete != nil:
		return it.Delete.ConditionExpression, it.Delete.ExpressionAttributeNames, it.Delete.ExpressionAttributeValues
	case it.ConditionCheck != nil:
		return it.ConditionCheck.ConditionExpression, it.ConditionCheck.ExpressionAttributeNames, it.ConditionCheck.ExpressionAttributeValues
	}
	return nil, nil, nil
}

var (
	reFunc    = regexp.MustCompile(`^(attribute_exists|attribute_not_exists)\(\s*([#\w]+)\s*\)$`)
	reCompare = regexp.MustCompile(`^([#\w]+)\s*(=|<>|>=|<=|>|<)\s*(:\w+)$`)
	reClause  = regexp.MustCompile(`\b(SET|ADD|REMOVE)\b`)
	reArith   = regexp.MustCompile(`^([#\w]+)\s*([+-])\s*(:\w+)$`)
)

func evalCondition(expr *string, names map[string]string, values map[string]types.AttributeValue, item map[string]types.AttributeValue) (bool, error) {
	if expr == nil || strings.TrimSpace(*expr) == "" {
		return true, nil
	}
	for _, clause := range strings.Split(*expr, " AND ") {
		clause = strings.TrimSpace(clause)
		if m := reFunc.FindStringSubmatch(clause); m != nil {
			_, exists := item[resolve(m[2], names)]
			if (m[1] == "attribute_exists") != exists {
				return false, nil
			}
			continue
		}
		if m := reCompare.FindStringSubmatch(clause); m != nil {
			left, ok := item[resolve(m[1], names)]
			right, okv := values[m[3]]
			if !okv {
				return false, validationError("missing value " + m[3])
			}
			if !ok {
				return false, nil
			}
			cmp, err := compare(left, right)
			if err != nil {
				return false, err
			}
			if !holds(m[2], cmp) {
				return false, nil
			}
			continue
		}
		return false, validationError("unsupported condition: " + clause)
	}
	return true, nil
}

func holds(op string, cmp int) bool {
	switch op {
	case "=":
		return cmp == 0
	case "<>":
		return cmp != 0
	case ">=":
		return cmp >= 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	default:
		return cmp < 0
	}
}

func compare(a, b types.AttributeValue) (int, error) {
	switch av := a.(type) {
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, validationError("type mismatch in comparison")
		}
		x, err := decimal.NewFromString(av.Value)
		if err != nil {
			return 0, err
		}
		y, err := decimal.NewFromString(bv.Value)
		if err != nil {
			return 0, err
		}
		return x.Cmp(y), nil
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			// DynamoDB treats mismatched types as not equal
			return 1, nil
		}
		return strings.Compare(av.Value, bv.Value), nil
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		if ok && av.Value == bv.Value {
			return 0, nil
		}
		return 1, nil
	}
	return 0, validationError(fmt.Sprintf("unsupported comparison type %T", a))
}

func applyUpdate(current, key map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) (map[string]types.AttributeValue, error) {
	next := clone(current)
	if next == nil {
		next = clone(key)
	}

	idx := reClause.FindAllStringSubmatchIndex(expr, -1)
	for i, loc := range idx {
		end := len(expr)
		if i+1 < len(idx) {
			end = idx[i+1][0]
		}
		keyword := expr[loc[2]:loc[3]]
		body := strings.TrimSpace(expr[loc[1]:end])
		for _, part := range strings.Split(body, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			var err error
			switch keyword {
			case "SET":
				err = applySet(next, part, names, values)
			case "ADD":
				err = applyAdd(next, part, names, values)
			case "REMOVE":
				delete(next, resolve(part, names))
			}
			if err != nil {
				return nil, err
			}
		}
	}
	return next, nil
}

func applySet(item map[string]types.AttributeValue, part string, names map[string]string, values map[string]types.AttributeValue) error {
	lhs, rhs, ok := strings.Cut(part, "=")
	if !ok {
		return validationError("bad SET clause: " + part)
	}
	attr := resolve(strings.TrimSpace(lhs), names)
	rhs = strings.TrimSpace(rhs)

	if m := reArith.FindStringSubmatch(rhs); m != nil {
		base, ok := item[resolve(m[1], names)].(*types.AttributeValueMemberN)
		if !ok {
			return validationError("The provided expression refers to an attribute that does not exist in the item")
		}
		delta, ok := values[m[3]].(*types.AttributeValueMemberN)
		if !ok {
			return validationError("arithmetic operand must be a number")
		}
		x := decimal.RequireFromString(base.Value)
		y := decimal.RequireFromString(delta.Value)
		if m[2] == "-" {
			y = y.Neg()
		}
		item[attr] = &types.AttributeValueMemberN{Value: x.Add(y).String()}
		return nil
	}

	v, ok := values[rhs]
	if !ok {
		return validationError("missing value " + rhs)
	}
	item[attr] = v
	return nil
}

func applyAdd(item map[string]types.AttributeValue, part string, names map[string]string, values map[string]types.AttributeValue) error {
	fields := strings.Fields(part)
	if len(fields) != 2 {
		return validationError("bad ADD clause: " + part)
	}
	attr := resolve(fields[0], names)
	delta, ok := values[fields[1]].(*types.AttributeValueMemberN)
	if !ok {
		return validationError("ADD operand must be a number")
	}
	sum := decimal.RequireFromString(delta.Value)
	if base, ok := item[attr].(*types.AttributeValueMemberN); ok {
		sum = sum.Add(decimal.RequireFromString(base.Value))
	}
	item[attr] = &types.AttributeValueMemberN{Value: sum.String()}
	return nil
}

func resolve(token string, names map[string]string) string {
	if strings.HasPrefix(token, "#") {
		if n, ok := names[token]; ok {
			return n
		}
	}
	return token
}

func clone(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	if item == nil {
		return nil
	}
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

func validationError(msg string) error {
	return &smithy.GenericAPIError{Code: "ValidationException", Message: msg}
}

func awsString(s string) *string { return &s }

// IsValidation reports whether err is a ValidationException raised by the fake.
func IsValidation(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ValidationException"
}
