// Package awstest provides in-memory fakes of the AWS clients for unit tests.
package awstest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type item = map[string]types.AttributeValue

// DynamoDB is a small in-memory DynamoDB. It understands the condition, filter and
// update expressions the stores in this module emit:
//
//	attribute_exists(a) / attribute_not_exists(a) / a = :v / a <> :v joined by AND
//	SET a = :v, #b = :w
//
// Tables are registered with their partition key attribute.
type DynamoDB struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]item
	fail   map[string][]error

	Calls map[string]int
}

// NewDynamoDB returns a fake with the given table -> partition key attribute mapping.
func NewDynamoDB(keys map[string]string) *DynamoDB {
	m := &DynamoDB{
		keys:   keys,
		tables: map[string]map[string]item{},
		fail:   map[string][]error{},
		Calls:  map[string]int{},
	}
	for t := range keys {
		m.tables[t] = map[string]item{}
	}
	return m
}

// FailNext makes the next call of op (e.g. "TransactWriteItems") return err.
func (m *DynamoDB) FailNext(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = append(m.fail[op], err)
}

// Item returns a copy of the stored item, or nil.
func (m *DynamoDB) Item(table, pk string) map[string]types.AttributeValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.tables[table][pk]
	if !ok {
		return nil
	}
	return clone(it)
}

// Len returns the number of items in table.
func (m *DynamoDB) Len(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Seed stores it unconditionally.
func (m *DynamoDB) Seed(table string, it map[string]types.AttributeValue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pk, err := m.pkOf(table, it)
	if err != nil {
		panic(err)
	}
	m.tables[table][pk] = clone(it)
}

func (m *DynamoDB) enter(op string) error {
	m.Calls[op]++
	if errs := m.fail[op]; len(errs) > 0 {
		m.fail[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (m *DynamoDB) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("PutItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := m.pkOf(table, in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), m.tables[table][pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	m.tables[table][pk] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *DynamoDB) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := m.pkOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	it, ok := m.tables[table][pk]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: clone(it)}, nil
}

func (m *DynamoDB) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpdateItem"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	pk, err := m.pkOf(table, in.Key)
	if err != nil {
		return nil, err
	}
	current := m.tables[table][pk]
	ok, err := evalCondition(sdkaws.ToString(in.ConditionExpression), current, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &types.ConditionalCheckFailedException{Message: sdkaws.String("The conditional request failed")}
	}
	next, err := applyUpdate(current, in.Key, sdkaws.ToString(in.UpdateExpression), in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	m.tables[table][pk] = next
	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = clone(next)
	}
	return out, nil
}

func (m *DynamoDB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, optFns ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TransactWriteItems"); err != nil {
		return nil, err
	}

	type write struct {
		table, pk string
		next      item
	}
	var (
		writes   []write
		reasons  []types.CancellationReason
		canceled bool
	)
	for _, ti := range in.TransactItems {
		var (
			table, cond string
			key         item
			names       map[string]string
			values      map[string]types.AttributeValue
		)
		switch {
		case ti.Put != nil:
			table, cond, key = sdkaws.ToString(ti.Put.TableName), sdkaws.ToString(ti.Put.ConditionExpression), ti.Put.Item
			names, values = ti.Put.ExpressionAttributeNames, ti.Put.ExpressionAttributeValues
		case ti.Update != nil:
			table, cond, key = sdkaws.ToString(ti.Update.TableName), sdkaws.ToString(ti.Update.ConditionExpression), ti.Update.Key
			names, values = ti.Update.ExpressionAttributeNames, ti.Update.ExpressionAttributeValues
		case ti.ConditionCheck != nil:
			table, cond, key = sdkaws.ToString(ti.ConditionCheck.TableName), sdkaws.ToString(ti.ConditionCheck.ConditionExpression), ti.ConditionCheck.Key
			names, values = ti.ConditionCheck.ExpressionAttributeNames, ti.ConditionCheck.ExpressionAttributeValues
		default:
			return nil, errors.New("awstest: unsupported transact item")
		}
		pk, err := m.pkOf(table, key)
		if err != nil {
			return nil, err
		}
		current := m.tables[table][pk]
		ok, err := evalCondition(cond, current, names, values)
		if err != nil {
			return nil, err
		}
		if !ok {
			canceled = true
			reasons = append(reasons, types.CancellationReason{Code: sdkaws.String("ConditionalCheckFailed")})
			continue
		}
		reasons = append(reasons, types.CancellationReason{Code: sdkaws.String("None")})
		switch {
		case ti.Put != nil:
			writes = append(writes, write{table, pk, clone(ti.Put.Item)})
		case ti.Update != nil:
			next, err := applyUpdate(current, ti.Update.Key, sdkaws.ToString(ti.Update.UpdateExpression), names, values)
			if err != nil {
				return nil, err
			}
			writes = append(writes, write{table, pk, next})
		}
	}
	if canceled {
		return nil, &types.TransactionCanceledException{
			Message:             sdkaws.String("Transaction cancelled, please refer cancellation reasons for specific reasons"),
			CancellationReasons: reasons,
		}
	}
	for _, w := range writes {
		m.tables[w.table][w.pk] = w.next
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func (m *DynamoDB) Scan(ctx context.Context, in *dyn.ScanInput, optFns ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("Scan"); err != nil {
		return nil, err
	}
	table := sdkaws.ToString(in.TableName)
	rows := m.tables[table]
	pks := make([]string, 0, len(rows))
	for pk := range rows {
		pks = append(pks, pk)
	}
	sort.Strings(pks)

	start := 0
	if len(in.ExclusiveStartKey) > 0 {
		after, err := m.pkOf(table, in.ExclusiveStartKey)
		if err != nil {
			return nil, err
		}
		start = sort.SearchStrings(pks, after)
		if start < len(pks) && pks[start] == after {
			start++
		}
	}
	end := len(pks)
	if in.Limit != nil && start+int(*in.Limit) < end {
		end = start + int(*in.Limit)
	}

	out := &dyn.ScanOutput{}
	for _, pk := range pks[start:end] {
		ok, err := evalCondition(sdkaws.ToString(in.FilterExpression), rows[pk], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if ok {
			out.Items = append(out.Items, clone(rows[pk]))
		}
	}
	if end < len(pks) {
		last := pks[end-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			m.keys[table]: rows[last][m.keys[table]],
		}
	}
	out.Count = int32(len(out.Items))
	return out, nil
}

func (m *DynamoDB) pkOf(table string, it item) (string, error) {
	attr, ok := m.keys[table]
	if !ok {
		return "", fmt.Errorf("awstest: unknown table %q", table)
	}
	v, ok := it[attr]
	if !ok {
		return "", fmt.Errorf("awstest: missing key %q for table %q", attr, table)
	}
	s, ok := scalar(v)
	if !ok {
		return "", fmt.Errorf("awstest: unsupported key type %T", v)
	}
	return s, nil
}

func evalCondition(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	for _, clause := range strings.Split(expr, " AND ") {
		clause = strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(clause), "("), ")"))
		switch {
		case strings.HasPrefix(clause, "attribute_not_exists("):
			name := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_not_exists("), ")"), names)
			if _, ok := it[name]; ok {
				return false, nil
			}
		case strings.HasPrefix(clause, "attribute_exists("):
			name := resolve(strings.TrimSuffix(strings.TrimPrefix(clause, "attribute_exists("), ")"), names)
			if _, ok := it[name]; !ok {
				return false, nil
			}
		case strings.Contains(clause, " <> "):
			lhs, rhs, _ := strings.Cut(clause, " <> ")
			eq, err := compare(it, lhs, rhs, names, values)
			if err != nil {
				return false, err
			}
			if eq {
				return false, nil
			}
		case strings.Contains(clause, " = "):
			lhs, rhs, _ := strings.Cut(clause, " = ")
			eq, err := compare(it, lhs, rhs, names, values)
			if err != nil {
				return false, err
			}
			if !eq {
				return false, nil
			}
		default:
			return false, fmt.Errorf("awstest: unsupported condition %q", clause)
		}
	}
	return true, nil
}

func compare(it item, lhs, rhs string, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	want, ok := values[strings.TrimSpace(rhs)]
	if !ok {
		return false, fmt.Errorf("awstest: missing value %q", rhs)
	}
	have, ok := it[resolve(strings.TrimSpace(lhs), names)]
	if !ok {
		return false, nil
	}
	a, _ := scalar(have)
	b, _ := scalar(want)
	return fmt.Sprintf("%T", have) == fmt.Sprintf("%T", want) && a == b, nil
}

func applyUpdate(current, key item, expr string, names map[string]string, values map[string]types.AttributeValue) (item, error) {
	next := clone(current)
	if next == nil {
		next = clone(key)
	}
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return nil, fmt.Errorf("awstest: unsupported update %q", expr)
	}
	for _, assign := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		lhs, rhs, ok := strings.Cut(assign, "=")
		if !ok {
			return nil, fmt.Errorf("awstest: bad assignment %q", assign)
		}
		v, ok := values[strings.TrimSpace(rhs)]
		if !ok {
			return nil, fmt.Errorf("awstest: missing value %q", rhs)
		}
		next[resolve(strings.TrimSpace(lhs), names)] = v
	}
	return next, nil
}

func resolve(name string, names map[string]string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "#") {
		if n, ok := names[name]; ok {
			return n
		}
	}
	return name
}

func scalar(v types.AttributeValue) (string, bool) {
	switch x := v.(type) {
	case *types.AttributeValueMemberS:
		return x.Value, true
	case *types.AttributeValueMemberN:
		return x.Value, true
	case *types.AttributeValueMemberBOOL:
		return fmt.Sprint(x.Value), true
	}
	return "", false
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}
