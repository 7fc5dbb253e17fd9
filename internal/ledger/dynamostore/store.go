// Package dynamostore implements ledger.Store on DynamoDB.
//
// Tables:
//
//	orders           PK order_id, items embedded
//	payment_intents  PK payment_intent_id -> order_id, written once with the order
//	customers        PK customer_id
//	customer_emails  PK email -> customer_id, keeps emails unique
package dynamostore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
)

// Tables names the DynamoDB tables the store uses.
type Tables struct {
	Orders         string
	Intents        string
	Customers      string
	CustomerEmails string
}

// Store encapsulates operations on the ledger tables.
type Store struct {
	client  aws.DynamoDBAPI
	tables  Tables
	guard   *idempotency.Store
	nowFunc func() time.Time
}

var _ ledger.Store = (*Store)(nil)

// NewStore creates a Store. guard supplies the idempotency table for completions
// written inside ledger transactions.
func NewStore(client aws.DynamoDBAPI, tables Tables, guard *idempotency.Store) *Store {
	return &Store{
		client:  client,
		tables:  tables,
		guard:   guard,
		nowFunc: time.Now,
	}
}

type orderRecord struct {
	ledger.Order
	Items []ledger.OrderItem `dynamodbav:"items"`
}

type intentBinding struct {
	PaymentIntentID string    `dynamodbav:"payment_intent_id"`
	OrderID         string    `dynamodbav:"order_id"`
	CreatedAt       time.Time `dynamodbav:"created_at"`
}

type emailBinding struct {
	Email      string `dynamodbav:"email"`
	CustomerID string `dynamodbav:"customer_id"`
}

// InsertOrder writes the order, its intent binding and the optional completion in
// one TransactWriteItems call.
func (s *Store) InsertOrder(ctx context.Context, p ledger.Principal, order ledger.Order, items []ledger.OrderItem, completion *idempotency.Completion) (*ledger.Order, error) {
	if !p.CanInsert(order) {
		return nil, ledger.ErrForbidden
	}
	if err := ledger.Validate(order, items); err != nil {
		return nil, err
	}

	now := s.nowFunc()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	rec := orderRecord{Order: order, Items: make([]ledger.OrderItem, len(items))}
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		rec.Items[i] = it
	}

	orderMap, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return nil, fmt.Errorf("marshal order item: %w", err)
	}
	bindMap, err := attributevalue.MarshalMap(intentBinding{
		PaymentIntentID: *order.PaymentIntentID,
		OrderID:         order.ID,
		CreatedAt:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal intent binding: %w", err)
	}

	transactItems := []types.TransactWriteItem{
		{
			Put: &types.Put{
				TableName:           &s.tables.Orders,
				Item:                orderMap,
				ConditionExpression: awsString("attribute_not_exists(order_id)"),
			},
		},
		{
			Put: &types.Put{
				TableName:           &s.tables.Intents,
				Item:                bindMap,
				ConditionExpression: awsString("attribute_not_exists(payment_intent_id)"),
			},
		},
	}
	if completion != nil {
		transactItems = append(transactItems, types.TransactWriteItem{Update: s.guard.CompletionUpdate(*completion)})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: transactItems})
	if err != nil {
		if failed, ok := aws.CanceledConditions(err); ok {
			switch {
			case len(failed) > 1 && failed[1]:
				return nil, ledger.ErrDuplicateIntent
			case len(failed) > 0 && failed[0]:
				return nil, fmt.Errorf("order %s already exists: %w", order.ID, ledger.ErrInvalidOrder)
			case len(failed) > 2 && failed[2]:
				return nil, fmt.Errorf("complete %s: %w", completion.Key, idempotency.ErrConditionFailed)
			}
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}
	return &rec.Order, nil
}

// UpdateOrderStatusConditional resolves the order through its intent binding and
// applies the transition with a status condition.
func (s *Store) UpdateOrderStatusConditional(ctx context.Context, p ledger.Principal, intentID string, expected, next ledger.Status, completion *idempotency.Completion) (*ledger.Order, error) {
	if !p.IsSystem() {
		return nil, ledger.ErrForbidden
	}
	if !ledger.CanTransition(expected, next) {
		return nil, fmt.Errorf("%s -> %s: %w", expected, next, ledger.ErrInvalidTransition)
	}
	orderID, err := s.orderIDForIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	update := &types.Update{
		TableName: &s.tables.Orders,
		Key: map[string]types.AttributeValue{
			"order_id": &types.AttributeValueMemberS{Value: orderID},
		},
		UpdateExpression:         awsString("SET #s = :new, updated_at = :ua"),
		ConditionExpression:      awsString("#s = :expected AND payment_intent_id = :pi"),
		ExpressionAttributeNames: map[string]string{"#s": "status"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":new":      &types.AttributeValueMemberS{Value: string(next)},
			":expected": &types.AttributeValueMemberS{Value: string(expected)},
			":pi":       &types.AttributeValueMemberS{Value: intentID},
			":ua":       &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339Nano)},
		},
	}

	if completion == nil {
		out, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
			TableName:                 update.TableName,
			Key:                       update.Key,
			UpdateExpression:          update.UpdateExpression,
			ConditionExpression:       update.ConditionExpression,
			ExpressionAttributeNames:  update.ExpressionAttributeNames,
			ExpressionAttributeValues: update.ExpressionAttributeValues,
			ReturnValues:              types.ReturnValueAllNew,
		})
		if err != nil {
			if aws.IsConditionalCheckFailed(err) {
				return nil, nil
			}
			return nil, fmt.Errorf("update item: %w", err)
		}
		var rec orderRecord
		if err := attributevalue.UnmarshalMap(out.Attributes, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal order: %w", err)
		}
		return &rec.Order, nil
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: update},
			{Update: s.guard.CompletionUpdate(*completion)},
		},
	})
	if err != nil {
		if failed, ok := aws.CanceledConditions(err); ok {
			if len(failed) > 0 && failed[0] {
				return nil, nil
			}
			if len(failed) > 1 && failed[1] {
				return nil, fmt.Errorf("complete %s: %w", completion.Key, idempotency.ErrConditionFailed)
			}
		}
		return nil, fmt.Errorf("transact write: %w", err)
	}
	rec, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ledger.ErrOrderNotFound
	}
	return &rec.Order, nil
}

// upsertAttempts bounds retries of a customer transaction cancelled by a
// concurrent transaction on the same items.
const upsertAttempts = 5

// UpsertCustomer inserts the customer and claims its email in one transaction.
// Concurrent first logins for the same customer all succeed; exactly one of
// them reports created.
func (s *Store) UpsertCustomer(ctx context.Context, p ledger.Principal, id, email string, name *string) (*ledger.Customer, bool, error) {
	if !p.CanActAs(id) {
		return nil, false, ledger.ErrForbidden
	}
	email = normalizeEmail(email)

	backoff := 20 * time.Millisecond
	for attempt := 1; ; attempt++ {
		c, created, err := s.upsertCustomer(ctx, id, email, name)
		if !errors.Is(err, errTransactionConflict) || attempt == upsertAttempts {
			return c, created, err
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

var errTransactionConflict = errors.New("transaction conflict")

func (s *Store) upsertCustomer(ctx context.Context, id, email string, name *string) (*ledger.Customer, bool, error) {
	now := s.nowFunc()
	c := ledger.Customer{ID: id, Email: email, FullName: name, CreatedAt: now, UpdatedAt: now}

	custMap, err := attributevalue.MarshalMap(c)
	if err != nil {
		return nil, false, fmt.Errorf("marshal customer: %w", err)
	}
	emailMap, err := attributevalue.MarshalMap(emailBinding{Email: email, CustomerID: id})
	if err != nil {
		return nil, false, fmt.Errorf("marshal email binding: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{
				Put: &types.Put{
					TableName:           &s.tables.Customers,
					Item:                custMap,
					ConditionExpression: awsString("attribute_not_exists(customer_id)"),
				},
			},
			{
				Put: &types.Put{
					TableName:           &s.tables.CustomerEmails,
					Item:                emailMap,
					ConditionExpression: awsString("attribute_not_exists(email)"),
				},
			},
		},
	})
	if err == nil {
		return &c, true, nil
	}
	failed, ok := aws.CanceledConditions(err)
	if !ok || len(failed) < 2 {
		return nil, false, fmt.Errorf("transact write: %w", err)
	}
	switch {
	case !failed[0] && failed[1]:
		return nil, false, ledger.ErrEmailTaken
	case !failed[0]:
		// cancelled by a concurrent transaction, not by a condition
		return nil, false, fmt.Errorf("upsert customer %s: %w", id, errTransactionConflict)
	}
	existing, err := s.getCustomer(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("customer %s not readable after conflict: %w", id, errTransactionConflict)
	}
	return existing, false, nil
}

// GetOrderGraph fetches an order with its items and customer. Orders the
// principal may not read are reported as not found.
func (s *Store) GetOrderGraph(ctx context.Context, p ledger.Principal, orderID string) (*ledger.OrderGraph, error) {
	rec, err := s.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec == nil || !p.CanRead(rec.Order) {
		return nil, ledger.ErrOrderNotFound
	}
	g := &ledger.OrderGraph{Order: rec.Order, Items: rec.Items}
	if rec.CustomerID != nil {
		c, err := s.getCustomer(ctx, *rec.CustomerID)
		if err != nil {
			return nil, err
		}
		g.Customer = c
	}
	return g, nil
}

// ListStalePending scans for pending orders created before olderThan.
func (s *Store) ListStalePending(ctx context.Context, p ledger.Principal, olderThan time.Time, limit int) ([]ledger.Order, error) {
	if !p.IsSystem() {
		return nil, ledger.ErrForbidden
	}
	var (
		out   []ledger.Order
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:                &s.tables.Orders,
			FilterExpression:         awsString("#s = :pending"),
			ExpressionAttributeNames: map[string]string{"#s": "status"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(ledger.StatusPending)},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		var recs []orderRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal orders: %w", err)
		}
		for _, r := range recs {
			if r.CreatedAt.Before(olderThan) {
				out = append(out, r.Order)
				if limit > 0 && len(out) >= limit {
					return out, nil
				}
			}
		}
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		start = page.LastEvaluatedKey
	}
}

func (s *Store) orderIDForIntent(ctx context.Context, intentID string) (string, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Intents,
		Key: map[string]types.AttributeValue{
			"payment_intent_id": &types.AttributeValueMemberS{Value: intentID},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return "", fmt.Errorf("get intent binding: %w", err)
	}
	if len(out.Item) == 0 {
		return "", ledger.ErrOrderNotFound
	}
	var b intentBinding
	if err := attributevalue.UnmarshalMap(out.Item, &b); err != nil {
		return "", fmt.Errorf("unmarshal intent binding: %w", err)
	}
	return b.OrderID, nil
}

// getOrder fetches an order by order_id. Returns (nil, nil) if not found.
func (s *Store) getOrder(ctx context.Context, orderID string) (*orderRecord, error) {
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
		return nil, nil
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &rec, nil
}

func (s *Store) getCustomer(ctx context.Context, id string) (*ledger.Customer, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName: &s.tables.Customers,
		Key: map[string]types.AttributeValue{
			"customer_id": &types.AttributeValueMemberS{Value: id},
		},
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var c ledger.Customer
	if err := attributevalue.UnmarshalMap(out.Item, &c); err != nil {
		return nil, fmt.Errorf("unmarshal customer: %w", err)
	}
	return &c, nil
}

func normalizeEmail(e string) string { return strings.ToLower(strings.TrimSpace(e)) }

func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
