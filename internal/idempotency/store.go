package idempotency

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
)

// Store implements Guard against DynamoDB.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	ttlWindow time.Duration // default TTL window when creating entries
	nowFunc   func() time.Time
}

var _ Guard = (*Store)(nil)

// NewStore returns a configured Store.
// tableName: DynamoDB table name for idempotency entries.
// ttlWindow: default TTL window (e.g., 48*time.Hour)
func NewStore(client aws.DynamoDBAPI, tableName string, ttlWindow time.Duration) *Store {
	if ttlWindow <= 0 {
		ttlWindow = TTL
	}
	return &Store{
		client:    client,
		tableName: tableName,
		ttlWindow: ttlWindow,
		nowFunc:   time.Now,
	}
}

// TableName is the idempotency table, for callers building transactions.
func (s *Store) TableName() string { return s.tableName }

func (s *Store) Acquire(ctx context.Context, key string) (Outcome, error) {
	now := s.nowFunc()
	rec := Record{
		IdempotencyKey: key,
		Scope:          ScopeOf(key),
		Status:         StatusInProgress,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(s.ttlWindow).Unix(),
	}
	item, err := attributevalue.MarshalMap(rec)
	if err != nil {
		return Outcome{}, fmt.Errorf("marshal record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: awsString("attribute_not_exists(idempotency_key)"),
	})
	if err == nil {
		return Outcome{State: Granted, Record: &rec}, nil
	}
	if !aws.IsConditionalCheckFailed(err) {
		return Outcome{}, fmt.Errorf("put item: %w", err)
	}

	existing, err := s.Get(ctx, key)
	if err != nil {
		return Outcome{}, err
	}
	if existing == nil {
		// expired and reaped between the put and the read
		return Outcome{State: InProgress}, nil
	}
	switch existing.Status {
	case StatusDone, StatusAbandoned:
		return Outcome{State: Completed, Record: existing}, nil
	case StatusFailed:
		return s.retake(ctx, existing)
	default:
		return Outcome{State: InProgress, Record: existing}, nil
	}
}

// retake flips a FAILED record back to IN_PROGRESS. Only one caller wins the flip.
func (s *Store) retake(ctx context.Context, rec *Record) (Outcome, error) {
	now := s.nowFunc()
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:           &s.tableName,
		Key:                 s.key(rec.IdempotencyKey),
		UpdateExpression:    awsString("SET #s = :inprogress, updated_at = :ua, expires_at = :exp"),
		ConditionExpression: awsString("#s = :failed"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":ua":         timeValue(now),
			":exp":        &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Add(s.ttlWindow).Unix(), 10)},
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return Outcome{State: InProgress, Record: rec}, nil
		}
		return Outcome{}, fmt.Errorf("update item (retake): %w", err)
	}
	rec.Status = StatusInProgress
	rec.UpdatedAt = now
	return Outcome{State: Granted, Record: rec}, nil
}

// Get retrieves an idempotency record by key. If not found, returns (nil, nil).
func (s *Store) Get(ctx context.Context, key string) (*Record, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            s.key(key),
		ConsistentRead: awsBool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return &rec, nil
}

func (s *Store) AttachIntent(ctx context.Context, key, intentID string) error {
	return s.update(ctx, "attach intent", key,
		"SET intent_id = :pi, updated_at = :ua", "#s = :inprogress",
		map[string]types.AttributeValue{
			":pi":         &types.AttributeValueMemberS{Value: intentID},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
		})
}

// Complete sets status to DONE and stores a small response body & status.
func (s *Store) Complete(ctx context.Context, key, responseBody string, responseStatus int) error {
	u := s.CompletionUpdate(Completion{Key: key, ResponseBody: responseBody, ResponseStatus: responseStatus})
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (mark done): %w", err)
	}
	return nil
}

// CompletionUpdate is the IN_PROGRESS -> DONE write for c, for use inside a
// TransactWriteItems call.
func (s *Store) CompletionUpdate(c Completion) *types.Update {
	return &types.Update{
		TableName:           &s.tableName,
		Key:                 s.key(c.Key),
		UpdateExpression:    awsString("SET #s = :done, response_body = :rb, response_status = :rs, updated_at = :ua"),
		ConditionExpression: awsString("#s = :inprogress"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":done":       &types.AttributeValueMemberS{Value: StatusDone},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":rb":         &types.AttributeValueMemberS{Value: c.ResponseBody},
			":rs":         &types.AttributeValueMemberN{Value: strconv.Itoa(c.ResponseStatus)},
			":ua":         timeValue(s.nowFunc()),
		},
	}
}

// Fail marks an IN_PROGRESS record FAILED so a retry can take it again.
func (s *Store) Fail(ctx context.Context, key, note string) error {
	return s.update(ctx, "mark failed", key,
		"SET #s = :failed, note = :n, updated_at = :ua", "#s = :inprogress",
		map[string]types.AttributeValue{
			":failed":     &types.AttributeValueMemberS{Value: StatusFailed},
			":inprogress": &types.AttributeValueMemberS{Value: StatusInProgress},
			":n":          &types.AttributeValueMemberS{Value: note},
		})
}

// Abandon marks the record ABANDONED unless it already completed.
func (s *Store) Abandon(ctx context.Context, key, note string) error {
	return s.update(ctx, "mark abandoned", key,
		"SET #s = :abandoned, note = :n, updated_at = :ua", "attribute_exists(idempotency_key) AND #s <> :done",
		map[string]types.AttributeValue{
			":abandoned": &types.AttributeValueMemberS{Value: StatusAbandoned},
			":done":      &types.AttributeValueMemberS{Value: StatusDone},
			":n":         &types.AttributeValueMemberS{Value: note},
		})
}

func (s *Store) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]Record, error) {
	var (
		out   []Record
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:        &s.tableName,
			FilterExpression: awsString("#s <> :done AND #s <> :abandoned AND attribute_exists(intent_id)"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":done":      &types.AttributeValueMemberS{Value: StatusDone},
				":abandoned": &types.AttributeValueMemberS{Value: StatusAbandoned},
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan orphans: %w", err)
		}
		var recs []Record
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &recs); err != nil {
			return nil, fmt.Errorf("unmarshal orphans: %w", err)
		}
		for _, r := range recs {
			if r.CreatedAt.Before(olderThan) {
				out = append(out, r)
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

func (s *Store) update(ctx context.Context, op, key, expr, cond string, values map[string]types.AttributeValue) error {
	values[":ua"] = timeValue(s.nowFunc())
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       s.key(key),
		UpdateExpression:          &expr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#s": "status"},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrConditionFailed
		}
		return fmt.Errorf("update item (%s): %w", op, err)
	}
	return nil
}

func (s *Store) key(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"idempotency_key": &types.AttributeValueMemberS{Value: k},
	}
}

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(time.RFC3339Nano)}
}

// Helper
func awsString(s string) *string { return &s }

func awsBool(b bool) *bool { return &b }
