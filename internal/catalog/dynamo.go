package catalog

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
)

// DynamoStore keeps products in a DynamoDB table keyed by product_id.
type DynamoStore struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

var _ ReadWriter = (*DynamoStore)(nil)

func NewDynamoStore(client aws.DynamoDBAPI, tableName string) *DynamoStore {
	return &DynamoStore{client: client, tableName: tableName, nowFunc: time.Now}
}

func (s *DynamoStore) Products(ctx context.Context, ids []string) (map[string]Product, error) {
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if _, seen := out[id]; seen {
			continue
		}
		res, err := s.client.GetItem(ctx, &dyn.GetItemInput{
			TableName: &s.tableName,
			Key: map[string]types.AttributeValue{
				"product_id": &types.AttributeValueMemberS{Value: id},
			},
		})
		if err != nil {
			return nil, fmt.Errorf("get product %s: %w", id, err)
		}
		if len(res.Item) == 0 {
			continue
		}
		var p Product
		if err := attributevalue.UnmarshalMap(res.Item, &p); err != nil {
			return nil, fmt.Errorf("unmarshal product: %w", err)
		}
		out[id] = p
	}
	return out, nil
}

// List scans the whole table, newest first.
func (s *DynamoStore) List(ctx context.Context) ([]Product, error) {
	var (
		out   []Product
		start map[string]types.AttributeValue
	)
	for {
		page, err := s.client.Scan(ctx, &dyn.ScanInput{
			TableName:         &s.tableName,
			ExclusiveStartKey: start,
		})
		if err != nil {
			return nil, fmt.Errorf("scan products: %w", err)
		}
		var ps []Product
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &ps); err != nil {
			return nil, fmt.Errorf("unmarshal products: %w", err)
		}
		out = append(out, ps...)
		if len(page.LastEvaluatedKey) == 0 {
			break
		}
		start = page.LastEvaluatedKey
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Put creates or replaces a product. Existing order items keep the price they
// were created with.
func (s *DynamoStore) Put(ctx context.Context, p Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.nowFunc()
	}
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal product: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dyn.PutItemInput{TableName: &s.tableName, Item: item}); err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}
