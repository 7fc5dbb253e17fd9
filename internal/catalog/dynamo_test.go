package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws/awstest"
)

func TestDynamoStore(t *testing.T) {
	db := awstest.NewDynamoDB(map[string]string{"products": "product_id"})
	s := NewDynamoStore(db, "products")
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Put(ctx, Product{ID: "p1", Name: "Mug", Price: 1200, InventoryCount: 5, CreatedAt: base}))
	require.NoError(t, s.Put(ctx, Product{ID: "p2", Name: "Tee", Price: 2500, CreatedAt: base.Add(time.Hour)}))

	got, err := s.Products(ctx, []string{"p1", "missing", "p1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1200), got["p1"].Price)
	assert.Equal(t, 2, db.Calls["GetItem"])

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "p2", all[0].ID)

	// price changes replace the product row only
	require.NoError(t, s.Put(ctx, Product{ID: "p1", Name: "Mug", Price: 1500, CreatedAt: base}))
	got, err = s.Products(ctx, []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), got["p1"].Price)
}

func TestGet(t *testing.T) {
	db := awstest.NewDynamoDB(map[string]string{"products": "product_id"})
	s := NewDynamoStore(db, "products")
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, Product{ID: "p1", Name: "Mug", Price: 1200}))

	p, err := Get(ctx, s, "p1")
	require.NoError(t, err)
	assert.Equal(t, "Mug", p.Name)

	_, err = Get(ctx, s, "missing")
	assert.ErrorIs(t, err, ErrProductNotFound)
}
