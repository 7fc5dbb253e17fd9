package sqlstore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
)

// Catalog implements catalog.ReadWriter on the products table.
type Catalog struct {
	db      *gorm.DB
	nowFunc func() time.Time
}

var _ catalog.ReadWriter = (*Catalog)(nil)

func NewCatalog(db *gorm.DB) *Catalog {
	return &Catalog{db: db, nowFunc: time.Now}
}

func (c *Catalog) Products(ctx context.Context, ids []string) (map[string]catalog.Product, error) {
	out := make(map[string]catalog.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []productRow
	if err := c.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("load products: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.toProduct()
	}
	return out, nil
}

func (c *Catalog) List(ctx context.Context) ([]catalog.Product, error) {
	var rows []productRow
	if err := c.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	out := make([]catalog.Product, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toProduct())
	}
	return out, nil
}

func (c *Catalog) Put(ctx context.Context, p catalog.Product) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = c.nowFunc()
	}
	row := productRow{
		ID:             p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Price:          p.Price,
		ImageURL:       p.ImageURL,
		InventoryCount: p.InventoryCount,
		CreatedAt:      p.CreatedAt.UTC(),
	}
	err := c.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "description", "price", "image_url", "inventory_count"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("put product: %w", err)
	}
	return nil
}
