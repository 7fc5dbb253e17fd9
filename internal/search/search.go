// Package search keeps the product search index in step with the catalog.
package search

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
)

// Record is the denormalized product snapshot stored in the index.
type Record struct {
	ObjectID       string `json:"objectID"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	Price          int64  `json:"price"`
	ImageURL       string `json:"image_url,omitempty"`
	InventoryCount int    `json:"inventory_count"`
	CreatedAt      int64  `json:"created_at"`
}

func FromProduct(p catalog.Product) Record {
	return Record{
		ObjectID:       p.ID,
		Name:           p.Name,
		Description:    p.Description,
		Price:          p.Price,
		ImageURL:       p.ImageURL,
		InventoryCount: p.InventoryCount,
		CreatedAt:      p.CreatedAt.Unix(),
	}
}

// Index stores records and index settings.
type Index interface {
	Save(ctx context.Context, records []Record) error
	Configure(ctx context.Context) error
}

type Syncer struct {
	catalog catalog.Reader
	index   Index
	log     *zap.Logger
	now     func() time.Time
}

func NewSyncer(c catalog.Reader, idx Index, log *zap.Logger) *Syncer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Syncer{catalog: c, index: idx, log: log, now: time.Now}
}

// Sync pushes every catalog product to the index and returns how many were sent.
func (s *Syncer) Sync(ctx context.Context) (int, error) {
	start := s.now()
	products, err := s.catalog.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list products: %w", err)
	}
	records := make([]Record, 0, len(products))
	for _, p := range products {
		records = append(records, FromProduct(p))
	}
	if len(records) > 0 {
		if err := s.index.Save(ctx, records); err != nil {
			return 0, fmt.Errorf("save records: %w", err)
		}
	}
	if err := s.index.Configure(ctx); err != nil {
		return len(records), fmt.Errorf("configure index: %w", err)
	}
	s.log.Info("search index synced", zap.Int("products", len(records)), zap.Duration("took", s.now().Sub(start)))
	return len(records), nil
}
