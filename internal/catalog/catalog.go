// Package catalog reads and writes the products a checkout is priced from.
package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrProductNotFound = errors.New("product not found")

// Product is a sellable item. Price is in minor currency units.
type Product struct {
	ID             string    `dynamodbav:"product_id" json:"id" validate:"required"`
	Name           string    `dynamodbav:"name" json:"name" validate:"required"`
	Description    string    `dynamodbav:"description,omitempty" json:"description,omitempty"`
	Price          int64     `dynamodbav:"price" json:"price" validate:"gt=0"`
	ImageURL       string    `dynamodbav:"image_url,omitempty" json:"image_url,omitempty" validate:"omitempty,url"`
	InventoryCount int       `dynamodbav:"inventory_count" json:"inventory_count" validate:"gte=0"`
	CreatedAt      time.Time `dynamodbav:"created_at" json:"created_at"`
}

// Reader resolves products. Products returns one entry per id it found; missing
// ids are simply absent from the map.
type Reader interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	List(ctx context.Context) ([]Product, error)
}

// Get returns one product or ErrProductNotFound.
func Get(ctx context.Context, r Reader, id string) (*Product, error) {
	found, err := r.Products(ctx, []string{id})
	if err != nil {
		return nil, err
	}
	p, ok := found[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	return &p, nil
}

type Writer interface {
	Put(ctx context.Context, p Product) error
}

// ReadWriter is a full catalog backend.
type ReadWriter interface {
	Reader
	Writer
}
