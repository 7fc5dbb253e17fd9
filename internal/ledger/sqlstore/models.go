package sqlstore

import (
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
)

type customerRow struct {
	ID        string  `gorm:"primaryKey;size:64"`
	Email     string  `gorm:"size:320;not null;uniqueIndex"`
	FullName  *string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (customerRow) TableName() string { return "customers" }

func (r customerRow) toCustomer() *ledger.Customer {
	return &ledger.Customer{ID: r.ID, Email: r.Email, FullName: r.FullName, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

type orderRow struct {
	ID              string    `gorm:"primaryKey;size:36"`
	CustomerID      *string   `gorm:"size:64;index"`
	TotalAmount     int64     `gorm:"not null"`
	Currency        string    `gorm:"size:3;not null"`
	Status          string    `gorm:"size:16;not null;index:idx_orders_status_created,priority:1"`
	PaymentIntentID *string   `gorm:"size:255;uniqueIndex"`
	CheckoutKey     string    `gorm:"size:512"`
	CreatedAt       time.Time `gorm:"index:idx_orders_status_created,priority:2"`
	UpdatedAt       time.Time
	Items           []orderItemRow `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
}

func (orderRow) TableName() string { return "orders" }

func (r orderRow) toOrder() ledger.Order {
	return ledger.Order{
		ID:              r.ID,
		CustomerID:      r.CustomerID,
		TotalAmount:     r.TotalAmount,
		Currency:        r.Currency,
		Status:          ledger.Status(r.Status),
		PaymentIntentID: r.PaymentIntentID,
		CheckoutKey:     r.CheckoutKey,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

type orderItemRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	OrderID     string `gorm:"size:36;not null;index"`
	ProductID   string `gorm:"size:64;not null"`
	ProductName string `gorm:"size:255"`
	Quantity    int    `gorm:"not null"`
	UnitPrice   int64  `gorm:"not null"`
	CreatedAt   time.Time
}

func (orderItemRow) TableName() string { return "order_items" }

func (r orderItemRow) toItem() ledger.OrderItem {
	return ledger.OrderItem{
		ID:          r.ID,
		OrderID:     r.OrderID,
		ProductID:   r.ProductID,
		ProductName: r.ProductName,
		Quantity:    r.Quantity,
		UnitPrice:   r.UnitPrice,
		CreatedAt:   r.CreatedAt,
	}
}

type idempotencyRow struct {
	Key            string `gorm:"column:idempotency_key;primaryKey;size:512"`
	Scope          string `gorm:"size:16;not null"`
	Status         string `gorm:"size:16;not null;index"`
	IntentID       string `gorm:"size:255"`
	ResponseBody   string `gorm:"type:text"`
	ResponseStatus int
	Note           string `gorm:"size:1024"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
	ExpiresAt      int64
}

func (idempotencyRow) TableName() string { return "idempotency_records" }

func (r idempotencyRow) toRecord() *idempotency.Record {
	return &idempotency.Record{
		IdempotencyKey: r.Key,
		Scope:          r.Scope,
		Status:         r.Status,
		IntentID:       r.IntentID,
		ResponseBody:   r.ResponseBody,
		ResponseStatus: r.ResponseStatus,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
		ExpiresAt:      r.ExpiresAt,
		Note:           r.Note,
	}
}

type productRow struct {
	ID             string `gorm:"primaryKey;size:64"`
	Name           string `gorm:"size:255;not null"`
	Description    string `gorm:"type:text"`
	Price          int64  `gorm:"not null"`
	ImageURL       string `gorm:"size:1024"`
	InventoryCount int
	CreatedAt      time.Time `gorm:"index"`
}

func (productRow) TableName() string { return "products" }

func (r productRow) toProduct() catalog.Product {
	return catalog.Product{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Price:          r.Price,
		ImageURL:       r.ImageURL,
		InventoryCount: r.InventoryCount,
		CreatedAt:      r.CreatedAt,
	}
}
