package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
)

var (
	ErrOrderNotFound   = errors.New("order not found")
	ErrForbidden       = errors.New("principal not allowed")
	ErrDuplicateIntent = errors.New("payment intent already bound to an order")
	ErrEmailTaken      = errors.New("email belongs to another customer")
	ErrInvalidOrder    = errors.New("invalid order")
	// ErrInvalidTransition is returned for an edge the order state machine does not have.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the single source of truth for order state. Implementations must make
// InsertOrder atomic and UpdateOrderStatusConditional a single conditional write.
type Store interface {
	// InsertOrder persists order, its items, the intent binding and, when
	// completion is non-nil, the DONE transition of the guarding idempotency
	// record, all in one transaction.
	InsertOrder(ctx context.Context, p Principal, order Order, items []OrderItem, completion *idempotency.Completion) (*Order, error)

	// UpdateOrderStatusConditional moves the order bound to intentID from expected
	// to next. It returns the updated order, (nil, nil) when the order is not in
	// expected, and ErrOrderNotFound when no order is bound to intentID.
	UpdateOrderStatusConditional(ctx context.Context, p Principal, intentID string, expected, next Status, completion *idempotency.Completion) (*Order, error)

	// UpsertCustomer inserts the customer unless a row with id already exists.
	// created is true only for the caller whose insert won.
	UpsertCustomer(ctx context.Context, p Principal, id, email string, name *string) (c *Customer, created bool, err error)

	GetOrderGraph(ctx context.Context, p Principal, orderID string) (*OrderGraph, error)

	// ListStalePending returns pending orders created before olderThan.
	ListStalePending(ctx context.Context, p Principal, olderThan time.Time, limit int) ([]Order, error)
}

// Validate checks the invariants of a new order against its items.
func Validate(order Order, items []OrderItem) error {
	if order.ID == "" || order.Status != StatusPending {
		return ErrInvalidOrder
	}
	if order.PaymentIntentID == nil || *order.PaymentIntentID == "" {
		return ErrInvalidOrder
	}
	if len(items) == 0 || order.TotalAmount <= 0 {
		return ErrInvalidOrder
	}
	var sum int64
	for _, it := range items {
		if it.Quantity <= 0 || it.UnitPrice < 0 || it.OrderID != order.ID {
			return ErrInvalidOrder
		}
		sum += it.LineTotal()
	}
	if sum != order.TotalAmount {
		return ErrInvalidOrder
	}
	return nil
}
