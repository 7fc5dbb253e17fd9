package ledger

import "time"

// Order statuses
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Status is the lifecycle state of an order.
type Status string

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether from -> to is an edge of the order state machine.
// Only pending orders move, and only to a terminal state.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Terminal()
}

// Order is the durable record of a checkout. TotalAmount is in minor currency
// units and never changes after creation.
type Order struct {
	ID              string    `dynamodbav:"order_id" json:"id"`
	CustomerID      *string   `dynamodbav:"customer_id,omitempty" json:"customer_id,omitempty"`
	TotalAmount     int64     `dynamodbav:"total_amount" json:"total_amount"`
	Currency        string    `dynamodbav:"currency" json:"currency"`
	Status          Status    `dynamodbav:"status" json:"status"`
	PaymentIntentID *string   `dynamodbav:"payment_intent_id,omitempty" json:"payment_intent_id,omitempty"`
	CheckoutKey     string    `dynamodbav:"checkout_key,omitempty" json:"-"`
	CreatedAt       time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt       time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// OrderItem is a line of an order. UnitPrice is the product price captured when
// the order was created.
type OrderItem struct {
	ID          string    `dynamodbav:"item_id" json:"id"`
	OrderID     string    `dynamodbav:"order_id" json:"order_id"`
	ProductID   string    `dynamodbav:"product_id" json:"product_id"`
	ProductName string    `dynamodbav:"product_name,omitempty" json:"product_name,omitempty"`
	Quantity    int       `dynamodbav:"quantity" json:"quantity"`
	UnitPrice   int64     `dynamodbav:"unit_price" json:"unit_price"`
	CreatedAt   time.Time `dynamodbav:"created_at" json:"created_at"`
}

// LineTotal is Quantity * UnitPrice.
func (i OrderItem) LineTotal() int64 {
	return int64(i.Quantity) * i.UnitPrice
}

// Customer mirrors an identity-provider user.
type Customer struct {
	ID        string    `dynamodbav:"customer_id" json:"id"`
	Email     string    `dynamodbav:"email" json:"email"`
	FullName  *string   `dynamodbav:"full_name,omitempty" json:"full_name,omitempty"`
	CreatedAt time.Time `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt time.Time `dynamodbav:"updated_at" json:"updated_at"`
}

// DisplayName falls back to the email when no name is known.
func (c Customer) DisplayName() string {
	if c.FullName != nil && *c.FullName != "" {
		return *c.FullName
	}
	return c.Email
}

// OrderGraph is an order with its items and, when resolved, its customer.
type OrderGraph struct {
	Order    Order       `json:"order"`
	Items    []OrderItem `json:"items"`
	Customer *Customer   `json:"customer,omitempty"`
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
