// Package notify delivers best-effort notifications after ledger transitions.
// Nothing in this package can roll back or block a ledger write.
package notify

import (
	"context"

	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
)

// Template ids
const (
	TemplateOrderConfirmation = "order_confirmation"
	TemplateWelcome           = "welcome"
)

// LineView is an order line formatted for display.
type LineView struct {
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	Total     string `json:"total"`
}

// Payload is the data a template renders.
type Payload struct {
	CustomerName string     `json:"customer_name"`
	OrderID      string     `json:"order_id,omitempty"`
	OrderDate    string     `json:"order_date,omitempty"`
	Items        []LineView `json:"items,omitempty"`
	Total        string     `json:"total,omitempty"`
}

// Message is one notification. DedupKey identifies the logical notification so
// redelivered messages are sent once.
type Message struct {
	TemplateID string  `json:"template_id"`
	Recipient  string  `json:"recipient"`
	DedupKey   string  `json:"dedup_key"`
	Payload    Payload `json:"payload"`
}

// Dispatcher hands a message to whatever delivers it.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg Message) error
}

// Deliverer performs the actual send.
type Deliverer interface {
	Deliver(ctx context.Context, msg Message) error
}

// OrderConfirmation builds the confirmation for a completed order. ok is false
// when the graph has no customer to address.
func OrderConfirmation(g *ledger.OrderGraph) (msg Message, ok bool) {
	if g == nil || g.Customer == nil || g.Customer.Email == "" {
		return Message{}, false
	}
	p := Payload{
		CustomerName: g.Customer.DisplayName(),
		OrderID:      g.Order.ID,
		OrderDate:    g.Order.CreatedAt.UTC().Format("January 2, 2006"),
		Total:        ledger.FormatMinor(g.Order.TotalAmount, g.Order.Currency),
	}
	for _, it := range g.Items {
		name := it.ProductName
		if name == "" {
			name = it.ProductID
		}
		p.Items = append(p.Items, LineView{
			Name:      name,
			Quantity:  it.Quantity,
			UnitPrice: ledger.FormatMinor(it.UnitPrice, g.Order.Currency),
			Total:     ledger.FormatMinor(it.LineTotal(), g.Order.Currency),
		})
	}
	return Message{
		TemplateID: TemplateOrderConfirmation,
		Recipient:  g.Customer.Email,
		DedupKey:   TemplateOrderConfirmation + ":" + g.Order.ID,
		Payload:    p,
	}, true
}

// Welcome builds the first sign-in message for c.
func Welcome(c ledger.Customer) Message {
	return Message{
		TemplateID: TemplateWelcome,
		Recipient:  c.Email,
		DedupKey:   TemplateWelcome + ":" + c.ID,
		Payload:    Payload{CustomerName: c.DisplayName()},
	}
}
