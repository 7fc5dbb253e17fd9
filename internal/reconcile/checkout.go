package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
)

// CartLine is one requested product and quantity.
type CartLine struct {
	ProductID string
	Quantity  int
}

type CheckoutRequest struct {
	CustomerID     string
	Email          string
	Name           *string
	IdempotencyKey string
	Lines          []CartLine
	// ExpectedAmount is the total the client displayed. When set it must match
	// the server-side price.
	ExpectedAmount *int64
}

type CheckoutResult struct {
	OrderID      string        `json:"order_id"`
	ClientSecret string        `json:"client_secret"`
	Status       ledger.Status `json:"status"`
	Amount       int64         `json:"amount"`
	Currency     string        `json:"currency"`
	// Replayed is true when the result was stored by an earlier request with
	// the same key.
	Replayed bool `json:"-"`
}

// Checkout creates a pending order backed by a new payment intent. Retries with
// the same idempotency key replay the first result.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	if err := validateCart(req); err != nil {
		return nil, err
	}
	key := idempotency.CheckoutKey(req.CustomerID, req.IdempotencyKey)
	log := e.log.With(zap.String("idempotency_key", key))

	out, err := e.guard.Acquire(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire checkout key: %w", err)
	}
	switch out.State {
	case idempotency.InProgress:
		return nil, ErrCheckoutInProgress
	case idempotency.Completed:
		if out.Record.Status == idempotency.StatusAbandoned {
			return nil, ErrCheckoutAbandoned
		}
		var res CheckoutResult
		if err := json.Unmarshal([]byte(out.Record.ResponseBody), &res); err != nil {
			return nil, fmt.Errorf("decode stored checkout response: %w", err)
		}
		res.Replayed = true
		log.Info("checkout replayed", zap.String("order_id", res.OrderID))
		return &res, nil
	}

	res, err := e.checkout(ctx, log, key, req)
	if err != nil {
		var pe *PersistenceError
		if !errors.As(err, &pe) || errors.Is(err, ledger.ErrDuplicateIntent) {
			// no intent was left without an order, so the key may be retried
			if ferr := e.guard.Fail(ctx, key, err.Error()); ferr != nil {
				log.Warn("mark checkout failed", zap.Error(ferr))
			}
		}
		return nil, err
	}
	return res, nil
}

// orderNamespace scopes order ids derived from checkout keys.
var orderNamespace = uuid.MustParse("6f0f6c1e-3a8e-4d2b-9a57-0c1d5e8b7f42")

// orderIDForKey is stable per checkout key, so a retry after a lost gateway
// response sends the processor identical intent parameters and gets the
// intent it already created.
func orderIDForKey(key string) string {
	return uuid.NewSHA1(orderNamespace, []byte(key)).String()
}

func (e *Engine) checkout(ctx context.Context, log *zap.Logger, key string, req CheckoutRequest) (*CheckoutResult, error) {
	orderID := orderIDForKey(key)
	items, total, err := e.price(ctx, orderID, req)
	if err != nil {
		return nil, err
	}

	if _, _, err := e.store.UpsertCustomer(ctx, ledger.AsUser(req.CustomerID), req.CustomerID, req.Email, req.Name); err != nil {
		if errors.Is(err, ledger.ErrEmailTaken) {
			return nil, invalid(CodeEmailTaken, "email", "email belongs to another account")
		}
		return nil, fmt.Errorf("upsert customer: %w", err)
	}

	intent, err := e.gateway.CreateIntent(ctx, total, e.cfg.Currency, map[string]string{
		"order_id":    orderID,
		"customer_id": req.CustomerID,
	}, key)
	if err != nil {
		if errors.Is(err, payments.ErrInvalidAmount) {
			return nil, invalid(CodeInvalidAmount, "items", "order total must be positive")
		}
		return nil, err
	}
	log = log.With(zap.String("order_id", orderID), zap.String("intent_id", intent.ID))

	if err := e.guard.AttachIntent(ctx, key, intent.ID); err != nil {
		return nil, e.compensate(ctx, log, key, intent.ID, fmt.Errorf("attach intent: %w", err))
	}

	res := &CheckoutResult{
		OrderID:      orderID,
		ClientSecret: intent.ClientSecret,
		Status:       ledger.StatusPending,
		Amount:       total,
		Currency:     e.cfg.Currency,
	}
	body, err := json.Marshal(res)
	if err != nil {
		return nil, e.compensate(ctx, log, key, intent.ID, fmt.Errorf("encode response: %w", err))
	}

	order := ledger.Order{
		ID:              orderID,
		CustomerID:      ledger.StringPtr(req.CustomerID),
		TotalAmount:     total,
		Currency:        e.cfg.Currency,
		Status:          ledger.StatusPending,
		PaymentIntentID: ledger.StringPtr(intent.ID),
		CheckoutKey:     key,
	}
	completion := &idempotency.Completion{Key: key, ResponseBody: string(body), ResponseStatus: http.StatusCreated}
	if _, err := e.store.InsertOrder(ctx, ledger.AsUser(req.CustomerID), order, items, completion); err != nil {
		if errors.Is(err, ledger.ErrDuplicateIntent) {
			// the intent belongs to a committed order; cancelling it would void that payment
			log.Error("intent already bound to an order", zap.Error(err))
			return nil, &PersistenceError{Err: err}
		}
		return nil, e.compensate(ctx, log, key, intent.ID, err)
	}

	e.count(ctx, MetricOrdersCreated)
	log.Info("order created", zap.Int64("amount", total))
	return res, nil
}

// compensate cancels an intent whose order could not be written. The guard
// record becomes ABANDONED when the cancel succeeds, FAILED otherwise so the
// orphan sweep retries it.
func (e *Engine) compensate(ctx context.Context, log *zap.Logger, key, intentID string, cause error) error {
	log.Error("order not persisted, cancelling intent", zap.Error(cause))
	if err := e.gateway.CancelIntent(ctx, intentID); err != nil {
		log.Error("cancel intent after failed checkout",
			zap.Bool("retryable", isGatewayUnavailable(err)), zap.Error(err))
		if ferr := e.guard.Fail(ctx, key, cause.Error()); ferr != nil {
			log.Warn("mark checkout failed", zap.Error(ferr))
		}
		return &PersistenceError{Err: cause}
	}
	if err := e.guard.Abandon(ctx, key, cause.Error()); err != nil {
		log.Warn("mark checkout abandoned", zap.Error(err))
	}
	return &PersistenceError{Err: cause}
}

func validateCart(req CheckoutRequest) error {
	if req.CustomerID == "" {
		return invalid(CodeMissingUser, "customer_id", "customer is required")
	}
	if req.IdempotencyKey == "" {
		return invalid(CodeMissingKey, "Idempotency-Key", "idempotency key is required")
	}
	if len(req.Lines) == 0 {
		return invalid(CodeEmptyCart, "items", "cart is empty")
	}
	seen := make(map[string]struct{}, len(req.Lines))
	for i, l := range req.Lines {
		if l.Quantity <= 0 {
			return invalid(CodeBadQuantity, fmt.Sprintf("items[%d].quantity", i), "quantity must be positive")
		}
		if _, dup := seen[l.ProductID]; dup {
			return invalid(CodeDuplicateLine, fmt.Sprintf("items[%d].product_id", i), "product appears twice")
		}
		seen[l.ProductID] = struct{}{}
	}
	return nil
}

// price snapshots catalog prices into order items.
func (e *Engine) price(ctx context.Context, orderID string, req CheckoutRequest) ([]ledger.OrderItem, int64, error) {
	ids := make([]string, len(req.Lines))
	for i, l := range req.Lines {
		ids[i] = l.ProductID
	}
	products, err := e.catalog.Products(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("load products: %w", err)
	}

	var total int64
	items := make([]ledger.OrderItem, 0, len(req.Lines))
	for i, l := range req.Lines {
		p, ok := products[l.ProductID]
		if !ok || p.Price <= 0 {
			return nil, 0, invalid(CodeUnknownProduct, fmt.Sprintf("items[%d].product_id", i), "product "+l.ProductID+" is not for sale")
		}
		items = append(items, ledger.OrderItem{
			ID:          e.newID(),
			OrderID:     orderID,
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    l.Quantity,
			UnitPrice:   p.Price,
		})
		total += int64(l.Quantity) * p.Price
	}
	if req.ExpectedAmount != nil && *req.ExpectedAmount != total {
		return nil, 0, invalid(CodePriceChanged, "expected_amount",
			fmt.Sprintf("prices changed, new total is %s", ledger.FormatMinor(total, e.cfg.Currency)))
	}
	return items, total, nil
}
