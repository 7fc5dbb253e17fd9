package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
)

// Result is what HandleEvent did with an event. Every result is a success for
// the processor.
type Result string

const (
	ResultApplied      Result = "applied"
	ResultNoOp         Result = "noop"
	ResultDuplicate    Result = "duplicate"
	ResultIgnored      Result = "ignored"
	ResultOrderMissing Result = "order_missing"
	// ResultRefundRequired means the intent was paid after its order was
	// cancelled.
	ResultRefundRequired Result = "refund_required"
)

// HandleEvent applies a verified gateway event. An error means the event
// should be redelivered.
func (e *Engine) HandleEvent(ctx context.Context, evt *payments.Event) (Result, error) {
	key := idempotency.WebhookKey(evt.ID)
	log := e.log.With(zap.String("event_id", evt.ID), zap.String("event_type", evt.RawType), zap.String("intent_id", evt.IntentID))

	out, err := e.guard.Acquire(ctx, key)
	if err != nil {
		return "", fmt.Errorf("acquire event key: %w", err)
	}
	if out.State != idempotency.Granted {
		e.count(ctx, MetricWebhookDuplicates)
		log.Info("duplicate event", zap.String("state", out.State.String()))
		return ResultDuplicate, nil
	}

	tr, ok := eventTransitions[evt.Type]
	if !ok {
		e.finish(ctx, log, key, ResultIgnored)
		return ResultIgnored, nil
	}

	completion := &idempotency.Completion{Key: key, ResponseBody: string(ResultApplied), ResponseStatus: http.StatusOK}
	order, err := e.apply(ctx, evt.IntentID, tr, completion)
	switch {
	case errors.Is(err, ledger.ErrOrderNotFound):
		log.Warn("no order for intent, dropping event")
		e.finish(ctx, log, key, ResultOrderMissing)
		return ResultOrderMissing, nil
	case err != nil:
		if ferr := e.guard.Fail(ctx, key, err.Error()); ferr != nil {
			log.Warn("mark event failed", zap.Error(ferr))
		}
		return "", fmt.Errorf("apply %s: %w", evt.Type, err)
	case order == nil:
		if evt.Type == payments.EventIntentSucceeded && e.paidAfterCancel(ctx, evt) {
			log.Error("payment succeeded for a cancelled order, refund required",
				zap.String("order_id", evt.Metadata["order_id"]))
			e.count(ctx, MetricRefundRequired)
			e.finish(ctx, log, key, ResultRefundRequired)
			return ResultRefundRequired, nil
		}
		log.Info("order already left pending")
		e.finish(ctx, log, key, ResultNoOp)
		return ResultNoOp, nil
	}
	return ResultApplied, nil
}

// paidAfterCancel reports whether the order named in the intent metadata is
// cancelled. Events without an order id report false.
func (e *Engine) paidAfterCancel(ctx context.Context, evt *payments.Event) bool {
	orderID := evt.Metadata["order_id"]
	if orderID == "" {
		return false
	}
	g, err := e.store.GetOrderGraph(ctx, ledger.AsSystem(), orderID)
	if err != nil {
		e.log.Warn("load order for paid event", zap.String("order_id", orderID), zap.Error(err))
		return false
	}
	if g.Order.PaymentIntentID == nil || *g.Order.PaymentIntentID != evt.IntentID {
		return false
	}
	return g.Order.Status == ledger.StatusCancelled
}

// finish completes a webhook key whose event changed nothing.
func (e *Engine) finish(ctx context.Context, log *zap.Logger, key string, r Result) {
	if err := e.guard.Complete(ctx, key, string(r), http.StatusOK); err != nil {
		log.Warn("complete event key", zap.Error(err))
	}
}
