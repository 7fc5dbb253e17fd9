// Package reconcile drives orders from checkout to a terminal state. Gateway
// events, the sweep and checkout all go through the ledger's conditional writes;
// the engine never decides a transition from a prior read.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/notify"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
)

// Metric names
const (
	MetricOrdersCreated        = "OrdersCreated"
	MetricOrdersCompleted      = "OrdersCompleted"
	MetricOrdersCancelled      = "OrdersCancelled"
	MetricWebhookDuplicates    = "WebhookDuplicates"
	MetricNotificationFailures = "NotificationFailures"
	MetricSweepCancelled       = "SweepCancelled"
	MetricOrphanIntents        = "OrphanIntents"
	MetricRefundRequired       = "RefundRequired"
)

// Sweep modes for stale orders whose intent never progressed.
const (
	SweepModeCancel = "cancel"
	SweepModeReview = "review"
)

// Counter records metrics. aws.Metrics implements it.
type Counter interface {
	Count(ctx context.Context, name string, value float64) error
}

type Config struct {
	Currency     string
	PendingAfter time.Duration
	SweepMode    string
	SweepBatch   int
}

// Deps are the engine's collaborators. Metrics and Dispatcher may be nil.
type Deps struct {
	Store      ledger.Store
	Guard      idempotency.Guard
	Gateway    payments.Gateway
	Catalog    catalog.Reader
	Dispatcher notify.Dispatcher
	Metrics    Counter
	Logger     *zap.Logger
}

type Engine struct {
	store      ledger.Store
	guard      idempotency.Guard
	gateway    payments.Gateway
	catalog    catalog.Reader
	dispatcher notify.Dispatcher
	metrics    Counter
	log        *zap.Logger
	cfg        Config
	nowFunc    func() time.Time
	newID      func() string
}

func New(d Deps, cfg Config) *Engine {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.PendingAfter <= 0 {
		cfg.PendingAfter = time.Hour
	}
	if cfg.SweepMode == "" {
		cfg.SweepMode = SweepModeCancel
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:      d.Store,
		guard:      d.Guard,
		gateway:    d.Gateway,
		catalog:    d.Catalog,
		dispatcher: d.Dispatcher,
		metrics:    d.Metrics,
		log:        log,
		cfg:        cfg,
		nowFunc:    time.Now,
		newID:      uuid.NewString,
	}
}

// transition is one row of the state machine.
type transition struct {
	from   ledger.Status
	to     ledger.Status
	metric string
	notify bool
}

var eventTransitions = map[payments.EventType]transition{
	payments.EventIntentSucceeded: {ledger.StatusPending, ledger.StatusCompleted, MetricOrdersCompleted, true},
	payments.EventIntentFailed:    {ledger.StatusPending, ledger.StatusCancelled, MetricOrdersCancelled, false},
	payments.EventIntentCanceled:  {ledger.StatusPending, ledger.StatusCancelled, MetricOrdersCancelled, false},
}

// intentTransitions maps an intent status found by the sweep onto the same rows.
var intentTransitions = map[payments.IntentStatus]transition{
	payments.IntentSucceeded: eventTransitions[payments.EventIntentSucceeded],
	payments.IntentCanceled:  eventTransitions[payments.EventIntentCanceled],
}

// apply runs tr for the order bound to intentID. A nil order with a nil error
// means the order had already left tr.from.
func (e *Engine) apply(ctx context.Context, intentID string, tr transition, completion *idempotency.Completion) (*ledger.Order, error) {
	order, err := e.store.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), intentID, tr.from, tr.to, completion)
	if err != nil || order == nil {
		return nil, err
	}
	e.count(ctx, tr.metric)
	e.log.Info("order transitioned",
		zap.String("order_id", order.ID),
		zap.String("intent_id", intentID),
		zap.String("from", string(tr.from)),
		zap.String("to", string(tr.to)))
	if tr.notify {
		e.notifyCompleted(ctx, order.ID)
	}
	return order, nil
}

// notifyCompleted sends the confirmation. Failures are logged and counted only.
func (e *Engine) notifyCompleted(ctx context.Context, orderID string) {
	if e.dispatcher == nil {
		return
	}
	g, err := e.store.GetOrderGraph(ctx, ledger.AsSystem(), orderID)
	if err != nil {
		e.log.Warn("load order for notification", zap.String("order_id", orderID), zap.Error(err))
		e.count(ctx, MetricNotificationFailures)
		return
	}
	msg, ok := notify.OrderConfirmation(g)
	if !ok {
		e.log.Warn("order has no customer to notify", zap.String("order_id", orderID))
		return
	}
	if err := e.dispatcher.Dispatch(ctx, msg); err != nil {
		e.log.Warn("dispatch order confirmation", zap.String("order_id", orderID), zap.Error(err))
		e.count(ctx, MetricNotificationFailures)
	}
}

func (e *Engine) count(ctx context.Context, name string) {
	if e.metrics == nil {
		return
	}
	if err := e.metrics.Count(ctx, name, 1); err != nil {
		e.log.Debug("metric not recorded", zap.String("metric", name), zap.Error(err))
	}
}

func isGatewayUnavailable(err error) bool { return errors.Is(err, payments.ErrGatewayUnavailable) }
