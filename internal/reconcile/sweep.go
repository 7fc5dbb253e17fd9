package reconcile

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
)

// SweepReport counts what a sweep did.
type SweepReport struct {
	Stale       int `json:"stale"`
	Completed   int `json:"completed"`
	Cancelled   int `json:"cancelled"`
	Left        int `json:"left"`
	Review      int `json:"review"`
	Orphans     int `json:"orphans"`
	NeedsRefund int `json:"needs_refund"`
	Errors      int `json:"errors"`
}

// Sweep resolves pending orders older than the configured window from their
// intent status, then cancels intents whose checkout never produced an order.
func (e *Engine) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	cutoff := e.nowFunc().Add(-e.cfg.PendingAfter)

	stale, err := e.store.ListStalePending(ctx, ledger.AsSystem(), cutoff, e.cfg.SweepBatch)
	if err != nil {
		return rep, fmt.Errorf("list stale orders: %w", err)
	}
	rep.Stale = len(stale)
	for _, o := range stale {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		e.sweepOrder(ctx, o, &rep)
	}

	orphans, err := e.guard.ListOrphans(ctx, cutoff, e.cfg.SweepBatch)
	if err != nil {
		return rep, fmt.Errorf("list orphaned intents: %w", err)
	}
	for _, r := range orphans {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		log := e.log.With(zap.String("idempotency_key", r.IdempotencyKey), zap.String("intent_id", r.IntentID))
		st, err := e.gateway.GetIntentStatus(ctx, r.IntentID)
		if err != nil {
			log.Warn("orphan intent status", zap.Error(err))
			rep.Errors++
			continue
		}
		rep.Orphans++
		e.count(ctx, MetricOrphanIntents)
		note := "orphaned intent cancelled"
		switch st {
		case payments.IntentSucceeded:
			log.Error("orphaned intent was paid without an order, refund required")
			rep.NeedsRefund++
			e.count(ctx, MetricRefundRequired)
			note = "orphaned intent succeeded: refund required"
		case payments.IntentCanceled:
		default:
			if err := e.gateway.CancelIntent(ctx, r.IntentID); err != nil {
				log.Warn("cancel orphan intent", zap.Error(err))
				rep.Errors++
				continue
			}
		}
		if err := e.guard.Abandon(ctx, r.IdempotencyKey, note); err != nil {
			log.Warn("abandon orphan checkout", zap.Error(err))
			rep.Errors++
		}
	}

	e.log.Info("sweep finished",
		zap.Int("stale", rep.Stale),
		zap.Int("completed", rep.Completed),
		zap.Int("cancelled", rep.Cancelled),
		zap.Int("review", rep.Review),
		zap.Int("orphans", rep.Orphans),
		zap.Int("errors", rep.Errors))
	return rep, nil
}

func (e *Engine) sweepOrder(ctx context.Context, o ledger.Order, rep *SweepReport) {
	log := e.log.With(zap.String("order_id", o.ID))
	if o.PaymentIntentID == nil {
		log.Warn("pending order has no intent")
		rep.Errors++
		return
	}
	intentID := *o.PaymentIntentID
	log = log.With(zap.String("intent_id", intentID))

	st, err := e.gateway.GetIntentStatus(ctx, intentID)
	if err != nil {
		log.Warn("intent status", zap.Error(err))
		rep.Errors++
		return
	}

	tr, ok := intentTransitions[st]
	switch {
	case ok:
	case st == payments.IntentProcessing || st == payments.IntentRequiresCapture:
		rep.Left++
		return
	case e.cfg.SweepMode == SweepModeReview:
		log.Warn("pending order needs manual review", zap.String("intent_status", string(st)))
		rep.Review++
		return
	default:
		if err := e.gateway.CancelIntent(ctx, intentID); err != nil {
			log.Warn("cancel stale intent", zap.Error(err))
			rep.Errors++
			return
		}
		tr = eventTransitions[payments.EventIntentCanceled]
		e.count(ctx, MetricSweepCancelled)
	}

	order, err := e.apply(ctx, intentID, tr, nil)
	if err != nil {
		log.Warn("sweep transition", zap.Error(err))
		rep.Errors++
		return
	}
	if order == nil {
		return
	}
	if tr.to == ledger.StatusCompleted {
		rep.Completed++
	} else {
		rep.Cancelled++
	}
}
