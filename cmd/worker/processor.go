package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/notify"
)

// Processor delivers queued notifications. SQS delivers at least once, so each
// dedup key is claimed in the idempotency table before sending.
type Processor struct {
	guard     idempotency.Guard
	deliverer notify.Deliverer
	log       *zap.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(guard idempotency.Guard, deliverer notify.Deliverer, log *zap.Logger) *Processor {
	return &Processor{guard: guard, deliverer: deliverer, log: log}
}

// Handle processes an SQS batch and reports the messages to redeliver.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			p.log.Warn("notification not delivered", zap.String("message_id", rec.MessageId), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg notify.Message
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.DedupKey == "" || msg.Recipient == "" {
		return fmt.Errorf("message %s has no dedup key or recipient", rec.MessageId)
	}
	log := p.log.With(zap.String("dedup_key", msg.DedupKey), zap.String("template_id", msg.TemplateID))

	key := idempotency.NotifyKey(msg.DedupKey)
	out, err := p.guard.Acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire %s: %w", key, err)
	}
	switch out.State {
	case idempotency.Completed:
		log.Info("notification already delivered")
		return nil
	case idempotency.InProgress:
		return fmt.Errorf("delivery of %s in progress elsewhere", key)
	}

	if err := p.deliverer.Deliver(ctx, msg); err != nil {
		if ferr := p.guard.Fail(ctx, key, err.Error()); ferr != nil {
			log.Warn("mark delivery failed", zap.Error(ferr))
		}
		return fmt.Errorf("deliver: %w", err)
	}
	if err := p.guard.Complete(ctx, key, msg.Recipient, http.StatusOK); err != nil {
		// delivered; a redelivery would send a second copy
		log.Error("mark delivery done", zap.Error(err))
	}
	log.Info("notification delivered")
	return nil
}
