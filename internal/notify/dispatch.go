package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Publisher is the queue the worker consumes. aws.Publisher implements it.
type Publisher interface {
	Send(ctx context.Context, messageBody string, attributes map[string]string) error
}

// QueueDispatcher enqueues messages for cmd/worker.
type QueueDispatcher struct {
	pub Publisher
}

func NewQueueDispatcher(pub Publisher) *QueueDispatcher {
	return &QueueDispatcher{pub: pub}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return d.pub.Send(ctx, string(body), map[string]string{
		"template_id": msg.TemplateID,
		"dedup_key":   msg.DedupKey,
		"order_id":    msg.Payload.OrderID,
	})
}

// DirectDispatcher delivers in the caller's goroutine. Used when no queue is
// configured.
type DirectDispatcher struct {
	Deliverer Deliverer
}

func (d DirectDispatcher) Dispatch(ctx context.Context, msg Message) error {
	return d.Deliverer.Deliver(ctx, msg)
}

// Fanout dispatches to every target and joins the errors.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DetachedDispatcher runs Next in the caller's goroutine on a context that
// ignores the caller's cancellation and is bounded by Timeout. It returns only
// after Next does, so a Lambda or CLI that exits after its handler returns has
// already handed the message off.
type DetachedDispatcher struct {
	Next    Dispatcher
	Timeout time.Duration
}

func (d *DetachedDispatcher) Dispatch(ctx context.Context, msg Message) error {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := d.Next.Dispatch(cctx, msg); err != nil {
		return fmt.Errorf("dispatch %s: %w", msg.TemplateID, err)
	}
	return nil
}
