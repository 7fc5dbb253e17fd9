package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// EventDispatcher publishes notifications to an order events topic, keyed by
// order id so events of one order stay on one partition.
type EventDispatcher struct {
	w messageWriter
}

func NewEventDispatcher(brokers []string, topic string) *EventDispatcher {
	return &EventDispatcher{
		w: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			MaxAttempts:  5,
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  5 * time.Second,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (d *EventDispatcher) Close() error { return d.w.Close() }

func (d *EventDispatcher) Dispatch(ctx context.Context, msg Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := msg.Payload.OrderID
	if key == "" {
		key = msg.DedupKey
	}
	err = d.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: b,
		Headers: []kafka.Header{
			{Key: "template_id", Value: []byte(msg.TemplateID)},
		},
	})
	if err != nil {
		return fmt.Errorf("write order event: %w", err)
	}
	return nil
}
