// Package payments wraps the payment processor: intent creation, webhook
// verification and the status queries the sweep relies on.
package payments

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts. Not retryable.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidRequest covers malformed metadata and requests the processor rejects.
	ErrInvalidRequest = errors.New("invalid payment request")
	// ErrGatewayUnavailable is a network, 5xx or rate-limit failure. Retryable.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrSignatureInvalid is returned when a webhook body does not carry a valid signature.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
)

// Processor metadata limits
const (
	MaxMetadataKeys     = 50
	MaxMetadataKeyLen   = 40
	MaxMetadataValueLen = 500
)

// IntentStatus mirrors the processor's payment intent statuses.
type IntentStatus string

const (
	IntentRequiresPaymentMethod IntentStatus = "requires_payment_method"
	IntentRequiresConfirmation  IntentStatus = "requires_confirmation"
	IntentRequiresAction        IntentStatus = "requires_action"
	IntentProcessing            IntentStatus = "processing"
	IntentRequiresCapture       IntentStatus = "requires_capture"
	IntentCanceled              IntentStatus = "canceled"
	IntentSucceeded             IntentStatus = "succeeded"
)

// EventType is a normalized webhook event type.
type EventType string

const (
	EventIntentSucceeded EventType = "payment_intent.succeeded"
	EventIntentFailed    EventType = "payment_intent.payment_failed"
	EventIntentCanceled  EventType = "payment_intent.canceled"
	// EventIgnored is any event the reconciler does not act on.
	EventIgnored EventType = "ignored"
)

// IntentHandle is what checkout hands back to the client.
type IntentHandle struct {
	ID           string
	ClientSecret string
	Amount       int64
	Currency     string
	Status       IntentStatus
}

// Event is a verified webhook event.
type Event struct {
	ID       string
	Type     EventType
	RawType  string
	IntentID string
	Amount   int64
	Currency string
	Metadata map[string]string
	// FailureMessage is set for payment_failed events.
	FailureMessage string
}

// Gateway is the payment processor as seen by the reconciler.
type Gateway interface {
	// CreateIntent creates a payment intent. idempotencyKey is forwarded so a
	// retried call returns the same intent.
	CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string, idempotencyKey string) (*IntentHandle, error)
	// VerifyWebhook authenticates rawBody against sigHeader before parsing it.
	VerifyWebhook(rawBody []byte, sigHeader, secret string) (*Event, error)
	GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error)
	CancelIntent(ctx context.Context, intentID string) error
}

// ValidateMetadata enforces the processor's metadata limits.
func ValidateMetadata(md map[string]string) error {
	if len(md) > MaxMetadataKeys {
		return fmt.Errorf("%d metadata keys (max %d): %w", len(md), MaxMetadataKeys, ErrInvalidRequest)
	}
	for k, v := range md {
		if k == "" || len(k) > MaxMetadataKeyLen {
			return fmt.Errorf("metadata key %q: %w", k, ErrInvalidRequest)
		}
		if len(v) > MaxMetadataValueLen {
			return fmt.Errorf("metadata value for %q too long: %w", k, ErrInvalidRequest)
		}
	}
	return nil
}

// IsRetryable reports whether err is worth retrying later.
func IsRetryable(err error) bool { return errors.Is(err, ErrGatewayUnavailable) }
