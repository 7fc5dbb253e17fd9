package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"
)

// intentAPI is the subset of the Stripe payment intent client used here.
type intentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Cancel(id string, params *stripe.PaymentIntentCancelParams) (*stripe.PaymentIntent, error)
}

// StripeGateway implements Gateway with stripe-go.
type StripeGateway struct {
	intents   intentAPI
	tolerance time.Duration
}

var _ Gateway = (*StripeGateway)(nil)

// NewStripeGateway builds a gateway from a secret API key.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{
		intents:   client.New(secretKey, nil).PaymentIntents,
		tolerance: webhook.DefaultTolerance,
	}
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string, idempotencyKey string) (*IntentHandle, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if err := ValidateMetadata(metadata); err != nil {
		return nil, err
	}
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.intents.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", classify(err))
	}
	return &IntentHandle{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       pi.Amount,
		Currency:     string(pi.Currency),
		Status:       IntentStatus(pi.Status),
	}, nil
}

func (g *StripeGateway) VerifyWebhook(rawBody []byte, sigHeader, secret string) (*Event, error) {
	evt, err := webhook.ConstructEventWithOptions(rawBody, sigHeader, secret, webhook.ConstructEventOptions{
		Tolerance:                g.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrNoValidSignature),
			errors.Is(err, webhook.ErrTooOld):
			return nil, fmt.Errorf("%v: %w", err, ErrSignatureInvalid)
		}
		return nil, fmt.Errorf("parse event: %v: %w", err, ErrInvalidRequest)
	}

	out := &Event{ID: evt.ID, RawType: string(evt.Type)}
	switch EventType(evt.Type) {
	case EventIntentSucceeded, EventIntentFailed, EventIntentCanceled:
		out.Type = EventType(evt.Type)
	default:
		out.Type = EventIgnored
		return out, nil
	}
	if evt.Data == nil {
		return nil, fmt.Errorf("event %s has no data: %w", evt.ID, ErrInvalidRequest)
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
		return nil, fmt.Errorf("decode payment intent: %v: %w", err, ErrInvalidRequest)
	}
	out.IntentID = pi.ID
	out.Amount = pi.Amount
	out.Currency = string(pi.Currency)
	out.Metadata = pi.Metadata
	if pi.LastPaymentError != nil {
		out.FailureMessage = pi.LastPaymentError.Msg
	}
	return out, nil
}

func (g *StripeGateway) GetIntentStatus(ctx context.Context, intentID string) (IntentStatus, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	pi, err := g.intents.Get(intentID, params)
	if err != nil {
		return "", fmt.Errorf("get payment intent %s: %w", intentID, classify(err))
	}
	return IntentStatus(pi.Status), nil
}

// CancelIntent cancels intentID. Cancelling an already canceled intent succeeds.
func (g *StripeGateway) CancelIntent(ctx context.Context, intentID string) error {
	params := &stripe.PaymentIntentCancelParams{}
	params.Context = ctx
	_, err := g.intents.Cancel(intentID, params)
	if err == nil {
		return nil
	}
	var se *stripe.Error
	if errors.As(err, &se) && se.PaymentIntent != nil && se.PaymentIntent.Status == stripe.PaymentIntentStatusCanceled {
		return nil
	}
	return fmt.Errorf("cancel payment intent %s: %w", intentID, classify(err))
}

// classify maps a stripe-go error onto the package sentinels.
func classify(err error) error {
	var se *stripe.Error
	if !errors.As(err, &se) {
		return fmt.Errorf("%v: %w", err, ErrGatewayUnavailable)
	}
	if se.HTTPStatusCode >= http.StatusInternalServerError || se.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%s: %w", se.Msg, ErrGatewayUnavailable)
	}
	switch se.Type {
	case stripe.ErrorTypeInvalidRequest, stripe.ErrorTypeCard, stripe.ErrorTypeIdempotency:
		return fmt.Errorf("%s: %w", se.Msg, ErrInvalidRequest)
	}
	if se.HTTPStatusCode == 0 {
		return fmt.Errorf("%s: %w", se.Msg, ErrGatewayUnavailable)
	}
	return fmt.Errorf("%s: %w", se.Msg, ErrInvalidRequest)
}
