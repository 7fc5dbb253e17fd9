// Package paymentstest provides an in-memory payments.Gateway for tests.
package paymentstest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
)

// Gateway records intents in memory. Intents created with the same idempotency
// key are returned unchanged, like the real processor, and a reused key with
// different parameters is rejected.
type Gateway struct {
	mu       sync.Mutex
	seq      int
	byKey    map[string]*payments.IntentHandle
	Intents  map[string]*payments.IntentHandle
	Metadata map[string]map[string]string
	Canceled []string

	CreateErr error
	// CreateLostErr is returned after the intent is recorded, as when the
	// response to a successful create never arrives.
	CreateLostErr error
	CancelErr     error
	StatusErr     error
}

var _ payments.Gateway = (*Gateway)(nil)

func New() *Gateway {
	return &Gateway{
		byKey:    map[string]*payments.IntentHandle{},
		Intents:  map[string]*payments.IntentHandle{},
		Metadata: map[string]map[string]string{},
	}
}

func (g *Gateway) CreateIntent(ctx context.Context, amount int64, currency string, metadata map[string]string, idempotencyKey string) (*payments.IntentHandle, error) {
	if amount <= 0 {
		return nil, payments.ErrInvalidAmount
	}
	if err := payments.ValidateMetadata(metadata); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CreateErr != nil {
		return nil, g.CreateErr
	}
	if h, ok := g.byKey[idempotencyKey]; ok && idempotencyKey != "" {
		if h.Amount != amount || h.Currency != currency || !sameMetadata(g.Metadata[h.ID], metadata) {
			return nil, fmt.Errorf("keys for idempotent requests can only be used with the same parameters: %w", payments.ErrInvalidRequest)
		}
		cp := *h
		return &cp, nil
	}
	g.seq++
	h := &payments.IntentHandle{
		ID:           fmt.Sprintf("pi_%d", g.seq),
		ClientSecret: fmt.Sprintf("pi_%d_secret", g.seq),
		Amount:       amount,
		Currency:     currency,
		Status:       payments.IntentRequiresPaymentMethod,
	}
	g.Intents[h.ID] = h
	g.Metadata[h.ID] = metadata
	if idempotencyKey != "" {
		g.byKey[idempotencyKey] = h
	}
	if g.CreateLostErr != nil {
		return nil, g.CreateLostErr
	}
	cp := *h
	return &cp, nil
}

func sameMetadata(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// SetStatus moves an intent to st.
func (g *Gateway) SetStatus(intentID string, st payments.IntentStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if h, ok := g.Intents[intentID]; ok {
		h.Status = st
	}
}

func (g *Gateway) GetIntentStatus(ctx context.Context, intentID string) (payments.IntentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.StatusErr != nil {
		return "", g.StatusErr
	}
	h, ok := g.Intents[intentID]
	if !ok {
		return "", fmt.Errorf("no such intent %s: %w", intentID, payments.ErrInvalidRequest)
	}
	return h.Status, nil
}

func (g *Gateway) CancelIntent(ctx context.Context, intentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return g.CancelErr
	}
	g.Canceled = append(g.Canceled, intentID)
	if h, ok := g.Intents[intentID]; ok {
		h.Status = payments.IntentCanceled
	}
	return nil
}

// Envelope is the body VerifyWebhook accepts.
type Envelope struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	IntentID string            `json:"intent_id"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Sign returns the header VerifyWebhook expects for body.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks an HMAC of the raw body, then decodes an Envelope.
func (g *Gateway) VerifyWebhook(rawBody []byte, sigHeader, secret string) (*payments.Event, error) {
	if !hmac.Equal([]byte(Sign(rawBody, secret)), []byte(sigHeader)) {
		return nil, payments.ErrSignatureInvalid
	}
	var env Envelope
	if err := json.Unmarshal(rawBody, &env); err != nil {
		return nil, fmt.Errorf("%v: %w", err, payments.ErrInvalidRequest)
	}
	evt := &payments.Event{
		ID:       env.ID,
		RawType:  env.Type,
		IntentID: env.IntentID,
		Amount:   env.Amount,
		Metadata: env.Metadata,
	}
	switch t := payments.EventType(env.Type); t {
	case payments.EventIntentSucceeded, payments.EventIntentFailed, payments.EventIntentCanceled:
		evt.Type = t
	default:
		evt.Type = payments.EventIgnored
	}
	return evt, nil
}
