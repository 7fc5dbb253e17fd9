package idempotency

import (
	"strings"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
	// StatusAbandoned marks a checkout whose side effects were rolled back. It is
	// terminal: retries with the same key are refused.
	StatusAbandoned = "ABANDONED"
)

// Key scopes
const (
	ScopeCheckout = "checkout"
	ScopeWebhook  = "webhook"
	ScopeNotify   = "notify"
)

// Record is the shape persisted in the idempotency table.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Scope          string    `dynamodbav:"scope"`
	Status         string    `dynamodbav:"status"`
	IntentID       string    `dynamodbav:"intent_id,omitempty"` // checkout only
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"`
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// State is the result of Acquire.
type State int

const (
	// Granted means the caller owns the key and must Complete, Fail or Abandon it.
	Granted State = iota + 1
	// InProgress means another caller owns the key.
	InProgress
	// Completed means the key reached DONE or ABANDONED; Record holds the result.
	Completed
)

func (s State) String() string {
	switch s {
	case Granted:
		return "granted"
	case InProgress:
		return "in_progress"
	case Completed:
		return "completed"
	}
	return "unknown"
}

// Outcome is returned by Acquire.
type Outcome struct {
	State  State
	Record *Record
}

// Completion is the DONE transition of a record, applied by a ledger store in
// the same transaction as the effect it guards.
type Completion struct {
	Key            string
	ResponseBody   string
	ResponseStatus int
}

// CheckoutKey scopes a client supplied Idempotency-Key to its customer.
func CheckoutKey(customerID, clientKey string) string {
	return ScopeCheckout + ":" + customerID + ":" + clientKey
}

// WebhookKey is the key guarding a processor event.
func WebhookKey(eventID string) string { return ScopeWebhook + ":" + eventID }

// NotifyKey is the key guarding a notification delivery.
func NotifyKey(dedupKey string) string { return ScopeNotify + ":" + dedupKey }

// ScopeOf returns the scope prefix of key.
func ScopeOf(key string) string {
	scope, _, _ := strings.Cut(key, ":")
	return scope
}
