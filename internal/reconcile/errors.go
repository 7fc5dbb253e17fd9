package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrCheckoutInProgress means another request holds the same checkout key.
	ErrCheckoutInProgress = errors.New("checkout with this idempotency key is in progress")
	// ErrCheckoutAbandoned means the key's earlier attempt was rolled back and
	// cannot be replayed. The client must use a new key.
	ErrCheckoutAbandoned = errors.New("checkout with this idempotency key was abandoned")
)

// Validation error codes
const (
	CodeEmptyCart      = "empty_cart"
	CodeBadQuantity    = "invalid_quantity"
	CodeDuplicateLine  = "duplicate_line"
	CodeUnknownProduct = "unknown_product"
	CodePriceChanged   = "price_changed"
	CodeMissingKey     = "missing_idempotency_key"
	CodeMissingUser    = "missing_customer"
	CodeEmailTaken     = "email_taken"
	CodeInvalidAmount  = "invalid_amount"
)

// ValidationError is a client error that retrying cannot fix.
type ValidationError struct {
	Code  string
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Msg, e.Field)
	}
	return e.Code + ": " + e.Msg
}

func invalid(code, field, msg string) *ValidationError {
	return &ValidationError{Code: code, Field: field, Msg: msg}
}

// PersistenceError wraps a ledger failure after a payment intent was created.
// The intent has been cancelled or will be found by the orphan sweep.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string { return "persist order: " + e.Err.Error() }

func (e *PersistenceError) Unwrap() error { return e.Err }
