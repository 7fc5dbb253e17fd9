package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConditionFailed indicates the record was not in the state the call requires.
	ErrConditionFailed = errors.New("conditional check failed")
	ErrNotFound        = errors.New("idempotency record not found")
)

// Guard serializes effects per key. DynamoDB and SQL backends implement it.
type Guard interface {
	// Acquire claims key. A new key, or one whose previous attempt FAILED, is
	// Granted to exactly one concurrent caller.
	Acquire(ctx context.Context, key string) (Outcome, error)
	Get(ctx context.Context, key string) (*Record, error)
	// AttachIntent records the payment intent created under a checkout key.
	AttachIntent(ctx context.Context, key, intentID string) error
	Complete(ctx context.Context, key, responseBody string, responseStatus int) error
	Fail(ctx context.Context, key, note string) error
	Abandon(ctx context.Context, key, note string) error
	// ListOrphans returns checkout records that bound an intent but never reached
	// DONE or ABANDONED, created before olderThan.
	ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]Record, error)
}

// TTL is the default retention window of idempotency records.
const TTL = 48 * time.Hour
