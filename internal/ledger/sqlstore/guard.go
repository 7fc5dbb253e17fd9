package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
)

// Guard implements idempotency.Guard on the idempotency_records table. The
// primary key on idempotency_key decides which caller is granted.
type Guard struct {
	db        *gorm.DB
	ttlWindow time.Duration
	nowFunc   func() time.Time
}

var _ idempotency.Guard = (*Guard)(nil)

func NewGuard(db *gorm.DB, ttlWindow time.Duration) *Guard {
	if ttlWindow <= 0 {
		ttlWindow = idempotency.TTL
	}
	return &Guard{db: db, ttlWindow: ttlWindow, nowFunc: time.Now}
}

func (g *Guard) Acquire(ctx context.Context, key string) (idempotency.Outcome, error) {
	now := g.nowFunc().UTC()
	row := idempotencyRow{
		Key:       key,
		Scope:     idempotency.ScopeOf(key),
		Status:    idempotency.StatusInProgress,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(g.ttlWindow).Unix(),
	}
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if res.Error != nil {
		return idempotency.Outcome{}, fmt.Errorf("insert idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return idempotency.Outcome{State: idempotency.Granted, Record: row.toRecord()}, nil
	}

	existing, err := g.Get(ctx, key)
	if err != nil {
		return idempotency.Outcome{}, err
	}
	if existing == nil {
		return idempotency.Outcome{State: idempotency.InProgress}, nil
	}
	switch existing.Status {
	case idempotency.StatusDone, idempotency.StatusAbandoned:
		return idempotency.Outcome{State: idempotency.Completed, Record: existing}, nil
	case idempotency.StatusFailed:
		res := g.db.WithContext(ctx).Model(&idempotencyRow{}).
			Where("idempotency_key = ? AND status = ?", key, idempotency.StatusFailed).
			Updates(map[string]any{
				"status":     idempotency.StatusInProgress,
				"updated_at": now,
				"expires_at": now.Add(g.ttlWindow).Unix(),
			})
		if res.Error != nil {
			return idempotency.Outcome{}, fmt.Errorf("retake idempotency record: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return idempotency.Outcome{State: idempotency.InProgress, Record: existing}, nil
		}
		existing.Status = idempotency.StatusInProgress
		existing.UpdatedAt = now
		return idempotency.Outcome{State: idempotency.Granted, Record: existing}, nil
	default:
		return idempotency.Outcome{State: idempotency.InProgress, Record: existing}, nil
	}
}

func (g *Guard) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	var row idempotencyRow
	err := g.db.WithContext(ctx).First(&row, "idempotency_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	return row.toRecord(), nil
}

func (g *Guard) AttachIntent(ctx context.Context, key, intentID string) error {
	return g.transition(ctx, key, []string{idempotency.StatusInProgress}, map[string]any{"intent_id": intentID})
}

func (g *Guard) Complete(ctx context.Context, key, responseBody string, responseStatus int) error {
	return g.transition(ctx, key, []string{idempotency.StatusInProgress}, map[string]any{
		"status":          idempotency.StatusDone,
		"response_body":   responseBody,
		"response_status": responseStatus,
	})
}

func (g *Guard) Fail(ctx context.Context, key, note string) error {
	return g.transition(ctx, key, []string{idempotency.StatusInProgress}, map[string]any{
		"status": idempotency.StatusFailed,
		"note":   note,
	})
}

func (g *Guard) Abandon(ctx context.Context, key, note string) error {
	return g.transition(ctx, key, []string{idempotency.StatusInProgress, idempotency.StatusFailed, idempotency.StatusAbandoned}, map[string]any{
		"status": idempotency.StatusAbandoned,
		"note":   note,
	})
}

func (g *Guard) ListOrphans(ctx context.Context, olderThan time.Time, limit int) ([]idempotency.Record, error) {
	q := g.db.WithContext(ctx).
		Where("status IN ? AND intent_id <> '' AND created_at < ?",
			[]string{idempotency.StatusInProgress, idempotency.StatusFailed}, olderThan.UTC()).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []idempotencyRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list orphans: %w", err)
	}
	out := make([]idempotency.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, *r.toRecord())
	}
	return out, nil
}

func (g *Guard) transition(ctx context.Context, key string, from []string, set map[string]any) error {
	set["updated_at"] = g.nowFunc().UTC()
	res := g.db.WithContext(ctx).Model(&idempotencyRow{}).
		Where("idempotency_key = ? AND status IN ?", key, from).
		Updates(set)
	if res.Error != nil {
		return fmt.Errorf("update idempotency record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return idempotency.ErrConditionFailed
	}
	return nil
}
