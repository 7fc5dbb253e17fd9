package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
)

// Store implements ledger.Store with gorm.
type Store struct {
	db      *gorm.DB
	nowFunc func() time.Time
}

var _ ledger.Store = (*Store)(nil)

func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

func (s *Store) InsertOrder(ctx context.Context, p ledger.Principal, order ledger.Order, items []ledger.OrderItem, completion *idempotency.Completion) (*ledger.Order, error) {
	if !p.CanInsert(order) {
		return nil, ledger.ErrForbidden
	}
	if err := ledger.Validate(order, items); err != nil {
		return nil, err
	}

	now := s.nowFunc().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	row := orderRow{
		ID:              order.ID,
		CustomerID:      order.CustomerID,
		TotalAmount:     order.TotalAmount,
		Currency:        order.Currency,
		Status:          string(order.Status),
		PaymentIntentID: order.PaymentIntentID,
		CheckoutKey:     order.CheckoutKey,
		CreatedAt:       order.CreatedAt,
		UpdatedAt:       order.UpdatedAt,
	}
	for _, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		row.Items = append(row.Items, orderItemRow{
			ID:          it.ID,
			OrderID:     order.ID,
			ProductID:   it.ProductID,
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			CreatedAt:   it.CreatedAt,
		})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				var n int64
				if cerr := tx.Model(&orderRow{}).Where("payment_intent_id = ?", *order.PaymentIntentID).Count(&n).Error; cerr == nil && n > 0 {
					return ledger.ErrDuplicateIntent
				}
				return fmt.Errorf("order %s already exists: %w", order.ID, ledger.ErrInvalidOrder)
			}
			return fmt.Errorf("insert order: %w", err)
		}
		if completion != nil {
			return complete(tx, *completion, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := row.toOrder()
	return &out, nil
}

func (s *Store) UpdateOrderStatusConditional(ctx context.Context, p ledger.Principal, intentID string, expected, next ledger.Status, completion *idempotency.Completion) (*ledger.Order, error) {
	if !p.IsSystem() {
		return nil, ledger.ErrForbidden
	}
	if !ledger.CanTransition(expected, next) {
		return nil, fmt.Errorf("%s -> %s: %w", expected, next, ledger.ErrInvalidTransition)
	}

	var out *ledger.Order
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.nowFunc().UTC()
		res := tx.Model(&orderRow{}).
			Where("payment_intent_id = ? AND status = ?", intentID, string(expected)).
			Updates(map[string]any{"status": string(next), "updated_at": now})
		if res.Error != nil {
			return fmt.Errorf("update order status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&orderRow{}).Where("payment_intent_id = ?", intentID).Count(&n).Error; err != nil {
				return fmt.Errorf("count orders: %w", err)
			}
			if n == 0 {
				return ledger.ErrOrderNotFound
			}
			return nil
		}
		if completion != nil {
			if err := complete(tx, *completion, now); err != nil {
				return err
			}
		}
		var row orderRow
		if err := tx.Where("payment_intent_id = ?", intentID).First(&row).Error; err != nil {
			return fmt.Errorf("reload order: %w", err)
		}
		o := row.toOrder()
		out = &o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertCustomer(ctx context.Context, p ledger.Principal, id, email string, name *string) (*ledger.Customer, bool, error) {
	if !p.CanActAs(id) {
		return nil, false, ledger.ErrForbidden
	}
	now := s.nowFunc().UTC()
	row := customerRow{
		ID:        id,
		Email:     strings.ToLower(strings.TrimSpace(email)),
		FullName:  name,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var (
		out     *ledger.Customer
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).Create(&row)
		if res.Error != nil {
			if isUniqueViolation(res.Error) {
				return ledger.ErrEmailTaken
			}
			return fmt.Errorf("upsert customer: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			created = true
			out = row.toCustomer()
			return nil
		}
		var existing customerRow
		if err := tx.First(&existing, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// the conflict was on email, not on id
				return ledger.ErrEmailTaken
			}
			return fmt.Errorf("load customer: %w", err)
		}
		out = existing.toCustomer()
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

func (s *Store) GetOrderGraph(ctx context.Context, p ledger.Principal, orderID string) (*ledger.OrderGraph, error) {
	var row orderRow
	err := s.db.WithContext(ctx).Preload("Items", func(db *gorm.DB) *gorm.DB {
		return db.Order("created_at ASC, id ASC")
	}).First(&row, "id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ledger.ErrOrderNotFound
		}
		return nil, fmt.Errorf("load order: %w", err)
	}
	g := &ledger.OrderGraph{Order: row.toOrder()}
	if !p.CanRead(g.Order) {
		return nil, ledger.ErrOrderNotFound
	}
	for _, it := range row.Items {
		g.Items = append(g.Items, it.toItem())
	}
	if row.CustomerID != nil {
		var c customerRow
		err := s.db.WithContext(ctx).First(&c, "id = ?", *row.CustomerID).Error
		switch {
		case err == nil:
			g.Customer = c.toCustomer()
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, fmt.Errorf("load customer: %w", err)
		}
	}
	return g, nil
}

func (s *Store) ListStalePending(ctx context.Context, p ledger.Principal, olderThan time.Time, limit int) ([]ledger.Order, error) {
	if !p.IsSystem() {
		return nil, ledger.ErrForbidden
	}
	q := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", string(ledger.StatusPending), olderThan.UTC()).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []orderRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list stale pending: %w", err)
	}
	out := make([]ledger.Order, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toOrder())
	}
	return out, nil
}

// complete applies the IN_PROGRESS -> DONE transition of c inside tx.
func complete(tx *gorm.DB, c idempotency.Completion, now time.Time) error {
	res := tx.Model(&idempotencyRow{}).
		Where("idempotency_key = ? AND status = ?", c.Key, idempotency.StatusInProgress).
		Updates(map[string]any{
			"status":          idempotency.StatusDone,
			"response_body":   c.ResponseBody,
			"response_status": c.ResponseStatus,
			"updated_at":      now,
		})
	if res.Error != nil {
		return fmt.Errorf("complete %s: %w", c.Key, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete %s: %w", c.Key, idempotency.ErrConditionFailed)
	}
	return nil
}
