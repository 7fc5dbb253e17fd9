package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open("sqlite", filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))
	return db
}

func pendingOrder(id, customer, intent string) (ledger.Order, []ledger.OrderItem) {
	o := ledger.Order{
		ID:              id,
		CustomerID:      ledger.StringPtr(customer),
		TotalAmount:     2400,
		Currency:        "usd",
		Status:          ledger.StatusPending,
		PaymentIntentID: ledger.StringPtr(intent),
	}
	return o, []ledger.OrderItem{{OrderID: id, ProductID: "p1", ProductName: "Mug", Quantity: 2, UnitPrice: 1200}}
}

func TestStore_InsertAndGraph(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	g := NewGuard(db, time.Hour)
	ctx := context.Background()

	_, created, err := s.UpsertCustomer(ctx, ledger.AsUser("alice"), "alice", "alice@example.com", nil)
	require.NoError(t, err)
	assert.True(t, created)

	key := idempotency.CheckoutKey("alice", "k1")
	out, err := g.Acquire(ctx, key)
	require.NoError(t, err)
	require.Equal(t, idempotency.Granted, out.State)

	o, items := pendingOrder("order-1", "alice", "pi_1")
	_, err = s.InsertOrder(ctx, ledger.AsUser("alice"), o, items, &idempotency.Completion{Key: key, ResponseBody: "{}", ResponseStatus: 201})
	require.NoError(t, err)

	rec, err := g.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.StatusDone, rec.Status)
	assert.Equal(t, 201, rec.ResponseStatus)

	graph, err := s.GetOrderGraph(ctx, ledger.AsUser("alice"), "order-1")
	require.NoError(t, err)
	require.Len(t, graph.Items, 1)
	assert.Equal(t, int64(1200), graph.Items[0].UnitPrice)
	require.NotNil(t, graph.Customer)
	assert.Equal(t, "alice@example.com", graph.Customer.Email)

	_, err = s.GetOrderGraph(ctx, ledger.AsUser("bob"), "order-1")
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
}

func TestStore_InsertRollsBackOnCompletionFailure(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	o, items := pendingOrder("order-1", "alice", "pi_1")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, &idempotency.Completion{Key: "checkout:alice:missing"})
	assert.ErrorIs(t, err, idempotency.ErrConditionFailed)

	_, err = s.GetOrderGraph(ctx, ledger.AsSystem(), "order-1")
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
}

func TestStore_DuplicateIntent(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	o, items := pendingOrder("order-1", "alice", "pi_1")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil)
	require.NoError(t, err)

	o2, items2 := pendingOrder("order-2", "alice", "pi_1")
	_, err = s.InsertOrder(ctx, ledger.AsSystem(), o2, items2, nil)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIntent)
}

func TestStore_ConditionalTransition(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	o, items := pendingOrder("order-1", "alice", "pi_1")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil)
	require.NoError(t, err)

	_, err = s.UpdateOrderStatusConditional(ctx, ledger.AsUser("alice"), "pi_1", ledger.StatusPending, ledger.StatusCancelled, nil)
	assert.ErrorIs(t, err, ledger.ErrForbidden)

	got, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_1", ledger.StatusPending, ledger.StatusCancelled, nil)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.StatusCancelled, got.Status)

	// stale success after failure leaves the order cancelled
	got, err = s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_1", ledger.StatusPending, ledger.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_none", ledger.StatusPending, ledger.StatusCompleted, nil)
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
}

func TestStore_ConcurrentTransitionsSingleWinner(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	o, items := pendingOrder("order-1", "alice", "pi_1")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil)
	require.NoError(t, err)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_1", ledger.StatusPending, ledger.StatusCompleted, nil)
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestStore_ConcurrentFirstUpserts(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, c, err := s.UpsertCustomer(ctx, ledger.AsUser("alice"), "alice", "alice@example.com", nil)
			if err != nil {
				t.Errorf("upsert: %v", err)
				return
			}
			if c {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)

	var n int64
	require.NoError(t, db.Model(&customerRow{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	_, _, err := s.UpsertCustomer(ctx, ledger.AsUser("bob"), "bob", "ALICE@example.com", nil)
	assert.ErrorIs(t, err, ledger.ErrEmailTaken)
}

func TestStore_ListStalePending(t *testing.T) {
	db := newTestDB(t)
	s := NewStore(db)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.nowFunc = func() time.Time { return base }
	for _, id := range []string{"a", "b"} {
		o, items := pendingOrder("order-"+id, "c", "pi_"+id)
		_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil)
		require.NoError(t, err)
	}
	s.nowFunc = func() time.Time { return base.Add(3 * time.Hour) }
	o, items := pendingOrder("order-fresh", "c", "pi_fresh")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil)
	require.NoError(t, err)

	stale, err := s.ListStalePending(ctx, ledger.AsSystem(), base.Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	_, err = s.ListStalePending(ctx, ledger.AsUser("c"), base, 10)
	assert.ErrorIs(t, err, ledger.ErrForbidden)
}

func TestGuard_Lifecycle(t *testing.T) {
	db := newTestDB(t)
	g := NewGuard(db, time.Hour)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.nowFunc = func() time.Time { return base }

	key := idempotency.CheckoutKey("alice", "k1")
	out, err := g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Granted, out.State)
	assert.Equal(t, idempotency.ScopeCheckout, out.Record.Scope)

	out, err = g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.InProgress, out.State)

	require.NoError(t, g.AttachIntent(ctx, key, "pi_1"))
	require.NoError(t, g.Fail(ctx, key, "boom"))

	orphans, err := g.ListOrphans(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "pi_1", orphans[0].IntentID)

	out, err = g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Granted, out.State)

	require.NoError(t, g.Abandon(ctx, key, "rolled back"))
	out, err = g.Acquire(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, idempotency.Completed, out.State)
	assert.Equal(t, idempotency.StatusAbandoned, out.Record.Status)

	assert.ErrorIs(t, g.Complete(ctx, key, "", 200), idempotency.ErrConditionFailed)

	orphans, err = g.ListOrphans(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestCatalog_PriceChangeKeepsSnapshot(t *testing.T) {
	db := newTestDB(t)
	c := NewCatalog(db)
	s := NewStore(db)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, catalog.Product{ID: "p1", Name: "Mug", Price: 1200, InventoryCount: 3}))
	o, items := pendingOrder("order-1", "alice", "pi_1")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil)
	require.NoError(t, err)

	require.NoError(t, c.Put(ctx, catalog.Product{ID: "p1", Name: "Mug", Price: 1500}))
	ps, err := c.Products(ctx, []string{"p1", "nope"})
	require.NoError(t, err)
	require.Len(t, ps, 1)
	assert.Equal(t, int64(1500), ps["p1"].Price)

	graph, err := s.GetOrderGraph(ctx, ledger.AsSystem(), "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1200), graph.Items[0].UnitPrice)

	all, err := c.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
