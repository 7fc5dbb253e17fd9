package dynamostore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-payment-reconciler/internal/aws/awstest"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
)

var testTables = Tables{
	Orders:         "orders",
	Intents:        "payment_intents",
	Customers:      "customers",
	CustomerEmails: "customer_emails",
}

func newTestStore(t *testing.T) (*Store, *idempotency.Store, *awstest.DynamoDB) {
	t.Helper()
	db := awstest.NewDynamoDB(map[string]string{
		testTables.Orders:         "order_id",
		testTables.Intents:        "payment_intent_id",
		testTables.Customers:      "customer_id",
		testTables.CustomerEmails: "email",
		"idempotency":             "idempotency_key",
	})
	guard := idempotency.NewStore(db, "idempotency", time.Hour)
	return NewStore(db, testTables, guard), guard, db
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
	items := []ledger.OrderItem{{OrderID: id, ProductID: "p1", ProductName: "Mug", Quantity: 2, UnitPrice: 1200}}
	return o, items
}

func TestInsertOrder_GraphAndCompletion(t *testing.T) {
	s, guard, db := newTestStore(t)
	ctx := context.Background()

	if _, _, err := s.UpsertCustomer(ctx, ledger.AsUser("alice"), "alice", "Alice@Example.com", nil); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	key := idempotency.CheckoutKey("alice", "k1")
	if _, err := guard.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	o, items := pendingOrder("order-1", "alice", "pi_1")
	created, err := s.InsertOrder(ctx, ledger.AsUser("alice"), o, items, &idempotency.Completion{Key: key, ResponseBody: `{"order_id":"order-1"}`, ResponseStatus: 201})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if created.CreatedAt.IsZero() {
		t.Fatalf("created_at not set")
	}

	rec, err := guard.Get(ctx, key)
	if err != nil || rec.Status != idempotency.StatusDone {
		t.Fatalf("completion not applied: %+v %v", rec, err)
	}
	if db.Len(testTables.Intents) != 1 {
		t.Fatalf("intent binding missing")
	}

	g, err := s.GetOrderGraph(ctx, ledger.AsUser("alice"), "order-1")
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	if len(g.Items) != 1 || g.Items[0].ID == "" || g.Items[0].LineTotal() != 2400 {
		t.Fatalf("unexpected items: %+v", g.Items)
	}
	if g.Customer == nil || g.Customer.Email != "alice@example.com" {
		t.Fatalf("unexpected customer: %+v", g.Customer)
	}

	if _, err := s.GetOrderGraph(ctx, ledger.AsUser("bob"), "order-1"); !errors.Is(err, ledger.ErrOrderNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	if _, err := s.GetOrderGraph(ctx, ledger.AsSystem(), "missing"); !errors.Is(err, ledger.ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInsertOrder_DuplicateIntentRollsBack(t *testing.T) {
	s, _, db := newTestStore(t)
	ctx := context.Background()

	o, items := pendingOrder("order-1", "alice", "pi_1")
	if _, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}
	o2, items2 := pendingOrder("order-2", "alice", "pi_1")
	_, err := s.InsertOrder(ctx, ledger.AsSystem(), o2, items2, nil)
	if !errors.Is(err, ledger.ErrDuplicateIntent) {
		t.Fatalf("expected ErrDuplicateIntent, got %v", err)
	}
	if db.Len(testTables.Orders) != 1 {
		t.Fatalf("second order must not be written")
	}
}

func TestInsertOrder_Forbidden(t *testing.T) {
	s, _, _ := newTestStore(t)
	o, items := pendingOrder("order-1", "alice", "pi_1")
	if _, err := s.InsertOrder(context.Background(), ledger.AsUser("bob"), o, items, nil); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestInsertOrder_TotalMismatch(t *testing.T) {
	s, _, _ := newTestStore(t)
	o, items := pendingOrder("order-1", "alice", "pi_1")
	o.TotalAmount = 1
	if _, err := s.InsertOrder(context.Background(), ledger.AsSystem(), o, items, nil); !errors.Is(err, ledger.ErrInvalidOrder) {
		t.Fatalf("expected ErrInvalidOrder, got %v", err)
	}
}

func TestUpdateOrderStatusConditional(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	o, items := pendingOrder("order-10", "c10", "pi_10")
	if _, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	if _, err := s.UpdateOrderStatusConditional(ctx, ledger.AsUser("c10"), "pi_10", ledger.StatusPending, ledger.StatusCompleted, nil); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}

	got, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_10", ledger.StatusPending, ledger.StatusCompleted, nil)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if got == nil || got.Status != ledger.StatusCompleted {
		t.Fatalf("unexpected order: %+v", got)
	}

	// already completed: pending -> cancelled is a no-op
	got, err = s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_10", ledger.StatusPending, ledger.StatusCancelled, nil)
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil), got %+v %v", got, err)
	}

	if _, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_unknown", ledger.StatusPending, ledger.StatusCompleted, nil); !errors.Is(err, ledger.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}
	if _, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_10", ledger.StatusCompleted, ledger.StatusCancelled, nil); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestUpdateOrderStatusConditional_Concurrent(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	o, items := pendingOrder("order-race", "c", "pi_race")
	if _, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	targets := []ledger.Status{ledger.StatusCompleted, ledger.StatusCancelled}
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(next ledger.Status) {
			defer wg.Done()
			got, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_race", ledger.StatusPending, next, nil)
			if err != nil {
				t.Errorf("update: %v", err)
				return
			}
			if got != nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(targets[i%2])
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one transition, got %d", wins)
	}
}

func TestUpdateOrderStatusConditional_WithCompletion(t *testing.T) {
	s, guard, db := newTestStore(t)
	ctx := context.Background()
	o, items := pendingOrder("order-20", "c", "pi_20")
	if _, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// a guard record that is not in progress cancels the whole transaction
	stale := idempotency.WebhookKey("evt_stale")
	if _, err := guard.Acquire(ctx, stale); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := guard.Complete(ctx, stale, "", 200); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_20", ledger.StatusPending, ledger.StatusCompleted, &idempotency.Completion{Key: stale, ResponseStatus: 200})
	if !errors.Is(err, idempotency.ErrConditionFailed) {
		t.Fatalf("expected ErrConditionFailed, got %v", err)
	}
	var rec orderRecord
	if err := attributevalue.UnmarshalMap(db.Item(testTables.Orders, "order-20"), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Status != ledger.StatusPending {
		t.Fatalf("order must stay pending, got %s", rec.Status)
	}

	key := idempotency.WebhookKey("evt_1")
	if _, err := guard.Acquire(ctx, key); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_20", ledger.StatusPending, ledger.StatusCompleted, &idempotency.Completion{Key: key, ResponseStatus: 200})
	if err != nil || got == nil || got.Status != ledger.StatusCompleted {
		t.Fatalf("unexpected result: %+v %v", got, err)
	}
	r, _ := guard.Get(ctx, key)
	if r.Status != idempotency.StatusDone {
		t.Fatalf("guard not completed: %s", r.Status)
	}
}

func TestUpsertCustomer(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	name := "Alice"

	c, created, err := s.UpsertCustomer(ctx, ledger.AsUser("alice"), "alice", "alice@example.com", &name)
	if err != nil || !created || c.DisplayName() != "Alice" {
		t.Fatalf("first upsert: %+v %v %v", c, created, err)
	}

	c, created, err = s.UpsertCustomer(ctx, ledger.AsUser("alice"), "alice", "alice@example.com", nil)
	if err != nil || created {
		t.Fatalf("second upsert: %+v %v %v", c, created, err)
	}
	if c.FullName == nil || *c.FullName != "Alice" {
		t.Fatalf("existing row must be returned unchanged: %+v", c)
	}

	if _, _, err := s.UpsertCustomer(ctx, ledger.AsUser("mallory"), "mallory", "ALICE@example.com", nil); !errors.Is(err, ledger.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
	if _, _, err := s.UpsertCustomer(ctx, ledger.AsUser("bob"), "alice", "x@example.com", nil); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

// conflictingDB cancels the next conflicts TransactWriteItems calls the way
// DynamoDB does when another transaction holds the same items. before runs
// ahead of each cancellation.
type conflictingDB struct {
	*awstest.DynamoDB
	mu        sync.Mutex
	conflicts int
	before    func()
}

func (d *conflictingDB) TransactWriteItems(ctx context.Context, in *dyn.TransactWriteItemsInput, opts ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	d.mu.Lock()
	conflict := d.conflicts > 0
	if conflict {
		d.conflicts--
	}
	d.mu.Unlock()
	if !conflict {
		return d.DynamoDB.TransactWriteItems(ctx, in, opts...)
	}
	if d.before != nil {
		d.before()
	}
	return nil, &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: sdkaws.String("TransactionConflict")},
			{Code: sdkaws.String("None")},
		},
	}
}

func TestUpsertCustomer_TransactionConflictIsRetried(t *testing.T) {
	_, guard, db := newTestStore(t)
	ctx := context.Background()
	cdb := &conflictingDB{DynamoDB: db, conflicts: 1}
	s := NewStore(cdb, testTables, guard)

	c, created, err := s.UpsertCustomer(ctx, ledger.AsUser("bob"), "bob", "bob@example.com", nil)
	if err != nil || !created || c.ID != "bob" {
		t.Fatalf("upsert after conflict: %+v %v %v", c, created, err)
	}
}

func TestUpsertCustomer_ConflictWithConcurrentFirstLogin(t *testing.T) {
	_, guard, db := newTestStore(t)
	ctx := context.Background()
	winner := NewStore(db, testTables, guard)
	name := "Bob"

	var winnerCreated bool
	cdb := &conflictingDB{DynamoDB: db, conflicts: 1}
	cdb.before = func() {
		_, created, err := winner.UpsertCustomer(ctx, ledger.AsUser("bob"), "bob", "bob@example.com", &name)
		if err != nil {
			t.Errorf("winner upsert: %v", err)
		}
		winnerCreated = created
	}
	loser := NewStore(cdb, testTables, guard)

	c, created, err := loser.UpsertCustomer(ctx, ledger.AsUser("bob"), "bob", "bob@example.com", nil)
	if err != nil {
		t.Fatalf("losing login must succeed: %v", err)
	}
	if created || !winnerCreated {
		t.Fatalf("exactly one login creates: loser=%v winner=%v", created, winnerCreated)
	}
	if c.FullName == nil || *c.FullName != "Bob" {
		t.Fatalf("expected the winner's row, got %+v", c)
	}
}

func TestUpsertCustomer_ConflictRetriesAreBounded(t *testing.T) {
	_, guard, db := newTestStore(t)
	cdb := &conflictingDB{DynamoDB: db, conflicts: upsertAttempts}
	s := NewStore(cdb, testTables, guard)

	_, _, err := s.UpsertCustomer(context.Background(), ledger.AsUser("bob"), "bob", "bob@example.com", nil)
	if !errors.Is(err, errTransactionConflict) {
		t.Fatalf("expected errTransactionConflict, got %v", err)
	}
}

func TestListStalePending(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	s.nowFunc = func() time.Time { return base }
	for _, id := range []string{"a", "b", "c"} {
		o, items := pendingOrder("order-"+id, "c", "pi_"+id)
		if _, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if _, err := s.UpdateOrderStatusConditional(ctx, ledger.AsSystem(), "pi_b", ledger.StatusPending, ledger.StatusCancelled, nil); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	s.nowFunc = func() time.Time { return base.Add(2 * time.Hour) }
	o, items := pendingOrder("order-fresh", "c", "pi_fresh")
	if _, err := s.InsertOrder(ctx, ledger.AsSystem(), o, items, nil); err != nil {
		t.Fatalf("insert: %v", err)
	}

	stale, err := s.ListStalePending(ctx, ledger.AsSystem(), base.Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stale) != 2 {
		t.Fatalf("expected 2 stale orders, got %d", len(stale))
	}
	for _, o := range stale {
		if o.Status != ledger.StatusPending {
			t.Fatalf("non-pending order listed: %+v", o)
		}
	}

	limited, err := s.ListStalePending(ctx, ledger.AsSystem(), base.Add(time.Hour), 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limit not applied: %d %v", len(limited), err)
	}
	if _, err := s.ListStalePending(ctx, ledger.AsUser("c"), base, 1); !errors.Is(err, ledger.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
