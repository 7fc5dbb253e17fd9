package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger/sqlstore"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
)

type fakeSweeper struct{ rep reconcile.SweepReport }

func (f fakeSweeper) Sweep(ctx context.Context) (reconcile.SweepReport, error) { return f.rep, nil }

func sqlDeps(t *testing.T) *deps {
	t.Helper()
	db, err := sqlstore.Open("sqlite", filepath.Join(t.TempDir(), "ctl.db"))
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(db))
	return &deps{
		store:   sqlstore.NewStore(db),
		catalog: sqlstore.NewCatalog(db),
		engine:  fakeSweeper{rep: reconcile.SweepReport{Stale: 3, Cancelled: 2}},
		db:      db,
	}
}

func execute(t *testing.T, d *deps, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(func(ctx context.Context) (*deps, func() error, error) {
		return d, func() error { return nil }, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestProductPutAndOrderGet(t *testing.T) {
	d := sqlDeps(t)

	_, err := execute(t, d, "product", "put", "--id", "p1", "--name", "Mug", "--price", "1200", "--inventory", "4")
	require.NoError(t, err)
	products, err := d.catalog.Products(context.Background(), []string{"p1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), products["p1"].Price)

	_, err = execute(t, d, "product", "put", "--id", "p2", "--name", "Cap")
	assert.Error(t, err, "price is required")

	pi := "pi_1"
	order := ledger.Order{ID: "o1", TotalAmount: 1200, Currency: "usd", Status: ledger.StatusPending, PaymentIntentID: &pi}
	items := []ledger.OrderItem{{ID: "i1", OrderID: "o1", ProductID: "p1", ProductName: "Mug", Quantity: 1, UnitPrice: 1200}}
	_, err = d.store.InsertOrder(context.Background(), ledger.AsSystem(), order, items, nil)
	require.NoError(t, err)

	out, err := execute(t, d, "order", "get", "o1")
	require.NoError(t, err)
	var g ledger.OrderGraph
	require.NoError(t, json.Unmarshal([]byte(out), &g))
	assert.Equal(t, "o1", g.Order.ID)
	assert.Len(t, g.Items, 1)

	_, err = execute(t, d, "order", "get", "missing")
	assert.ErrorIs(t, err, ledger.ErrOrderNotFound)
}

func TestSweepPrintsReport(t *testing.T) {
	out, err := execute(t, sqlDeps(t), "sweep")
	require.NoError(t, err)
	var rep reconcile.SweepReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 3, rep.Stale)
	assert.Equal(t, 2, rep.Cancelled)
}

func TestMigrateAndSearchSync(t *testing.T) {
	d := sqlDeps(t)
	out, err := execute(t, d, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "schema up to date")

	_, err = execute(t, d, "search-sync")
	assert.ErrorContains(t, err, "not configured")

	d.db = nil
	_, err = execute(t, d, "migrate")
	assert.Error(t, err)
}
