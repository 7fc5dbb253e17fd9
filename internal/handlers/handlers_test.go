package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-payment-reconciler/internal/auth"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws/awstest"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/customers"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger/dynamostore"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments/paymentstest"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
)

const webhookSecret = "whsec_test"

type syncFunc func(ctx context.Context) (int, error)

func (f syncFunc) Sync(ctx context.Context) (int, error) { return f(ctx) }

type api struct {
	router   *gin.Engine
	verifier *auth.Verifier
	gateway  *paymentstest.Gateway
	store    *dynamostore.Store
}

func newAPI(t *testing.T) *api {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db := awstest.NewDynamoDB(map[string]string{
		"orders":          "order_id",
		"payment_intents": "payment_intent_id",
		"customers":       "customer_id",
		"customer_emails": "email",
		"idempotency":     "idempotency_key",
		"products":        "product_id",
	})
	guard := idempotency.NewStore(db, "idempotency", 48*time.Hour)
	store := dynamostore.NewStore(db, dynamostore.Tables{
		Orders:         "orders",
		Intents:        "payment_intents",
		Customers:      "customers",
		CustomerEmails: "customer_emails",
	}, guard)
	cat := catalog.NewDynamoStore(db, "products")
	require.NoError(t, cat.Put(context.Background(), catalog.Product{ID: "P1", Name: "P1", Price: 1200}))

	gw := paymentstest.New()
	engine := reconcile.New(reconcile.Deps{
		Store:   store,
		Guard:   guard,
		Gateway: gw,
		Catalog: cat,
	}, reconcile.Config{})
	v := auth.NewVerifier("jwt-secret")

	r := NewRouter(Config{
		Engine:        engine,
		Customers:     customers.NewService(store, nil, nil),
		Orders:        store,
		Catalog:       cat,
		Gateway:       gw,
		WebhookSecret: webhookSecret,
		Verifier:      v,
		Search:        syncFunc(func(ctx context.Context) (int, error) { return 3, nil }),
		AdminToken:    "admin",
	})
	return &api{router: r, verifier: v, gateway: gw, store: store}
}

func (a *api) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := a.verifier.Sign(auth.User{ID: userID, Email: userID + "@example.com"},
		jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	require.NoError(t, err)
	return tok
}

func (a *api) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *api) checkout(t *testing.T, userID, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.token(t, userID))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return a.do(req)
}

func (a *api) webhook(env paymentstest.Envelope, secret string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(env)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", paymentstest.Sign(body, secret))
	return a.do(req)
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	w := a.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
}

func TestProducts(t *testing.T) {
	a := newAPI(t)

	w := a.do(httptest.NewRequest(http.MethodGet, "/products", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var list struct {
		Products []catalog.Product `json:"products"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Products, 1)
	assert.Equal(t, "P1", list.Products[0].ID)
	assert.Equal(t, int64(1200), list.Products[0].Price)

	w = a.do(httptest.NewRequest(http.MethodGet, "/products/P1", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var p catalog.Product
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "P1", p.Name)

	w = a.do(httptest.NewRequest(http.MethodGet, "/products/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"not_found"}`, w.Body.String())
}

func TestCheckoutAndWebhookFlow(t *testing.T) {
	a := newAPI(t)
	const cart = `{"items":[{"product_id":"P1","quantity":2}]}`

	w := a.checkout(t, "u1", "k1", cart)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var res reconcile.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, int64(2400), res.Amount)
	assert.Equal(t, ledger.StatusPending, res.Status)
	assert.Equal(t, "/orders/"+res.OrderID, w.Header().Get("Location"))

	w = a.checkout(t, "u1", "k1", cart)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "true", w.Header().Get("Idempotent-Replayed"))
	var again reconcile.CheckoutResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &again))
	assert.Equal(t, res.OrderID, again.OrderID)

	g, err := a.store.GetOrderGraph(context.Background(), ledger.AsSystem(), res.OrderID)
	require.NoError(t, err)
	intentID := *g.Order.PaymentIntentID

	w = a.webhook(paymentstest.Envelope{ID: "evt_1", Type: string(payments.EventIntentSucceeded), IntentID: intentID}, webhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"result":"applied"}`, w.Body.String())

	w = a.webhook(paymentstest.Envelope{ID: "evt_1", Type: string(payments.EventIntentSucceeded), IntentID: intentID}, webhookSecret)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true,"result":"duplicate"}`, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/orders/"+res.OrderID, nil)
	req.Header.Set("Authorization", "Bearer "+a.token(t, "u1"))
	w = a.do(req)
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Order ledger.Order       `json:"order"`
		Items []ledger.OrderItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, ledger.StatusCompleted, body.Order.Status)
	require.Len(t, body.Items, 1)
	assert.Equal(t, int64(1200), body.Items[0].UnitPrice)

	req = httptest.NewRequest(http.MethodGet, "/orders/"+res.OrderID, nil)
	req.Header.Set("Authorization", "Bearer "+a.token(t, "u2"))
	// other customers cannot tell the order exists
	assert.Equal(t, http.StatusNotFound, a.do(req).Code)
}

func TestCheckoutRejects(t *testing.T) {
	a := newAPI(t)

	w := a.checkout(t, "u1", "", `{"items":[{"product_id":"P1","quantity":1}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "missing_idempotency_key")

	w = a.checkout(t, "u1", "k1", `{"items":[{"product_id":"P1","quantity":1},{"product_id":"P1","quantity":2}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_failed")

	w = a.checkout(t, "u1", "k2", `{"items":[{"product_id":"nope","quantity":1}]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), reconcile.CodeUnknownProduct)

	w = a.checkout(t, "u1", "k3", `{"items":[{"product_id":"P1","quantity":1}],"expected_amount":999}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), reconcile.CodePriceChanged)

	req := httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{}`))
	req.Header.Set("Idempotency-Key", "k4")
	assert.Equal(t, http.StatusUnauthorized, a.do(req).Code)

	a.gateway.CreateErr = payments.ErrGatewayUnavailable
	w = a.checkout(t, "u1", "k5", `{"items":[{"product_id":"P1","quantity":1}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	a := newAPI(t)
	w := a.webhook(paymentstest.Envelope{ID: "evt_1", Type: string(payments.EventIntentSucceeded), IntentID: "pi_1"}, "wrong")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
}

func TestWebhookIgnoredAndUnknown(t *testing.T) {
	a := newAPI(t)

	w := a.webhook(paymentstest.Envelope{ID: "evt_r", Type: "charge.refunded"}, webhookSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(reconcile.ResultIgnored))

	w = a.webhook(paymentstest.Envelope{ID: "evt_x", Type: string(payments.EventIntentSucceeded), IntentID: "pi_404"}, webhookSecret)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), string(reconcile.ResultOrderMissing))
}

func TestSession(t *testing.T) {
	a := newAPI(t)
	req := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/auth/session", nil)
		r.Header.Set("Authorization", "Bearer "+a.token(t, "u1"))
		return r
	}

	w := a.do(req())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"created":true`)

	w = a.do(req())
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"created":false`)
}

func TestAdminSearchSync(t *testing.T) {
	a := newAPI(t)

	w := a.do(httptest.NewRequest(http.MethodPost, "/admin/search/sync", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/admin/search/sync", nil)
	req.Header.Set("X-Admin-Token", "admin")
	w = a.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"synced":3}`, w.Body.String())
}

func TestWriteError(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		err  error
		code int
	}{
		{&reconcile.PersistenceError{Err: errors.New("boom")}, http.StatusInternalServerError},
		{reconcile.ErrCheckoutInProgress, http.StatusConflict},
		{reconcile.ErrCheckoutAbandoned, http.StatusConflict},
		{ledger.ErrOrderNotFound, http.StatusNotFound},
		{payments.ErrInvalidRequest, http.StatusBadRequest},
		{errors.New("unexpected"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		writeError(c, tc.err)
		assert.Equal(t, tc.code, w.Code, tc.err.Error())
	}
}
