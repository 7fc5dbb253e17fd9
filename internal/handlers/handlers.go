package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/auth"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/middleware"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciler/internal/validation"
)

// Engine is the part of the reconciliation engine the API calls.
type Engine interface {
	Checkout(ctx context.Context, req reconcile.CheckoutRequest) (*reconcile.CheckoutResult, error)
	HandleEvent(ctx context.Context, evt *payments.Event) (reconcile.Result, error)
}

type SignInService interface {
	SignIn(ctx context.Context, userID, email string, name *string) (*ledger.Customer, bool, error)
}

type SearchSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// Config groups dependencies for the API routes.
type Config struct {
	Engine        Engine
	Customers     SignInService
	Orders        ledger.Store
	Catalog       catalog.Reader
	Gateway       payments.Gateway
	WebhookSecret string
	Verifier      *auth.Verifier
	Search        SearchSyncer
	AdminToken    string

	// CheckoutLimit runs before the checkout handler when set.
	CheckoutLimit  gin.HandlerFunc
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter builds the API router.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(cfg.Logger))
	if cfg.RequestTimeout > 0 {
		r.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	Register(r, cfg)
	return r
}

// Register registers routes for the reconciliation API.
func Register(r *gin.Engine, cfg Config) {
	v := validation.New()
	requireUser := auth.RequireUser(cfg.Verifier)

	checkout := []gin.HandlerFunc{requireUser}
	if cfg.CheckoutLimit != nil {
		checkout = append(checkout, cfg.CheckoutLimit)
	}

	r.GET("/products", func(c *gin.Context) {
		products, err := cfg.Catalog.List(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		if products == nil {
			products = []catalog.Product{}
		}
		c.JSON(http.StatusOK, gin.H{"products": products})
	})

	r.GET("/products/:id", func(c *gin.Context) {
		p, err := catalog.Get(c.Request.Context(), cfg.Catalog, c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	r.POST("/auth/session", requireUser, func(c *gin.Context) {
		u, _ := auth.CurrentUser(c)
		cust, created, err := cfg.Customers.SignIn(c.Request.Context(), u.ID, u.Email, u.Name)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"customer": cust, "created": created})
	})

	r.POST("/checkout", append(checkout, func(c *gin.Context) {
		u, _ := auth.CurrentUser(c)

		idempKey := c.GetHeader("Idempotency-Key")
		if idempKey == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing_idempotency_key"})
			return
		}

		var req validation.CheckoutRequest
		if err := validation.BindAndValidate(c, &req, v); err != nil {
			return
		}

		lines := make([]reconcile.CartLine, 0, len(req.Items))
		for _, it := range req.Items {
			lines = append(lines, reconcile.CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
		}
		res, err := cfg.Engine.Checkout(c.Request.Context(), reconcile.CheckoutRequest{
			CustomerID:     u.ID,
			Email:          u.Email,
			Name:           u.Name,
			IdempotencyKey: idempKey,
			Lines:          lines,
			ExpectedAmount: req.ExpectedAmount,
		})
		if err != nil {
			writeError(c, err)
			return
		}

		if res.Replayed {
			c.Header("Idempotent-Replayed", "true")
		}
		c.Header("Location", fmt.Sprintf("/orders/%s", res.OrderID))
		c.JSON(http.StatusCreated, res)
	})...)

	r.GET("/orders/:id", requireUser, func(c *gin.Context) {
		u, _ := auth.CurrentUser(c)
		g, err := cfg.Orders.GetOrderGraph(c.Request.Context(), ledger.AsUser(u.ID), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"order": g.Order, "items": g.Items})
	})

	r.POST("/webhooks/stripe", func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		evt, err := cfg.Gateway.VerifyWebhook(body, c.GetHeader("Stripe-Signature"), cfg.WebhookSecret)
		if err != nil {
			writeError(c, err)
			return
		}
		result, err := cfg.Engine.HandleEvent(c.Request.Context(), evt)
		if err != nil {
			// a non-2xx makes the processor redeliver
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"received": true, "result": result})
	})

	r.POST("/admin/search/sync", func(c *gin.Context) {
		tok := c.GetHeader("X-Admin-Token")
		if cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(tok), []byte(cfg.AdminToken)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		n, err := cfg.Search.Sync(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"synced": n})
	})
}
