// Package app wires configuration into the components every binary shares.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/imrishuroy/go-payment-reconciler/internal/auth"
	"github.com/imrishuroy/go-payment-reconciler/internal/aws"
	"github.com/imrishuroy/go-payment-reconciler/internal/catalog"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/customers"
	"github.com/imrishuroy/go-payment-reconciler/internal/handlers"
	"github.com/imrishuroy/go-payment-reconciler/internal/idempotency"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger/dynamostore"
	"github.com/imrishuroy/go-payment-reconciler/internal/ledger/sqlstore"
	"github.com/imrishuroy/go-payment-reconciler/internal/middleware"
	"github.com/imrishuroy/go-payment-reconciler/internal/notify"
	"github.com/imrishuroy/go-payment-reconciler/internal/payments"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-payment-reconciler/internal/search"
)

type App struct {
	Config config.AppConfig
	Log    *zap.Logger
	AWS    *aws.AWSClients

	Store   ledger.Store
	Guard   idempotency.Guard
	Catalog catalog.ReadWriter
	// DB is set for the sql ledger backend.
	DB *gorm.DB

	Gateway    payments.Gateway
	Deliverer  notify.Deliverer
	Dispatcher notify.Dispatcher
	Engine     *reconcile.Engine
	Customers  *customers.Service
	// Search is nil when Algolia is not configured.
	Search *search.Syncer
	// Redis is nil when REDIS_ADDR is empty.
	Redis *rd.Client

	closers []func() error
}

// New builds the application graph. The returned App must be closed.
func New(ctx context.Context, cfg config.AppConfig, log *zap.Logger) (*App, error) {
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	a := &App{Config: cfg, Log: log, AWS: clients}

	if err := a.openLedger(); err != nil {
		return nil, err
	}

	var metrics reconcile.Counter
	if cfg.MetricsNamespace != "" {
		metrics = aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)
	}

	renderer, err := notify.NewRenderer()
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	a.Deliverer = notify.NewSESDeliverer(clients.SES, cfg.EmailFrom, renderer)
	a.Dispatcher = a.dispatcher()

	a.Gateway = payments.NewStripeGateway(cfg.StripeSecretKey)
	a.Engine = reconcile.New(reconcile.Deps{
		Store:      a.Store,
		Guard:      a.Guard,
		Gateway:    a.Gateway,
		Catalog:    a.Catalog,
		Dispatcher: a.Dispatcher,
		Metrics:    metrics,
		Logger:     log,
	}, reconcile.Config{
		Currency:     cfg.Currency,
		PendingAfter: cfg.PendingAfter,
		SweepMode:    cfg.SweepMode,
		SweepBatch:   cfg.SweepBatch,
	})
	a.Customers = customers.NewService(a.Store, a.Dispatcher, log)

	if cfg.AlgoliaAppID != "" && cfg.AlgoliaAPIKey != "" {
		idx := search.NewAlgoliaIndex(cfg.AlgoliaAppID, cfg.AlgoliaAPIKey, cfg.AlgoliaIndex)
		a.Search = search.NewSyncer(a.Catalog, idx, log)
	}
	if cfg.RedisAddr != "" {
		a.Redis = rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
		a.closers = append(a.closers, a.Redis.Close)
	}
	return a, nil
}

func (a *App) openLedger() error {
	cfg := a.Config
	switch cfg.LedgerBackend {
	case config.BackendSQL:
		db, err := sqlstore.Open(cfg.SQLDriver, cfg.SQLDSN)
		if err != nil {
			return err
		}
		if err := sqlstore.Migrate(db); err != nil {
			return err
		}
		a.DB = db
		a.Store = sqlstore.NewStore(db)
		a.Guard = sqlstore.NewGuard(db, cfg.IdempotencyTTL)
		a.Catalog = sqlstore.NewCatalog(db)
		if sqlDB, err := db.DB(); err == nil {
			a.closers = append(a.closers, sqlDB.Close)
		}
	default:
		guard := idempotency.NewStore(a.AWS.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
		a.Guard = guard
		a.Store = dynamostore.NewStore(a.AWS.DynamoDB, dynamostore.Tables{
			Orders:         cfg.OrdersTable,
			Intents:        cfg.IntentsTable,
			Customers:      cfg.CustomersTable,
			CustomerEmails: cfg.CustomerEmailsTable,
		}, guard)
		a.Catalog = catalog.NewDynamoStore(a.AWS.DynamoDB, cfg.ProductsTable)
	}
	return nil
}

// dispatcher sends to the worker queue and the events topic when configured,
// and falls back to delivering directly.
func (a *App) dispatcher() notify.Dispatcher {
	var targets notify.Fanout
	if a.Config.NotificationsQueueURL != "" {
		targets = append(targets, notify.NewQueueDispatcher(aws.NewPublisher(a.AWS.SQS, a.Config.NotificationsQueueURL)))
	}
	if len(a.Config.KafkaBrokers) > 0 {
		events := notify.NewEventDispatcher(a.Config.KafkaBrokers, a.Config.KafkaTopic)
		a.closers = append(a.closers, events.Close)
		targets = append(targets, events)
	}
	if len(targets) == 0 {
		targets = append(targets, notify.DirectDispatcher{Deliverer: a.Deliverer})
	}
	return &notify.DetachedDispatcher{
		Next:    targets,
		Timeout: a.Config.NotifyTimeout,
	}
}

// Router builds the HTTP API.
func (a *App) Router() *gin.Engine {
	cfg := handlers.Config{
		Engine:         a.Engine,
		Customers:      a.Customers,
		Orders:         a.Store,
		Catalog:        a.Catalog,
		Gateway:        a.Gateway,
		WebhookSecret:  a.Config.StripeWebhookSecret,
		Verifier:       auth.NewVerifier(a.Config.JWTSecret),
		AdminToken:     a.Config.AdminToken,
		RequestTimeout: a.Config.Timeout,
		Logger:         a.Log,
	}
	if a.Search != nil {
		cfg.Search = a.Search
	} else {
		cfg.Search = unconfiguredSearch{}
	}
	if a.Redis != nil {
		cfg.CheckoutLimit = middleware.RedisRateLimit(a.Redis, "checkout", a.Config.CheckoutRateLimit, a.Config.CheckoutRateWindow, a.Log)
	}
	return handlers.NewRouter(cfg)
}

var ErrSearchDisabled = errors.New("search index is not configured")

type unconfiguredSearch struct{}

func (unconfiguredSearch) Sync(ctx context.Context) (int, error) { return 0, ErrSearchDisabled }

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
