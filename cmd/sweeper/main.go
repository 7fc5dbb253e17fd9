package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"go.uber.org/zap"

	"github.com/imrishuroy/go-payment-reconciler/internal/app"
	"github.com/imrishuroy/go-payment-reconciler/internal/config"
	"github.com/imrishuroy/go-payment-reconciler/internal/logging"
	"github.com/imrishuroy/go-payment-reconciler/internal/reconcile"
)

// sweeper resolves pending orders whose webhook never arrived.
type sweeper interface {
	Sweep(ctx context.Context) (reconcile.SweepReport, error)
}

func handler(s sweeper, logger *zap.Logger) func(ctx context.Context, ev events.CloudWatchEvent) (reconcile.SweepReport, error) {
	return func(ctx context.Context, ev events.CloudWatchEvent) (reconcile.SweepReport, error) {
		logger.Info("sweep triggered", zap.String("event_id", ev.ID), zap.Time("scheduled_at", ev.Time))
		return s.Sweep(ctx)
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Environment, "sweeper")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	defer a.Close()

	h := handler(a.Engine, logger)
	if os.Getenv("RUN_LOCAL") == "true" {
		if _, err := h(context.Background(), events.CloudWatchEvent{ID: "local"}); err != nil {
			logger.Fatal("sweep failed", zap.Error(err))
		}
		return
	}
	lambda.Start(h)
}
