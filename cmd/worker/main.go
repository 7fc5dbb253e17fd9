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
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Environment, "worker")
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("failed to build app", zap.Error(err))
	}
	defer a.Close()

	p := NewProcessor(a.Guard, a.Deliverer, logger)

	// If RUN_LOCAL=true, process a single message from LOCAL_SQS_BODY.
	if os.Getenv("RUN_LOCAL") == "true" {
		event := events.SQSEvent{
			Records: []events.SQSMessage{
				{MessageId: "local-1", Body: os.Getenv("LOCAL_SQS_BODY")},
			},
		}
		resp, _ := p.Handle(context.Background(), event)
		if len(resp.BatchItemFailures) > 0 {
			logger.Fatal("local message not delivered")
		}
		return
	}

	lambda.Start(p.Handle)
}
