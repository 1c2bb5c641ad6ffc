package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/storefront-checkout/internal/aws"
	"github.com/imrishuroy/storefront-checkout/internal/checkout"
	"github.com/imrishuroy/storefront-checkout/internal/config"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
	"github.com/imrishuroy/storefront-checkout/internal/logging"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
)

func newProcessor(ctx context.Context, cfg *config.Config) (*Processor, error) {
	clients, err := aws.NewClients(ctx)
	if err != nil {
		return nil, err
	}

	idem := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	ord := orders.NewStore(clients.DynamoDB, orders.Tables{
		Orders:    cfg.OrdersTable,
		Products:  cfg.ProductsTable,
		Variants:  cfg.VariantsTable,
		Customers: cfg.CustomersTable,
	}, idem)

	m := aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)
	// reconciliation touches neither the catalog nor the gateway
	svc := checkout.NewService(checkout.Dependencies{
		Orders:      ord,
		Idempotency: idem,
		Metrics:     m,
	}, checkout.Config{Currency: cfg.Currency})

	return NewProcessor(svc, WithMetrics(m)), nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatalf("%v", err)
	}
	logging.Init(cfg.LogLevel)

	p, err := newProcessor(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	// If RUN_LOCAL=true, process a single message from LOCAL_SQS_BODY and exit.
	if cfg.RunLocal {
		event := events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: os.Getenv("LOCAL_SQS_BODY")}},
		}
		resp, err := p.Handle(context.Background(), event)
		if err != nil || len(resp.BatchItemFailures) > 0 {
			log.Fatalf("local message not processed: %v", err)
		}
		return
	}

	lambda.Start(p.Handle)
}
