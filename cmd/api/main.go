package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/storefront-checkout/internal/aws"
	"github.com/imrishuroy/storefront-checkout/internal/cache"
	"github.com/imrishuroy/storefront-checkout/internal/catalog"
	"github.com/imrishuroy/storefront-checkout/internal/checkout"
	"github.com/imrishuroy/storefront-checkout/internal/config"
	"github.com/imrishuroy/storefront-checkout/internal/handlers"
	"github.com/imrishuroy/storefront-checkout/internal/idempotency"
	"github.com/imrishuroy/storefront-checkout/internal/logging"
	"github.com/imrishuroy/storefront-checkout/internal/metrics"
	"github.com/imrishuroy/storefront-checkout/internal/orders"
	"github.com/imrishuroy/storefront-checkout/internal/payment"
)

func setupRouter(svc handlers.Checkout, m *metrics.ServerMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), handlers.RequestID(), m.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))

	handlers.RegisterOrdersRoutes(r, handlers.HandlerConfig{Checkout: svc})

	return r
}

// metricsFlushInterval is how often buffered business counters reach
// CloudWatch.
const metricsFlushInterval = 15 * time.Second

func newService(ctx context.Context, cfg *config.Config) (*checkout.Service, *aws.Metrics, error) {
	clients, err := aws.NewClients(ctx)
	if err != nil {
		return nil, nil, err
	}

	var catalogOpts []catalog.Option
	if cfg.RedisAddr != "" {
		catalogOpts = append(catalogOpts, catalog.WithTenantCache(cache.NewRedisCache(cfg.RedisAddr, "checkout"), cfg.TenantCacheTTL))
	}
	cat := catalog.NewStore(clients.DynamoDB, catalog.Tables{
		Tenants:   cfg.TenantsTable,
		Products:  cfg.ProductsTable,
		Variants:  cfg.VariantsTable,
		Customers: cfg.CustomersTable,
	}, catalogOpts...)

	idem := idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
	ord := orders.NewStore(clients.DynamoDB, orders.Tables{
		Orders:    cfg.OrdersTable,
		Products:  cfg.ProductsTable,
		Variants:  cfg.VariantsTable,
		Customers: cfg.CustomersTable,
	}, idem)

	gateway := payment.NewStripe(payment.NewStripeClient(cfg.StripeSecretKey), cfg.StripeWebhookSecret)
	m := aws.NewMetrics(clients.CloudWatch, cfg.MetricsNamespace)

	return checkout.NewService(checkout.Dependencies{
		Catalog:        cat,
		Orders:         ord,
		Idempotency:    idem,
		Gateway:        gateway,
		Reconciliation: aws.NewPublisher(clients.SQS, cfg.ReconciliationQueueURL),
		Metrics:        m,
	}, checkout.Config{
		Currency:        cfg.Currency,
		StrictTotals:    cfg.StrictTotals,
		TotalsTolerance: cfg.TotalsTolerance,
	}), m, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("%v", err)
	}
	logging.Init(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, businessMetrics, err := newService(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}
	// a frozen Lambda environment delays the flush until its next invocation
	go businessMetrics.Run(ctx, metricsFlushInterval)

	gin.SetMode(gin.ReleaseMode)
	r := setupRouter(svc, metrics.NewServerMetrics("storefront", "checkout_api"))

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		slog.Info("running local server", "addr", cfg.Addr)
		if err := r.Run(cfg.Addr); err != nil {
			log.Fatalf("failed to run local server: %v", err)
		}
		return
	}

	adapter := ginadapter.New(r)

	lambda.Start(func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		return adapter.ProxyWithContext(ctx, req)
	})
}
