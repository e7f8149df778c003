package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/psp"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	eventPublisher := broker.NewEventPublisher(producer)
	reviewCache := redisclient.NewReviewCache(redisClient, cfg.Checkout.ReviewNoteTTL)

	gateways := map[models.PaymentProvider]psp.Gateway{
		models.ProviderCard: psp.NewCardGateway(
			cfg.Payments.CardAPIBase, cfg.Payments.CardAPIKey, cfg.Payments.CardWebhookSecret),
		models.ProviderBankInvoice: psp.NewInvoiceGateway(
			cfg.Payments.InvoiceAPIBase, cfg.Payments.InvoiceAPIKey, cfg.Payments.InvoiceWebhookSecret),
	}

	// instanceID scopes restock leases and webhook event claims to this process
	instanceID := uuid.New().String()

	guard := service.NewPaymentGuard(db)
	restockEngine := service.NewRestockEngine(db, guard, eventPublisher, instanceID, cfg.Checkout.RestockLeaseTTL)
	checkoutService := service.NewCheckoutService(db, guard, restockEngine, eventPublisher,
		cfg.Checkout.MaxQuantityPerLine, cfg.Checkout.DefaultCurrency,
		cfg.Payments.Enabled, models.PaymentProvider(cfg.Payments.DefaultProvider))
	webhookReconciler := service.NewWebhookReconciler(db, guard, restockEngine,
		gateways, reviewCache, eventPublisher, instanceID, cfg.Payments.EventClaimTTL)
	adminService := service.NewAdminService(db, guard, restockEngine, gateways)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweeper(db, restockEngine, cfg.Sweep, instanceID)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			log.Printf("Sweeper error: %v", err)
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(checkoutService, webhookReconciler, adminService, redisClient,
		cfg.Payments.SignatureFailureLimit, cfg.Payments.SignatureFailureWindow,
		cfg.Payments.EventClaimTTL)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	workerCancel()

	log.Println("Server exited")
}
