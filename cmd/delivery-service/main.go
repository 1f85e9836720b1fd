package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-delivery/internal/auth"
	"ms-delivery/internal/config"
	"ms-delivery/internal/database/migrations"
	deliverykafka "ms-delivery/internal/kafka"
	"ms-delivery/internal/logger"
	"ms-delivery/internal/matching"
	"ms-delivery/internal/notify"
	"ms-delivery/internal/orders"
	"ms-delivery/internal/orders/api"
	orderdb "ms-delivery/internal/orders/db"
	"ms-delivery/internal/payment"
	paymenthandler "ms-delivery/internal/payment/handler"
	"ms-delivery/internal/requests"
	requestdb "ms-delivery/internal/requests/db"
	"ms-delivery/internal/scheduler"
	"ms-delivery/internal/settlement"
	"ms-delivery/internal/settlement/storage"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg := config.Load()
	logg := logger.NewLogger()
	defer logg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- PostgreSQL ---
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Database.Username, cfg.Database.Password, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
	connector := pgdriver.NewConnector(pgdriver.WithDSN(dsn))
	sqldb := sql.OpenDB(connector)
	defer sqldb.Close()

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	if err := sqldb.Ping(); err != nil {
		log.Fatalf("❌ Failed to connect to Postgres: %v", err)
	}
	bunDB := bun.NewDB(sqldb, pgdialect.New())

	// --- Migrations ---
	migrateOpts := migrations.DefaultOptions()
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		migrateOpts.MigrationsDir = dir
	}
	if v, err := strconv.ParseBool(os.Getenv("SEED_DATA")); err == nil {
		migrateOpts.SeedData = v
	}
	runner := migrations.NewRunner(bunDB, migrateOpts)
	if migrateOpts.AutoMigrate {
		if err := runner.RunMigrations(); err != nil {
			log.Fatalf("❌ Migration failed: %v", err)
		}
	}

	// --- Redis ---
	redisClient := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("❌ Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	// --- Kafka ---
	var eventProducer, notifProducer *deliverykafka.Producer
	if cfg.Kafka.Enabled && !cfg.Kafka.MockMode {
		topics := []string{cfg.Kafka.Topics.OrderEvents, cfg.Kafka.Topics.Notifications}
		if err := deliverykafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics); err != nil {
			log.Printf("⚠️ Could not ensure Kafka topics: %v", err)
		}
		eventProducer = deliverykafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.OrderEvents)
		notifProducer = deliverykafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.Notifications)
		defer eventProducer.Close()
		defer notifProducer.Close()
	}

	// --- Payment provider ---
	checkout, err := payment.NewStripeCheckout(cfg.Stripe, logg)
	if err != nil {
		log.Fatalf("❌ Stripe checkout init failed: %v", err)
	}
	provider, err := settlement.NewStripeProvider(logg)
	if err != nil {
		log.Fatalf("❌ Stripe settlement init failed: %v", err)
	}

	// --- Settlement ledger ---
	ledger, err := storage.NewPostgreSQLStoreWithDB(sqldb, logg)
	if err != nil {
		log.Fatalf("❌ Settlement ledger init failed: %v", err)
	}

	// --- Core services ---
	sched := scheduler.New(bunDB, logg, cfg.Orchestrator)
	orderStore := &orderdb.DB{Bun: bunDB}
	requestStore := &requestdb.DB{Bun: bunDB}

	presence := notify.NewPresence()
	router := notify.NewRouter(presence, logg)
	var dispatcher *notify.Dispatcher
	if eventProducer != nil {
		dispatcher = notify.NewDispatcher(eventProducer, notifProducer, presence, logg, false)

		// The notification worker consumes what the dispatcher
		// publishes and routes it by presence.
		consumer := deliverykafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topics.Notifications, cfg.Kafka.GroupID, logg)
		defer consumer.Close()
		go consumer.Start(ctx, router.Handle)
	} else {
		dispatcher = notify.NewDispatcher(nil, nil, presence, logg, true)
	}

	requestSvc := requests.NewService(requestStore, sched, logg,
		cfg.Orchestrator.RestaurantAcceptWindow, cfg.Orchestrator.DriverAcceptWindow)

	exclusions := matching.NewExclusionStore(redisClient, cfg.Orchestrator.ExclusionSetTTL)
	settlementSvc := settlement.NewService(orderStore, provider, ledger, sched, logg,
		cfg.Orchestrator.SettlementRetryBase, cfg.Orchestrator.SettlementMaxRetries)

	engine := matching.NewEngine(orderStore, requestSvc, exclusions, settlementSvc, dispatcher, sched, logg,
		cfg.Orchestrator.DriverSearchRadiusKm, cfg.Orchestrator.DriverSearchRetryDelay, cfg.Orchestrator.DriverSearchMaxRetries)

	orderSvc := orders.NewService(orderStore, requestSvc, engine, settlementSvc, checkout,
		dispatcher, dispatcher, sched, logg, cfg.Orchestrator.CheckoutSessionExpiry)

	// The order service is the expiry continuation for both request
	// kinds; the cycle is closed after construction.
	requestSvc.SetHooks(orderSvc)

	requestSvc.RegisterJobs(sched)
	engine.RegisterJobs(sched)
	settlementSvc.RegisterJobs(sched)
	orderSvc.RegisterJobs(sched)

	// Jobs claimed by a previous crashed instance go back to pending.
	if n, err := sched.ReclaimStale(ctx, 5*time.Minute); err != nil {
		log.Printf("⚠️ Failed to reclaim stale jobs: %v", err)
	} else if n > 0 {
		log.Printf("♻️ Reclaimed %d stale job(s)", n)
	}
	sched.Start(ctx)

	// --- HTTP ---
	webhook := paymenthandler.NewStripeHandler(orderSvc, cfg.Stripe.WebhookSecret, logg)
	handler := &api.Handler{
		OrderService: orderSvc,
		Presence:     presence,
		Router:       router,
		QR:           notify.NewQRGenerator(os.Getenv("PICKUP_QR_SECRET")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	// Webhooks authenticate by signature, not bearer token.
	r.Post("/api/v1/webhooks/stripe", webhook.HandleWebhook)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if err := ledger.HealthCheck(); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		if os.Getenv("OIDC_ISSUER") != "" {
			r.Use(auth.Middleware())
		}
		r.Post("/api/v1/orders/checkout", handler.CreateCheckout)
		r.Get("/api/v1/orders/{orderId}", handler.GetOrder)
		r.Get("/api/v1/orders/{orderId}/pickup-qr", handler.PickupQR)
		r.Post("/api/v1/orders/{orderId}/restaurant-decision", handler.RestaurantDecision)
		r.Post("/api/v1/orders/{orderId}/driver-decision", handler.DriverDecision)
		r.Post("/api/v1/orders/{orderId}/ready", handler.MarkReady)
		r.Post("/api/v1/orders/{orderId}/pickup", handler.MarkPickedUp)
		r.Post("/api/v1/orders/{orderId}/delivered", handler.MarkDelivered)
		r.Post("/api/v1/presence/connect", handler.Connect)
		r.Post("/api/v1/presence/disconnect", handler.Disconnect)
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("🚀 Delivery service running on %s", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ HTTP server error: %v", err)
		}
	}()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("📦 Shutdown signal received. Cleaning up...")

	cancel() // stops the scheduler dispatcher

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Fatalf("❌ Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server exited gracefully")
}
