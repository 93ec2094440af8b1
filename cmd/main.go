package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qrpayhq/qrpay-gobackend/internal/db"
	"github.com/qrpayhq/qrpay-gobackend/internal/events"
	"github.com/qrpayhq/qrpay-gobackend/internal/handlers"
	internalMiddleware "github.com/qrpayhq/qrpay-gobackend/internal/middleware"
	"github.com/qrpayhq/qrpay-gobackend/internal/services"
	"github.com/qrpayhq/qrpay-gobackend/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(".env"); err != nil {
		log.Warn().Msg(".env not found, using system environment")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// MongoDB is the durable store; nothing works without it.
	uri := os.Getenv("MONGOURI")
	if uri == "" {
		log.Fatal().Msg("MONGOURI environment variable not set")
	}
	client, err := db.Connect(ctx, uri)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to MongoDB")
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			log.Error().Err(err).Msg("Error disconnecting from MongoDB")
		}
	}()
	log.Info().Msg("Connected to MongoDB")

	database := client.Database("qrpaydb")
	if err := store.EnsureIndexes(ctx, database); err != nil {
		log.Fatal().Err(err).Msg("Failed to create indexes")
	}

	// Redis backs create idempotency; absence degrades to uncached.
	var responseCache internalMiddleware.ResponseCache
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unreachable, idempotency disabled")
		} else {
			responseCache = internalMiddleware.NewIdempotencyStore(redisClient)
			log.Info().Msg("Connected to Redis")
		}
	}

	bus := events.NewMemoryBus()
	defer bus.Close()

	// Optional relay of lifecycle events to a topic exchange.
	if rabbitURL := os.Getenv("RABBITMQ_URL"); rabbitURL != "" {
		conn, err := amqp.DialConfig(rabbitURL, amqp.Config{
			Properties: amqp.Table{"connection_name": "QRPay_EventRelay"},
		})
		if err != nil {
			log.Warn().Err(err).Msg("RabbitMQ unreachable, event relay disabled")
		} else {
			defer conn.Close()
			ch, err := conn.Channel()
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to open RabbitMQ channel")
			}
			defer ch.Close()

			relay, err := events.NewRabbitRelay(ch, "qrpay_events")
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to set up RabbitMQ relay")
			}
			for _, eventType := range events.Types {
				bus.Register(eventType, relay.Handle)
			}
			log.Info().Msg("Connected to RabbitMQ")
		}
	}

	transactionStore := store.NewMongoTransactionStore(database)
	sequenceStore := store.NewMongoSequenceStore(database)
	tenantStore := store.NewMongoTenantStore(database)

	transactionService := services.NewTransactionService(transactionStore, sequenceStore, tenantStore, bus)
	tenantService := services.NewTenantService(tenantStore)

	dispatcher := services.NewWebhookDispatcher(tenantStore, webhookTimeout())
	dispatcher.RegisterAll(bus)

	sweeper := services.NewExpirationSweeper(transactionService, sweepInterval())
	go sweeper.Run(ctx)

	transactionHandler := handlers.NewTransactionHandler(transactionService)
	tenantHandler := handlers.NewTenantHandler(tenantService)

	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "HEAD")

	router.HandleFunc("/api/tenant", tenantHandler.Create).Methods("POST")
	router.HandleFunc("/api/tenant/{tenantID}", tenantHandler.Get).Methods("GET")
	router.HandleFunc("/api/tenant/{tenantID}/webhook", tenantHandler.AddEndpoint).Methods("POST")
	router.HandleFunc("/api/tenant/{tenantID}/webhook/{endpointID}", tenantHandler.UpdateEndpoint).Methods("PATCH")

	idempotency := internalMiddleware.Idempotency(responseCache)
	router.Handle("/api/transaction", idempotency(http.HandlerFunc(transactionHandler.Create))).Methods("POST")
	router.HandleFunc("/api/transaction/{transactionID}", transactionHandler.Get).Methods("GET")
	router.HandleFunc("/api/transaction/{transactionID}/confirm", transactionHandler.Confirm).Methods("POST")
	router.HandleFunc("/api/transaction/{transactionID}/cancel", transactionHandler.Cancel).Methods("POST")
	router.HandleFunc("/api/transaction/{transactionID}/settle", transactionHandler.Settle).Methods("POST")
	router.HandleFunc("/api/tenant/{tenantID}/transactions", transactionHandler.ListByTenant).Methods("GET")

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	server := &http.Server{
		Addr:         "0.0.0.0:" + port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("port", port).Msg("Server running")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start HTTP server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	dispatcher.Wait()
}

func webhookTimeout() time.Duration {
	if v := os.Getenv("WEBHOOK_TIMEOUT_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return services.DefaultWebhookTimeout
}

func sweepInterval() time.Duration {
	if v := os.Getenv("SWEEP_INTERVAL_SECONDS"); v != "" {
		if seconds, err := strconv.Atoi(v); err == nil && seconds > 0 {
			return time.Duration(seconds) * time.Second
		}
	}
	return services.DefaultSweepInterval
}
