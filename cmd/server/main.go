package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
	"go.uber.org/zap"

	"github.com/craftmarket/ledger/docs"
	"github.com/craftmarket/ledger/internal/audit"
	"github.com/craftmarket/ledger/internal/database"
	mW "github.com/craftmarket/ledger/internal/middleware"
	"github.com/craftmarket/ledger/internal/services"
	"github.com/craftmarket/ledger/pkg/logger"
)

// @title Market Ledger API
// @version 1.0
// @description Double-entry ledger, settlement batching and cash advances for the marketplace
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()
	viper.ReadInConfig()

	viper.BindEnv("app.env", "APP_ENV")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("ledger.reserve_account", "LEDGER_RESERVE_ACCOUNT")
	viper.BindEnv("ledger.settlement.batch_size", "SETTLEMENT_BATCH_SIZE")
	viper.BindEnv("ledger.settlement.max_retries", "SETTLEMENT_MAX_RETRIES")
	viper.BindEnv("anchor.url", "ANCHOR_URL")
	viper.BindEnv("anchor.api_key", "ANCHOR_API_KEY")

	logger.Init(viper.GetString("app.env"))
	defer logger.Sync()

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Market Ledger API"
	docs.SwaggerInfo.Description = "Double-entry ledger, settlement batching and cash advances"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditLogger := audit.NewLogger(redisClient)
	ledgerService := services.NewLedgerService(db, redisClient, auditLogger)
	accountService := services.NewAccountService(db, auditLogger)
	settlementService := services.NewSettlementService(db, redisClient, services.NewAnchorClient(), auditLogger)
	advanceService := services.NewAdvanceService(db, ledgerService, auditLogger)

	// Repayments are applied from inflow events, never from a route.
	ledgerService.SetInflowHook(advanceService.HandleInflow)

	scheduler := services.NewScheduler(settlementService, advanceService)
	scheduler.Start()
	defer scheduler.Stop()

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Accounts
			r.Post("/accounts", accountService.CreateAccount)
			r.Post("/accounts/reconcile", accountService.ReconcileBalances)
			r.Get("/accounts/{accountId}/balance", accountService.GetBalance)
			r.Put("/accounts/{accountId}/freeze", accountService.FreezeAccount)
			r.Put("/accounts/{accountId}/unfreeze", accountService.UnfreezeAccount)
			r.Put("/accounts/{accountId}/close", accountService.CloseAccount)

			// Ledger entries
			r.Post("/entries", ledgerService.CreateEntry)
			r.Get("/entries/{entryId}", ledgerService.GetEntry)
			r.Post("/entries/{entryId}/reverse", ledgerService.ReverseEntry)

			// Dividend distribution
			r.Post("/pools/{accountId}/dividends", ledgerService.DistributeDividends)

			// Settlement batches
			r.Get("/settlements", settlementService.ListBatches)
			r.Get("/settlements/{batchId}", settlementService.GetBatch)

			// Advances
			r.Post("/advances", advanceService.RequestAdvance)
			r.Get("/advances/{advanceId}", advanceService.GetAdvance)
			r.Post("/advances/{advanceId}/approve", advanceService.ApproveAdvance)
			r.Post("/advances/{advanceId}/cancel", advanceService.CancelAdvance)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		logger.Info("server starting", zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("server shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
