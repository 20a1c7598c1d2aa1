// ==============================================================================
// GATEWAY SERVICE MAIN - cmd/gateway/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"deltran/internal/event"
	"deltran/internal/handler"
	"deltran/internal/ledger"
	"deltran/internal/middleware"
	"deltran/internal/obligation"
	"deltran/internal/reconciliation"
	"deltran/internal/repository/postgres"
	"deltran/pkg/cache"
	"deltran/pkg/config"
	"deltran/pkg/logger"
	"deltran/pkg/validator"
)

// The gateway is the one externally-reachable service in the clearing core:
// it accepts canonical obligation descriptors and bank confirmations and
// hands them straight to the admission/reconciliation packages (spec.md
// §6, §7). Unlike the teacher's old API gateway it does not reverse-proxy
// to a constellation of other backend services — there are none here, the
// window manager and settlement worker are internal daemons with no
// public surface of their own.
func main() {
	cfg := config.Load()
	log := logger.New("gateway")

	log.Info("Starting Gateway Service", map[string]interface{}{"port": cfg.Server.Port})

	db, err := sqlx.Connect("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.URL,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
	}
	log.Info("Redis connected", nil)

	windowRepo := postgres.NewWindowRepository(db)
	obligationRepo := postgres.NewObligationRepository(db)
	instructionRepo := postgres.NewInstructionRepository(db)
	confirmationRepo := postgres.NewConfirmationRepository(db)
	instructionLookupRepo := postgres.NewInstructionLookupRepository(db)

	ledgerService := ledger.NewService(db, log)
	eventBus := event.NewBus(redisClient, 24*time.Hour, log)
	windowLookup := postgres.NewWindowLookupAdapter(windowRepo)
	admissionService := obligation.NewService(obligationRepo, windowLookup, ledgerService, eventBus, log)
	matcher := reconciliation.NewMatcher(confirmationRepo, instructionLookupRepo, cfg.Reconciliation, log)

	val := validator.New()
	queryCache, err := cache.NewRedisCache(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatal("Failed to initialize query cache", map[string]interface{}{"error": err.Error()})
	}
	defer queryCache.Close()

	gatewayHandler := handler.NewGatewayHandler(
		admissionService,
		obligationRepo,
		instructionRepo,
		windowRepo,
		matcher,
		val,
		queryCache,
		log,
	)

	r := mux.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recovery)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.NewRateLimiter(redisClient, 100, time.Minute).Limit)

	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ready", readyCheck(db)).Methods("GET")

	blacklist := middleware.NewRedisTokenBlacklist(redisClient)
	authMW := middleware.NewAuthMiddleware(cfg.JWT.Secret, blacklist)
	idemMW := middleware.NewIdempotencyMiddleware(redisClient, 24*time.Hour)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(authMW.Authenticate)
	api.HandleFunc("/obligations", idemMW.Require(http.HandlerFunc(gatewayHandler.SubmitObligation)).ServeHTTP).Methods("POST")
	api.HandleFunc("/obligations/{id}", gatewayHandler.GetObligation).Methods("GET")
	api.HandleFunc("/instructions/{id}", gatewayHandler.GetInstruction).Methods("GET")
	api.HandleFunc("/windows/{id}", gatewayHandler.GetWindow).Methods("GET")
	api.HandleFunc("/confirmations", idemMW.Require(http.HandlerFunc(gatewayHandler.SubmitConfirmation)).ServeHTTP).Methods("POST")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Gateway started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down gateway...", nil)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Gateway forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Gateway stopped gracefully", nil)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"gateway"}`))
}

func readyCheck(db *sqlx.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"not ready","reason":"database unavailable"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready","service":"gateway"}`))
	}
}
