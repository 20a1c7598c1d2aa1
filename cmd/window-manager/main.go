// ==============================================================================
// WINDOW MANAGER SERVICE MAIN - cmd/window-manager/main.go
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

	"deltran/internal/ledger"
	"deltran/internal/middleware"
	"deltran/internal/netting"
	"deltran/internal/orchestrator"
	"deltran/internal/repository/postgres"
	"deltran/internal/window"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("window-manager")

	log.Info("Starting Window Manager Service", map[string]interface{}{
		"schedule": cfg.Window.Schedule,
	})

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
	netPositionRepo := postgres.NewNetPositionRepository(db)
	instructionRepo := postgres.NewInstructionRepository(db)

	ledgerService := ledger.NewService(db, log)

	engine := netting.NewEngine(cfg.Netting, log)
	processor := orchestrator.NewWindowProcessor(
		obligationRepo,
		netPositionRepo,
		instructionRepo,
		windowRepo,
		engine,
		ledgerService,
		cfg.Settlement,
		log,
	)

	lock := window.NewAdvisoryLock(redisClient, cfg.Window.LockTTL)
	hostname, _ := os.Hostname()
	holder := fmt.Sprintf("window-manager:%s:%d", hostname, os.Getpid())

	scheduler, err := window.NewScheduler(windowRepo, lock, cfg.Window, holder, log, processor.Process)
	if err != nil {
		log.Fatal("Failed to initialize window scheduler", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	go scheduler.Run(ctx, 15*time.Second)

	r := mux.NewRouter()
	r.Use(middleware.Recovery)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.HandleFunc("/health", healthCheck).Methods("GET")
	r.HandleFunc("/ready", readyCheck(db)).Methods("GET")

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("Window manager started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down window manager...", nil)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Window manager forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Window manager stopped gracefully", nil)
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"window-manager"}`))
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
		w.Write([]byte(`{"status":"ready","service":"window-manager"}`))
	}
}
