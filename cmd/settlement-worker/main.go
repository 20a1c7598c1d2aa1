// ==============================================================================
// SETTLEMENT WORKER SERVICE MAIN - cmd/settlement-worker/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"deltran/internal/event"
	"deltran/internal/ledger"
	"deltran/internal/middleware"
	"deltran/internal/obligation"
	"deltran/internal/orchestrator"
	"deltran/internal/rail"
	"deltran/internal/repository/postgres"
	"deltran/internal/retry"
	"deltran/internal/settlement"
	"deltran/internal/window"
	"deltran/pkg/config"
	"deltran/pkg/logger"
)

func main() {
	cfg := config.Load()
	log := logger.New("settlement-worker")

	log.Info("Starting Settlement Worker Service", map[string]interface{}{
		"rails": cfg.Rail.Names,
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

	instructionRepo := postgres.NewInstructionRepository(db)
	operationRepo := postgres.NewOperationRepository(db)
	checkpointRepo := postgres.NewCheckpointRepository(db)
	obligationRepo := postgres.NewObligationRepository(db)
	windowRepo := postgres.NewWindowRepository(db)

	ledgerService := ledger.NewService(db, log)
	complianceGate := orchestrator.NewComplianceGate(obligationRepo)

	eventBus := event.NewBus(redisClient, 24*time.Hour, log)
	windowLookup := postgres.NewWindowLookupAdapter(windowRepo)
	admissionService := obligation.NewService(obligationRepo, windowLookup, ledgerService, eventBus, log)
	refundPublisher := orchestrator.NewRefundPublisher(admissionService)

	rails := make(map[string]rail.Rail, len(cfg.Rail.Names))
	priorities := make([]string, 0, len(cfg.Rail.Names))
	for _, name := range cfg.Rail.Names {
		rails[name] = rail.NewSimulatedRail(name, cfg.Rail.Format)
		priorities = append(priorities, name)
	}
	healthTracker := retry.NewHealthTracker(redisClient)
	selector := retry.NewSelector(rails, map[string][]string{"*:*": priorities}, healthTracker, cfg.Rail.HealthThreshold)

	backoff := retry.NewBackoff(cfg.Retry)
	executor := settlement.NewExecutor(
		instructionRepo,
		operationRepo,
		checkpointRepo,
		ledgerService,
		obligationRepo,
		selector,
		complianceGate,
		refundPublisher,
		healthTracker,
		backoff,
		cfg.Settlement,
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go runDrainLoop(ctx, &wg, windowRepo, instructionRepo, executor, cfg.Settlement, log)

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
		log.Info("Settlement worker started", map[string]interface{}{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{"error": err.Error()})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down settlement worker...", nil)
	cancel()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Settlement worker forced to shutdown", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Settlement worker stopped gracefully", nil)
}

// runDrainLoop polls every settling window for pending and retry-eligible
// instructions and hands each to the executor concurrently; work on a
// single instruction stays sequential inside Executor.Run (spec.md §5).
func runDrainLoop(
	ctx context.Context,
	wg *sync.WaitGroup,
	windows window.Store,
	instructions settlement.InstructionStore,
	executor *settlement.Executor,
	cfg config.SettlementConfig,
	log logger.Logger,
) {
	defer wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			drainOnce(ctx, windows, instructions, executor, log)
		}
	}
}

func drainOnce(
	ctx context.Context,
	windows window.Store,
	instructions settlement.InstructionStore,
	executor *settlement.Executor,
	log logger.Logger,
) {
	settling, err := windows.FindInStatus(ctx, window.StatusSettling)
	if err != nil {
		log.Error("drain: list settling windows failed", map[string]interface{}{"error": err.Error()})
		return
	}

	var pending []*settlement.Instruction
	for _, w := range settling {
		instrs, err := instructions.FindPendingForWindow(ctx, w.ID)
		if err != nil {
			log.Error("drain: list pending instructions failed", map[string]interface{}{
				"window_id": w.ID.String(), "error": err.Error(),
			})
			continue
		}
		pending = append(pending, instrs...)
	}

	retryEligible, err := instructions.FindRetryEligible(ctx, time.Now().UTC())
	if err != nil {
		log.Error("drain: list retry-eligible instructions failed", map[string]interface{}{"error": err.Error()})
	} else {
		pending = append(pending, retryEligible...)
	}

	var wg sync.WaitGroup
	for _, instr := range pending {
		wg.Add(1)
		go func(instr *settlement.Instruction) {
			defer wg.Done()
			if err := executor.Run(ctx, instr); err != nil {
				log.Error("instruction execution failed", map[string]interface{}{
					"instruction_id": instr.ID.String(),
					"end_to_end_ref": instr.EndToEndRef.String(),
					"error":          err.Error(),
				})
			}
		}(instr)
	}
	wg.Wait()
}

func healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"healthy","service":"settlement-worker"}`))
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
		w.Write([]byte(`{"status":"ready","service":"settlement-worker"}`))
	}
}
