package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ledger-service/ledger_service/internal/domain/services/ledger"
	"github.com/ledger-service/ledger_service/internal/infrastructure/config"
	"github.com/ledger-service/ledger_service/internal/infrastructure/database"
	"github.com/ledger-service/ledger_service/internal/infrastructure/repositories"
	"github.com/ledger-service/ledger_service/pkg/logger"
	"github.com/ledger-service/ledger_service/pkg/metrics"
	"github.com/ledger-service/ledger_service/pkg/tracing"
)

func main() {
	rebuildBalances := flag.Bool("rebuild-balances", false,
		"rebuild the denormalized ledger balances from the entries and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.Environment)
	defer log.Sync()

	ctx := context.Background()

	shutdownTracer, err := tracing.InitTracer(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		CollectorURL: cfg.Tracing.Endpoint,
		Environment:  cfg.Environment,
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	}, log.Zap())
	if err != nil {
		log.Fatal("Failed to initialize tracing", "error", err)
	}
	defer shutdownTracer(ctx)

	if err := database.RunMigrations(cfg.Database.URL); err != nil {
		log.Fatal("Failed to run migrations", "error", err)
	}

	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", "error", err)
	}
	defer db.Close()

	repo := repositories.NewLedgerRepository(db)
	svc := ledger.NewService(repo, log, cfg.Ledger.DebitsAreNegative)

	if *rebuildBalances {
		log.Info("Rebuilding ledger balances")
		if err := svc.RebuildLedgerBalances(ctx); err != nil {
			log.Fatal("Balance rebuild failed", "error", err)
		}
		log.Info("Balance rebuild complete")
		return
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			if err := database.HealthCheck(db); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
		})

		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("Metrics listener started", "addr", cfg.Metrics.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("Metrics listener failed", "error", err)
			}
		}()
	}

	log.Info("Ledger service started",
		"environment", cfg.Environment,
		"debits_are_negative", cfg.Ledger.DebitsAreNegative)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error("Metrics listener shutdown failed", "error", err)
		}
	}
}
