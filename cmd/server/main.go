/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the variable-pay engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration (.env + environment)
  2. Build the zap logger
  3. Open the store (SQLite or PostgreSQL)
  4. Install the default concept catalogue on an empty store
  5. Apply the seed file, if any
  6. Wire calculator, engine, ledger and HTTP handler
  7. Start the draft scheduler, if enabled
  8. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -env-file  Path of the .env file (default: .env, ignored when missing)
  -seed      Seed file applied at startup (overrides SEED_FILE)

ENVIRONMENT:
  APP_ADDR, APP_ENV, LOG_LEVEL, DB_DRIVER, SQLITE_PATH, DATABASE_URL,
  GENERATION_WORKERS, INACTIVE_EMPLOYEE_POLICY, OFFICE_ROLES,
  SCHEDULER_ENABLED, SCHEDULER_SPEC, CORS_ALLOWED_ORIGINS, SEED_FILE,
  SHUTDOWN_TIMEOUT. See config/config.go.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for a running job)
  2. Stop accepting new connections
  3. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  4. Close the store
  5. Exit

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Storage backends
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/varpay/api"
	"github.com/warp/varpay/config"
	"github.com/warp/varpay/payroll"
	"github.com/warp/varpay/store/postgres"
	"github.com/warp/varpay/store/sqlite"
	"github.com/warp/varpay/tariff"
	"github.com/warp/varpay/trucking"
)

func main() {
	// Flags
	envFile := flag.String("env-file", ".env", "Path of the .env file")
	seedFile := flag.String("seed", "", "Seed file applied at startup")
	flag.Parse()

	cfg, err := config.Load(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if *seedFile != "" {
		cfg.SeedFile = *seedFile
	}

	logger, err := config.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// backend is a storage backend together with its tariff view.
type backend struct {
	store   api.Store
	tariffs tariff.TxStore
	close   func() error
}

func openBackend(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		s, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return backend{}, err
		}
		return backend{store: s, tariffs: s.Tariffs(), close: s.Close}, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return backend{}, fmt.Errorf("create data directory: %w", err)
			}
		}
		s, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return backend{}, err
		}
		return backend{store: s, tariffs: s.Tariffs(), close: s.Close}, nil
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	// Initialize store
	b, err := openBackend(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initialize store: %w", err)
	}
	defer b.close()
	logger.Info("store ready", zap.String("driver", cfg.DBDriver))

	if err := ensureCatalogue(ctx, b.store); err != nil {
		return err
	}

	// Wire the engine
	resolver := tariff.NewResolver(b.tariffs)
	calculator := trucking.NewCalculator(b.store, resolver,
		trucking.WithOfficeRoles(cfg.OfficeRoles...),
		trucking.WithLogger(logger.Named("calculator")),
	)
	engine := payroll.NewEngine(payroll.EngineConfig{
		Store:          b.store,
		Directory:      b.store,
		Facts:          b.store,
		Calculator:     calculator,
		Catalogue:      b.store,
		Logger:         logger.Named("engine"),
		Workers:        cfg.GenerationWorkers,
		InactivePolicy: cfg.InactivePolicy,
	})
	ledger := tariff.NewLedger(b.tariffs, b.store, tariff.WithLogger(logger.Named("tariffs")))

	handler := api.NewHandler(b.store, b.tariffs, engine, ledger, logger)

	if cfg.SeedFile != "" {
		sj, err := handler.Seeds.LoadFile(cfg.SeedFile)
		if err != nil {
			return err
		}
		sum, err := handler.Seeds.Apply(ctx, b.store, ledger, sj)
		if err != nil {
			return fmt.Errorf("apply seed %s: %w", cfg.SeedFile, err)
		}
		logger.Info("seed applied",
			zap.String("file", cfg.SeedFile),
			zap.Int("employees", sum.Employees),
			zap.Int("tariffs", sum.Tariffs),
			zap.Int("work_days", sum.WorkDays),
			zap.Int("absences", sum.Absences),
		)
	}

	var scheduler *api.DraftScheduler
	if cfg.SchedulerEnabled {
		scheduler, err = api.NewDraftScheduler(engine, cfg.SchedulerSpec, logger)
		if err != nil {
			return err
		}
		scheduler.Start()
	}

	// Create router
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		Logger:         logger,
	})

	// Create server
	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("addr", cfg.Addr), zap.String("env", cfg.Environment))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	if scheduler != nil {
		scheduler.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

// ensureCatalogue installs the default concepts on an empty store.
func ensureCatalogue(ctx context.Context, store api.Store) error {
	concepts, err := store.ListConcepts(ctx)
	if err != nil {
		return err
	}
	if len(concepts) > 0 {
		return nil
	}
	for _, c := range trucking.DefaultCatalogue() {
		if err := store.SaveConcept(ctx, c); err != nil {
			return fmt.Errorf("install catalogue: %w", err)
		}
	}
	return nil
}
