/*
main.go - Loyalty ledger API server

PURPOSE:
  Initializes and starts the loyalty ledger HTTP API.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (YAML file + environment)
  2. Open the datastore (SQLite or PostgreSQL) and migrate the schema
  3. Build the ledger service, outbox controller and TTL reconciler
  4. Configure HTTP router with /metrics and /healthz
  5. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (default: config.yaml, optional)
  -port    HTTP server port, overrides the config file
  -db      SQLite database path, overrides the config file
           Use ":memory:" for in-memory database

ENVIRONMENT:
  DATABASE_URL, DB_DRIVER, PORT, KAFKA_BROKERS, LOG_LEVEL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Close database connection
  4. Exit

EXAMPLES:
  ./server -db="./data/loyalty.db"
  DATABASE_URL=postgres://loyalty@localhost/loyalty ./server

SEE ALSO:
  - api/server.go: Router configuration
  - cmd/outbox-relay: Delivers outbox events to Kafka
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/api"
	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/metrics"
	"github.com/warp/loyalty-ledger/outbox"
	"github.com/warp/loyalty-ledger/store/sqlstore"
	"github.com/warp/loyalty-ledger/ttl"
)

func main() {
	// Flags
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Driver = string(sqlstore.DialectSQLite)
		cfg.Database.DSN = *dbPath
	}

	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	zerolog.DefaultContextLogger = &logger

	// Initialize store
	store, err := sqlstore.Open(sqlstore.Dialect(cfg.Database.Driver), cfg.Database.DSN, sqlstore.Options{
		MaxTxAttempts: cfg.Database.MaxTxAttempts,
		TxTimeout:     cfg.Database.TxTimeout,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.Database.Driver).Msg("failed to initialize database")
	}
	defer store.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(registry)

	// Domain services
	svc := ledger.NewService(store, store, ledger.ServiceConfig{
		WalletType:      ledger.WalletType(cfg.Ledger.WalletType),
		AntifraudPolicy: ledger.BreachPolicy(cfg.Ledger.AntifraudPolicy),
	})
	handler := api.NewHandler(svc, outbox.NewController(store), ttl.NewReconciler(store), store)
	handler.Ping = store.Ping

	router := api.NewRouter(handler, api.RouterOptions{
		Logger:  logger,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	logger.Info().Msg("server stopped")
}
