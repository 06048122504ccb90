// Command outbox-relay delivers committed outbox events to Kafka.
//
// It claims due PENDING/FAILED rows, publishes each to
// "<topicPrefix>.<eventType>" keyed by merchant, and records the outcome
// with exponential backoff. Several relays may run against PostgreSQL;
// claims use SKIP LOCKED so a row goes to one relay at a time.
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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/metrics"
	"github.com/warp/loyalty-ledger/outbox"
	"github.com/warp/loyalty-ledger/store/sqlstore"
)

func main() {
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	metricsAddr := flag.String("metrics-addr", ":9101", "Address for the /metrics endpoint (empty disables)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := cfg.Log.Logger(os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	logger = logger.With().Str("component", "outbox-relay").Logger()

	store, err := sqlstore.Open(sqlstore.Dialect(cfg.Database.Driver), cfg.Database.DSN, sqlstore.Options{
		MaxTxAttempts: cfg.Database.MaxTxAttempts,
		TxTimeout:     cfg.Database.TxTimeout,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	metrics.MustRegister(registry)
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics endpoint failed")
			}
		}()
		defer srv.Close()
	}

	writer := outbox.NewKafkaWriter(cfg.Kafka.Brokers)
	defer func() {
		if err := writer.Close(); err != nil {
			logger.Error().Err(err).Msg("close kafka writer")
		}
	}()

	dispatcher := outbox.NewDispatcher(store, outbox.RetryPolicy{
		MaxRetries:  cfg.Outbox.MaxRetries,
		BaseBackoff: cfg.Outbox.BaseBackoff,
		MaxBackoff:  cfg.Outbox.MaxBackoff,
		ClaimLease:  cfg.Outbox.ClaimLease,
	})
	relay := outbox.NewRelay(dispatcher, outbox.NewKafkaPublisher(writer, cfg.Kafka.TopicPrefix),
		cfg.Outbox.BatchSize, cfg.Outbox.PollInterval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logger.WithContext(ctx)

	logger.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic_prefix", cfg.Kafka.TopicPrefix).Msg("relay starting")
	if err := relay.Run(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("relay exited")
	}
}
