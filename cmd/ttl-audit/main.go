// Command ttl-audit prints the TTL reconciliation report for one merchant as CSV.
//
// It compares points still remaining in lots earned before the cutoff with
// the loyalty.points.burned events recorded for that cutoff, one row per
// customer plus a TOTALS row.
//
//	ttl-audit -merchant m-1 -cutoff 2025-04-01T00:00:00Z -only-diff -out report.csv
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/config"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/store/sqlstore"
	"github.com/warp/loyalty-ledger/ttl"
)

func main() {
	configPath := flag.String("config", "config.yaml", "YAML configuration file")
	merchant := flag.String("merchant", "", "Merchant ID (required)")
	cutoffFlag := flag.String("cutoff", "", "Cutoff instant, RFC3339 (required)")
	onlyDiff := flag.Bool("only-diff", false, "Emit only customers with a non-zero diff")
	outPath := flag.String("out", "", "Output file (default stdout)")
	flag.Parse()

	if *merchant == "" || *cutoffFlag == "" {
		flag.Usage()
		os.Exit(2)
	}
	cutoff, err := time.Parse(time.RFC3339Nano, *cutoffFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -cutoff: %v\n", err)
		os.Exit(2)
	}

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
	logger = logger.With().Str("component", "ttl-audit").Logger()
	ctx := logger.WithContext(context.Background())

	if err := run(ctx, cfg, ledger.MerchantID(*merchant), cutoff, *onlyDiff, *outPath); err != nil {
		logger.Fatal().Err(err).Msg("ttl audit failed")
	}
}

func run(ctx context.Context, cfg config.Config, merchantID ledger.MerchantID, cutoff time.Time, onlyDiff bool, outPath string) error {
	store, err := sqlstore.Open(sqlstore.Dialect(cfg.Database.Driver), cfg.Database.DSN, sqlstore.Options{
		MaxTxAttempts: cfg.Database.MaxTxAttempts,
		TxTimeout:     cfg.Database.TxTimeout,
		MaxOpenConns:  cfg.Database.MaxOpenConns,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	var out io.Writer = os.Stdout
	if outPath != "" {
		f, err := os.Create(outPath)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	if err := ttl.NewReconciler(store).ExportCSV(ctx, out, merchantID, cutoff, onlyDiff); err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().
		Str("merchant_id", string(merchantID)).
		Str("cutoff", ttl.CutoffString(cutoff)).
		Bool("only_diff", onlyDiff).
		Msg("ttl reconciliation exported")
	return nil
}
