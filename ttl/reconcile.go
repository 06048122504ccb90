/*
Package ttl audits point expiry.

PURPOSE:
  An external worker expires earn lots and emits loyalty.points_ttl.burned
  outbox events. This package never expires anything: it compares the
  two independently maintained views for one cutoff and reports, per
  customer, how far they disagree.

ARITHMETIC:
  expiredRemain(c) = sum(points - consumedPoints) over c's lots with
                     earnedAt < cutoff and a positive remainder
  burned(c)        = sum(amount) over burn events whose payload cutoff
                     string equals the requested cutoff
  diff(c)          = expiredRemain(c) - burned(c)

  Totals are the column-wise sums of the rows reported.
*/
package ttl

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/export"
	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/metrics"
)

// CutoffLayout is the ISO-8601 form burn events carry in their payload.
const CutoffLayout = "2006-01-02T15:04:05.000Z"

// CutoffString renders t the way burn events record their cutoff.
func CutoffString(t time.Time) string {
	return t.UTC().Format(CutoffLayout)
}

// Store is the persistence needed by the Reconciler.
type Store interface {
	LotsEarnedBefore(ctx context.Context, merchantID ledger.MerchantID, cutoff time.Time) ([]ledger.EarnLot, error)
	EventsOfType(ctx context.Context, merchantID ledger.MerchantID, eventType ledger.EventType) ([]ledger.OutboxEvent, error)
}

// Row is the reconciliation result for one customer.
type Row struct {
	CustomerID    ledger.CustomerID `json:"customerId"`
	ExpiredRemain int64             `json:"expiredRemain"`
	Burned        int64             `json:"burned"`
	Diff          int64             `json:"diff"`
}

// Totals are the column-wise sums of a set of rows.
type Totals struct {
	ExpiredRemain int64 `json:"expiredRemain"`
	Burned        int64 `json:"burned"`
	Diff          int64 `json:"diff"`
}

// Report is the reconciliation of one merchant at one cutoff.
// Rows are sorted by customer id.
type Report struct {
	MerchantID ledger.MerchantID `json:"merchantId"`
	Cutoff     string            `json:"cutoff"`
	Rows       []Row             `json:"rows"`
	Totals     Totals            `json:"totals"`
}

// OnlyDiff returns the report restricted to rows with diff != 0, with
// totals recomputed over the remaining rows.
func (r Report) OnlyDiff() Report {
	out := Report{MerchantID: r.MerchantID, Cutoff: r.Cutoff, Rows: []Row{}}
	for _, row := range r.Rows {
		if row.Diff != 0 {
			out.Rows = append(out.Rows, row)
		}
	}
	out.Totals = sumRows(out.Rows)
	return out
}

// Reconciler compares expired lot remainders with recorded burns.
type Reconciler struct {
	store Store
}

func NewReconciler(store Store) *Reconciler {
	return &Reconciler{store: store}
}

// Reconcile builds the report for merchantID at cutoff.
func (r *Reconciler) Reconcile(ctx context.Context, merchantID ledger.MerchantID, cutoff time.Time) (Report, error) {
	if merchantID == "" {
		return Report{}, fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	if cutoff.IsZero() {
		return Report{}, fmt.Errorf("%w: cutoff is required", ledger.ErrInvalidInput)
	}
	cutoffStr := CutoffString(cutoff)

	lots, err := r.store.LotsEarnedBefore(ctx, merchantID, cutoff)
	if err != nil {
		return Report{}, fmt.Errorf("load lots: %w", err)
	}
	expired := make(map[ledger.CustomerID]int64)
	for _, lot := range lots {
		if !lot.EarnedAt.Before(cutoff) {
			continue
		}
		if remain := lot.Remaining(); remain > 0 {
			expired[lot.CustomerID] += remain
		}
	}

	events, err := r.store.EventsOfType(ctx, merchantID, ledger.EventPointsTTLBurned)
	if err != nil {
		return Report{}, fmt.Errorf("load burn events: %w", err)
	}
	burned := make(map[ledger.CustomerID]int64)
	for _, ev := range events {
		p, err := ledger.DecodePayload(ev)
		if err != nil {
			metrics.NonFatalErrors.WithLabelValues("ttl").Inc()
			zerolog.Ctx(ctx).Warn().Err(err).
				Bool("nonfatal", true).
				Str("event_id", string(ev.ID)).
				Msg("skipping malformed burn event")
			continue
		}
		burn := p.(*ledger.PointsBurnedPayload)
		if burn.Cutoff != cutoffStr {
			continue
		}
		burned[burn.CustomerID] += burn.Amount
	}

	report := Report{MerchantID: merchantID, Cutoff: cutoffStr, Rows: []Row{}}
	seen := make(map[ledger.CustomerID]bool, len(expired)+len(burned))
	for _, m := range []map[ledger.CustomerID]int64{expired, burned} {
		for c := range m {
			if seen[c] {
				continue
			}
			seen[c] = true
			report.Rows = append(report.Rows, Row{
				CustomerID:    c,
				ExpiredRemain: expired[c],
				Burned:        burned[c],
				Diff:          expired[c] - burned[c],
			})
		}
	}
	sort.Slice(report.Rows, func(i, j int) bool { return report.Rows[i].CustomerID < report.Rows[j].CustomerID })
	report.Totals = sumRows(report.Rows)

	zerolog.Ctx(ctx).Debug().
		Str("merchant_id", string(merchantID)).
		Str("cutoff", cutoffStr).
		Int("customers", len(report.Rows)).
		Int64("diff", report.Totals.Diff).
		Msg("ttl reconciliation computed")
	return report, nil
}

// ExportCSV writes the report as quoted CSV with a trailing TOTALS row.
func (r *Reconciler) ExportCSV(ctx context.Context, w io.Writer, merchantID ledger.MerchantID, cutoff time.Time, onlyDiff bool) error {
	report, err := r.Reconcile(ctx, merchantID, cutoff)
	if err != nil {
		return err
	}
	if onlyDiff {
		report = report.OnlyDiff()
	}
	return WriteCSV(w, report)
}

func WriteCSV(w io.Writer, report Report) error {
	cw := export.NewWriter(w)
	cw.Write("customerId", "expiredRemain", "burned", "diff")
	for _, row := range report.Rows {
		cw.Write(string(row.CustomerID), itoa(row.ExpiredRemain), itoa(row.Burned), itoa(row.Diff))
	}
	cw.Write("TOTALS", itoa(report.Totals.ExpiredRemain), itoa(report.Totals.Burned), itoa(report.Totals.Diff))
	return cw.Flush()
}

func sumRows(rows []Row) Totals {
	var t Totals
	for _, row := range rows {
		t.ExpiredRemain += row.ExpiredRemain
		t.Burned += row.Burned
		t.Diff += row.Diff
	}
	return t
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
