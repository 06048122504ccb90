package ttl_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/store/sqlstore"
	"github.com/warp/loyalty-ledger/ttl"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const merchant = ledger.MerchantID("m-1")

var cutoff = time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

type fakeStore struct {
	lots   []ledger.EarnLot
	events []ledger.OutboxEvent
}

func (f *fakeStore) LotsEarnedBefore(ctx context.Context, merchantID ledger.MerchantID, before time.Time) ([]ledger.EarnLot, error) {
	var out []ledger.EarnLot
	for _, l := range f.lots {
		if l.MerchantID == merchantID && l.EarnedAt.Before(before) {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeStore) EventsOfType(ctx context.Context, merchantID ledger.MerchantID, eventType ledger.EventType) ([]ledger.OutboxEvent, error) {
	var out []ledger.OutboxEvent
	for _, e := range f.events {
		if e.MerchantID == merchantID && e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out, nil
}

func lot(customer ledger.CustomerID, points, consumed int64, earnedAt time.Time) ledger.EarnLot {
	return ledger.EarnLot{
		ID:             ledger.LotID(string(customer) + earnedAt.Format("0102")),
		MerchantID:     merchant,
		CustomerID:     customer,
		Points:         points,
		ConsumedPoints: consumed,
		EarnedAt:       earnedAt,
		Status:         ledger.LotActive,
	}
}

func burn(t *testing.T, customer ledger.CustomerID, amount int64, cutoffStr string) ledger.OutboxEvent {
	t.Helper()
	ev, err := ledger.NewEvent(merchant, ledger.PointsBurnedPayload{
		CustomerID: customer,
		Amount:     amount,
		Cutoff:     cutoffStr,
	}, cutoff)
	require.NoError(t, err)
	return ev
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestReconcile_DiffPerCustomer(t *testing.T) {
	// GIVEN: alice has 70 expired and 70 burned, bob has 50 expired and 20 burned
	// WHEN: Reconciling at the cutoff
	// THEN: alice diff 0, bob diff 30, totals sum the rows

	cutoffStr := ttl.CutoffString(cutoff)
	store := &fakeStore{
		lots: []ledger.EarnLot{
			lot("alice", 100, 30, cutoff.AddDate(0, -2, 0)),
			lot("bob", 50, 0, cutoff.AddDate(0, -1, 0)),
			lot("bob", 80, 0, cutoff.AddDate(0, 0, 1)), // after cutoff
			lot("carol", 40, 40, cutoff.AddDate(0, -1, 0)),
		},
		events: []ledger.OutboxEvent{
			burn(t, "alice", 70, cutoffStr),
			burn(t, "bob", 20, cutoffStr),
			burn(t, "bob", 999, ttl.CutoffString(cutoff.AddDate(0, -1, 0))), // other run
		},
	}

	report, err := ttl.NewReconciler(store).Reconcile(context.Background(), merchant, cutoff)
	require.NoError(t, err)

	assert.Equal(t, "2025-04-01T00:00:00.000Z", report.Cutoff)
	assert.Equal(t, []ttl.Row{
		{CustomerID: "alice", ExpiredRemain: 70, Burned: 70, Diff: 0},
		{CustomerID: "bob", ExpiredRemain: 50, Burned: 20, Diff: 30},
	}, report.Rows)
	assert.Equal(t, ttl.Totals{ExpiredRemain: 120, Burned: 90, Diff: 30}, report.Totals)

	only := report.OnlyDiff()
	require.Len(t, only.Rows, 1)
	assert.Equal(t, ledger.CustomerID("bob"), only.Rows[0].CustomerID)
	assert.Equal(t, ttl.Totals{ExpiredRemain: 50, Burned: 20, Diff: 30}, only.Totals)
}

func TestReconcile_BurnWithoutLots_NegativeDiff(t *testing.T) {
	store := &fakeStore{events: []ledger.OutboxEvent{burn(t, "dave", 15, ttl.CutoffString(cutoff))}}

	report, err := ttl.NewReconciler(store).Reconcile(context.Background(), merchant, cutoff)
	require.NoError(t, err)

	assert.Equal(t, []ttl.Row{{CustomerID: "dave", ExpiredRemain: 0, Burned: 15, Diff: -15}}, report.Rows)
}

func TestReconcile_MalformedBurn_Skipped(t *testing.T) {
	bad := burn(t, "alice", 5, ttl.CutoffString(cutoff))
	bad.Payload = []byte(`{"customerId":`)
	store := &fakeStore{
		lots:   []ledger.EarnLot{lot("alice", 10, 0, cutoff.AddDate(0, 0, -1))},
		events: []ledger.OutboxEvent{bad},
	}

	report, err := ttl.NewReconciler(store).Reconcile(context.Background(), merchant, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []ttl.Row{{CustomerID: "alice", ExpiredRemain: 10, Burned: 0, Diff: 10}}, report.Rows)
}

func TestReconcile_Empty(t *testing.T) {
	report, err := ttl.NewReconciler(&fakeStore{}).Reconcile(context.Background(), merchant, cutoff)
	require.NoError(t, err)
	assert.Empty(t, report.Rows)
	assert.NotNil(t, report.Rows, "rows serialize as [] not null")
	assert.Equal(t, ttl.Totals{}, report.Totals)
}

func TestReconcile_Validation(t *testing.T) {
	r := ttl.NewReconciler(&fakeStore{})

	_, err := r.Reconcile(context.Background(), "", cutoff)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = r.Reconcile(context.Background(), merchant, time.Time{})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestCutoffString_Milliseconds(t *testing.T) {
	local := time.Date(2025, time.April, 1, 2, 30, 0, 123456789, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2025-04-01T00:30:00.123Z", ttl.CutoffString(local))
}

// =============================================================================
// CSV
// =============================================================================

func TestExportCSV_TotalsRow(t *testing.T) {
	cutoffStr := ttl.CutoffString(cutoff)
	store := &fakeStore{
		lots: []ledger.EarnLot{
			lot("alice", 100, 30, cutoff.AddDate(0, -2, 0)),
			lot("bob", 50, 0, cutoff.AddDate(0, -1, 0)),
		},
		events: []ledger.OutboxEvent{burn(t, "alice", 70, cutoffStr)},
	}
	r := ttl.NewReconciler(store)

	var buf bytes.Buffer
	require.NoError(t, r.ExportCSV(context.Background(), &buf, merchant, cutoff, false))
	assert.Equal(t,
		`"customerId","expiredRemain","burned","diff"`+"\n"+
			`"alice","70","70","0"`+"\n"+
			`"bob","50","0","50"`+"\n"+
			`"TOTALS","120","70","50"`+"\n",
		buf.String())

	buf.Reset()
	require.NoError(t, r.ExportCSV(context.Background(), &buf, merchant, cutoff, true))
	assert.Equal(t,
		`"customerId","expiredRemain","burned","diff"`+"\n"+
			`"bob","50","0","50"`+"\n"+
			`"TOTALS","50","0","50"`+"\n",
		buf.String())
}

// =============================================================================
// SQL STORE
// =============================================================================

func TestReconcile_WithSQLStore(t *testing.T) {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	ttlDays := 30
	require.NoError(t, store.SaveMerchant(ctx, merchant, ledger.MerchantSettings{PointsTTLDays: &ttlDays}))

	earnedAt := cutoff.AddDate(0, -2, 0)
	svc := ledger.NewService(store, store, ledger.ServiceConfig{Now: func() time.Time { return earnedAt }})
	_, err = svc.Earn(ctx, ledger.EarnRequest{MerchantID: merchant, CustomerID: "alice", Points: 100})
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, ledger.RedeemRequest{MerchantID: merchant, CustomerID: "alice", Amount: 30})
	require.NoError(t, err)

	ev := burn(t, "alice", 40, ttl.CutoffString(cutoff))
	require.NoError(t, store.WithTx(ctx, func(tx ledger.Tx) error { return tx.AppendEvent(ctx, ev) }))

	report, err := ttl.NewReconciler(store).Reconcile(ctx, merchant, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []ttl.Row{{CustomerID: "alice", ExpiredRemain: 70, Burned: 40, Diff: 30}}, report.Rows)
}
