package outbox_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/outbox"
	"github.com/warp/loyalty-ledger/store/sqlstore"
)

// =============================================================================
// TEST SETUP
// =============================================================================

const merchant = ledger.MerchantID("m-1")

var now = time.Date(2025, time.May, 10, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func newTestStore(t *testing.T) *sqlstore.Store {
	store, err := sqlstore.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// seedEvent appends one PointsEarned event created at createdAt.
func seedEvent(t *testing.T, store *sqlstore.Store, merchantID ledger.MerchantID, createdAt time.Time) ledger.OutboxEvent {
	t.Helper()
	ev, err := ledger.NewEvent(merchantID, ledger.PointsEarnedPayload{
		TransactionID: "tx-" + ledger.TransactionID(createdAt.Format("150405")),
		CustomerID:    "alice",
		Amount:        10,
		Balance:       10,
		Source:        ledger.SourceManual,
	}, createdAt)
	require.NoError(t, err)
	require.NoError(t, store.WithTx(context.Background(), func(tx ledger.Tx) error {
		return tx.AppendEvent(context.Background(), ev)
	}))
	return ev
}

// failOnce claims every due event and records one failed delivery.
func failOnce(t *testing.T, d *outbox.Dispatcher) []ledger.EventStatus {
	t.Helper()
	ctx := context.Background()
	claimed, err := d.ClaimDue(ctx, 100)
	require.NoError(t, err)
	var statuses []ledger.EventStatus
	for _, ev := range claimed {
		st, err := d.MarkFailed(ctx, ev, errors.New("broker unavailable"))
		require.NoError(t, err)
		statuses = append(statuses, st)
	}
	return statuses
}

func findEvent(t *testing.T, ctrl *outbox.Controller, id ledger.EventID) ledger.OutboxEvent {
	t.Helper()
	events, err := ctrl.List(context.Background(), outbox.Filter{MerchantID: merchant, ID: id})
	require.NoError(t, err)
	require.Len(t, events, 1)
	return events[0]
}

// =============================================================================
// LIST
// =============================================================================

func TestController_List_NewestFirstWithFilters(t *testing.T) {
	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	ctx := context.Background()

	old := seedEvent(t, store, merchant, now.Add(-2*time.Hour))
	recent := seedEvent(t, store, merchant, now.Add(-time.Hour))
	seedEvent(t, store, "other", now.Add(-time.Hour))

	events, err := ctrl.List(ctx, outbox.Filter{MerchantID: merchant})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, recent.ID, events[0].ID)
	assert.Equal(t, old.ID, events[1].ID)

	since := now.Add(-90 * time.Minute)
	events, err = ctrl.List(ctx, outbox.Filter{MerchantID: merchant, Since: &since})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, recent.ID, events[0].ID)

	events, err = ctrl.List(ctx, outbox.Filter{MerchantID: merchant, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, old.ID, events[0].ID)

	events, err = ctrl.List(ctx, outbox.Filter{MerchantID: merchant, Statuses: []ledger.EventStatus{ledger.StatusSent}})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestController_List_Validation(t *testing.T) {
	ctrl := outbox.NewController(newTestStore(t))
	ctx := context.Background()

	_, err := ctrl.List(ctx, outbox.Filter{})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = ctrl.List(ctx, outbox.Filter{MerchantID: merchant, Statuses: []ledger.EventStatus{"BOGUS"}})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// RETRY
// =============================================================================

func TestController_RetryOne_RequeuesDeadEvent(t *testing.T) {
	// GIVEN: An event that exhausted its retry budget
	// WHEN: The operator retries it
	// THEN: It is PENDING, due now, with lastError cleared

	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	d := outbox.NewDispatcher(store, outbox.RetryPolicy{MaxRetries: 1}).WithClock(clock)
	ctx := context.Background()

	ev := seedEvent(t, store, merchant, now.Add(-time.Minute))
	assert.Equal(t, []ledger.EventStatus{ledger.StatusDead}, failOnce(t, d))

	dead := findEvent(t, ctrl, ev.ID)
	assert.Equal(t, ledger.StatusDead, dead.Status)
	assert.Equal(t, "broker unavailable", dead.LastError)

	require.NoError(t, ctrl.RetryOne(ctx, merchant, ev.ID))

	requeued := findEvent(t, ctrl, ev.ID)
	assert.Equal(t, ledger.StatusPending, requeued.Status)
	assert.Equal(t, now, requeued.NextRetryAt)
	assert.Empty(t, requeued.LastError)

	err := ctrl.RetryOne(ctx, merchant, "missing")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)

	// Another merchant's id does not match.
	err = ctrl.RetryOne(ctx, "other", ev.ID)
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func TestController_RetryAll_DefaultsToFailedAndDead(t *testing.T) {
	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	ctx := context.Background()

	// One DEAD (budget 1), then one FAILED (budget 5), then one PENDING.
	seedEvent(t, store, merchant, now.Add(-3*time.Hour))
	failOnce(t, outbox.NewDispatcher(store, outbox.RetryPolicy{MaxRetries: 1}).WithClock(clock))
	seedEvent(t, store, merchant, now.Add(-2*time.Hour))
	failOnce(t, outbox.NewDispatcher(store, outbox.RetryPolicy{MaxRetries: 5}).WithClock(clock))
	pending := seedEvent(t, store, merchant, now.Add(-time.Hour))

	stats, err := ctrl.Stats(ctx, merchant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.ByStatus[ledger.StatusDead])
	assert.Equal(t, int64(1), stats.ByStatus[ledger.StatusFailed])
	assert.Equal(t, int64(1), stats.ByStatus[ledger.StatusPending])

	n, err := ctrl.RetryAll(ctx, merchant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	stats, err = ctrl.Stats(ctx, merchant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.ByStatus[ledger.StatusPending])
	assert.Equal(t, int64(0), stats.ByStatus[ledger.StatusDead])

	// The PENDING event was not touched.
	assert.Equal(t, pending.NextRetryAt, findEvent(t, ctrl, pending.ID).NextRetryAt)
}

func TestController_RetrySince_RespectsCreatedAt(t *testing.T) {
	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	d := outbox.NewDispatcher(store, outbox.RetryPolicy{MaxRetries: 1}).WithClock(clock)
	ctx := context.Background()

	old := seedEvent(t, store, merchant, now.Add(-48*time.Hour))
	recent := seedEvent(t, store, merchant, now.Add(-time.Hour))
	failOnce(t, d)

	since := now.Add(-24 * time.Hour)
	dead := ledger.StatusDead
	n, err := ctrl.RetrySince(ctx, merchant, &dead, &since)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	assert.Equal(t, ledger.StatusPending, findEvent(t, ctrl, recent.ID).Status)
	assert.Equal(t, ledger.StatusDead, findEvent(t, ctrl, old.ID).Status)

	bogus := ledger.EventStatus("NOPE")
	_, err = ctrl.RetryAll(ctx, merchant, &bogus)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// PAUSE / RESUME
// =============================================================================

func TestController_PauseResume(t *testing.T) {
	// GIVEN: Two due PENDING events
	// WHEN: The merchant is paused for an hour
	// THEN: Nothing is claimable, rows carry the pause reason; resume re-arms them

	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	d := outbox.NewDispatcher(store, outbox.DefaultRetryPolicy).WithClock(clock)
	ctx := context.Background()

	ev := seedEvent(t, store, merchant, now.Add(-2*time.Minute))
	seedEvent(t, store, merchant, now.Add(-time.Minute))
	other := seedEvent(t, store, "other", now.Add(-time.Minute))

	until := now.Add(time.Hour)
	n, err := ctrl.Pause(ctx, merchant, until)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	paused := findEvent(t, ctrl, ev.ID)
	assert.Equal(t, until, paused.NextRetryAt)
	assert.Equal(t, "Paused by operator until 2025-05-10T13:00:00Z", paused.LastError)

	stats, err := ctrl.Stats(ctx, merchant, nil)
	require.NoError(t, err)
	require.NotNil(t, stats.PausedUntil)
	assert.Equal(t, until, *stats.PausedUntil)

	claimed, err := d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only the other merchant is deliverable")
	assert.Equal(t, other.ID, claimed[0].ID)

	n, err = ctrl.Resume(ctx, merchant)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	resumed := findEvent(t, ctrl, ev.ID)
	assert.Equal(t, now, resumed.NextRetryAt)
	assert.Empty(t, resumed.LastError)

	claimed, err = d.ClaimDue(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, claimed, 2)

	stats, err = ctrl.Stats(ctx, merchant, nil)
	require.NoError(t, err)
	assert.Nil(t, stats.PausedUntil)
	assert.Equal(t, int64(2), stats.ByStatus[ledger.StatusSending])
}

func TestController_Pause_MustEndInFuture(t *testing.T) {
	ctrl := outbox.NewController(newTestStore(t)).WithClock(clock)

	_, err := ctrl.Pause(context.Background(), merchant, now)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = ctrl.Pause(context.Background(), merchant, now.Add(-time.Minute))
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// STATS / CSV
// =============================================================================

func TestController_Stats_EmptyMerchant(t *testing.T) {
	ctrl := outbox.NewController(newTestStore(t))

	stats, err := ctrl.Stats(context.Background(), merchant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.Total)
	assert.Len(t, stats.ByStatus, len(ledger.AllStatuses), "every status is reported, zero included")
	assert.Empty(t, stats.ByEventType)
	assert.Nil(t, stats.LastDeadAt)
	assert.Nil(t, stats.PausedUntil)
}

func TestController_Stats_LastDeadAt(t *testing.T) {
	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	seedEvent(t, store, merchant, now.Add(-time.Minute))
	failOnce(t, outbox.NewDispatcher(store, outbox.RetryPolicy{MaxRetries: 1}).WithClock(clock))

	stats, err := ctrl.Stats(context.Background(), merchant, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.ByEventType[ledger.EventPointsEarned])
	require.NotNil(t, stats.LastDeadAt)
	assert.Equal(t, now, *stats.LastDeadAt)
}

func TestController_ExportCSV(t *testing.T) {
	store := newTestStore(t)
	ctrl := outbox.NewController(store).WithClock(clock)
	ev := seedEvent(t, store, merchant, now.Add(-time.Minute))

	var buf bytes.Buffer
	require.NoError(t, ctrl.ExportCSV(context.Background(), &buf, outbox.Filter{MerchantID: merchant}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `"id","eventType","status","retries","nextRetryAt","lastError","createdAt"`, lines[0])
	assert.Equal(t,
		`"`+string(ev.ID)+`","loyalty.points.earned","PENDING","0","2025-05-10T11:59:00Z","","2025-05-10T11:59:00Z"`,
		lines[1])
}

func TestWriteCSV_QuotesEmbeddedQuotes(t *testing.T) {
	var buf bytes.Buffer
	err := outbox.WriteCSV(&buf, []ledger.OutboxEvent{{
		ID:          "e-1",
		EventType:   ledger.EventFraudAlert,
		Status:      ledger.StatusFailed,
		Retries:     2,
		NextRetryAt: now,
		LastError:   `broker said "no", retry`,
		CreatedAt:   now,
	}})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"broker said ""no"", retry"`)
}
