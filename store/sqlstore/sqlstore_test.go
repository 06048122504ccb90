package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/loyalty-ledger/ledger"
)

func newTestStore(t *testing.T) *Store {
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// =============================================================================
// HELPERS
// =============================================================================

func TestRebind(t *testing.T) {
	lite := &Store{dialect: DialectSQLite}
	pg := &Store{dialect: DialectPostgres}
	q := `SELECT * FROM t WHERE a = ? AND b IN (?, ?)`

	assert.Equal(t, q, lite.rebind(q))
	assert.Equal(t, `SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)`, pg.rebind(q))
	assert.Equal(t, "", lite.forUpdate())
	assert.Equal(t, " FOR UPDATE", pg.forUpdate())
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?", placeholders(1))
	assert.Equal(t, "?,?,?", placeholders(3))
}

func TestTimeRoundTrip_SortsLexically(t *testing.T) {
	a := time.Date(2025, time.January, 2, 3, 4, 5, 6, time.UTC)
	b := a.Add(time.Nanosecond)

	assert.Less(t, formatTime(a), formatTime(b))

	parsed, err := parseTime(formatTime(a))
	require.NoError(t, err)
	assert.True(t, a.Equal(parsed))

	// Offsets are normalized to UTC.
	local := time.Date(2025, time.January, 2, 5, 4, 5, 6, time.FixedZone("X", 2*3600))
	assert.Equal(t, formatTime(a), formatTime(local))
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isUniqueConstraintError(&pgconn.PgError{Code: "23505"}))
	assert.False(t, isUniqueConstraintError(&pgconn.PgError{Code: "23503"}))
	assert.True(t, isUniqueConstraintError(fmt.Errorf("wrapped: %w",
		sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique})))
	assert.False(t, isUniqueConstraintError(errors.New("other")))

	assert.True(t, isRetryableTxError(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isRetryableTxError(&pgconn.PgError{Code: "40P01"}))
	assert.True(t, isRetryableTxError(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.False(t, isRetryableTxError(sqlite3.Error{Code: sqlite3.ErrConstraint}))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("mysql", "whatever", Options{})
	assert.ErrorContains(t, err, "unsupported database driver")
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestRunTx_RetriesThenGivesUp(t *testing.T) {
	s := newTestStore(t)
	s.attempts = 3

	calls := 0
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})

	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)
	assert.True(t, ledger.IsRetryable(err))
}

func TestRunTx_NonRetryableErrorReturnsImmediately(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	err := s.WithTx(context.Background(), func(tx ledger.Tx) error {
		calls++
		return ledger.ErrInsufficientBalance
	})

	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(tx ledger.Tx) error {
		if _, err := tx.LockWallet(ctx, "m", "c", ledger.WalletPoints, true); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.EqualError(t, err, "abort")

	_, err = s.Wallet(ctx, "m", "c", ledger.WalletPoints)
	assert.ErrorIs(t, err, ledger.ErrWalletNotFound)
}

// =============================================================================
// LEDGER ROWS
// =============================================================================

func TestLockWallet_CreateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var first, second ledger.Wallet
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		first, err = tx.LockWallet(ctx, "m", "c", ledger.WalletPoints, true)
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		second, err = tx.LockWallet(ctx, "m", "c", ledger.WalletPoints, true)
		return err
	}))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(0), second.Balance)
}

func TestInsertEntry_DuplicateReceipt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := func(id string) ledger.JournalEntry {
		return ledger.JournalEntry{
			ID:         ledger.TransactionID(id),
			MerchantID: "m",
			CustomerID: "c",
			Type:       ledger.EntryEarn,
			Amount:     10,
			Metadata:   ledger.EntryMetadata{Source: ledger.SourcePurchase, ReceiptID: "r-1"},
			CreatedAt:  time.Now(),
		}
	}

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertEntry(ctx, entry("e-1")) }))
	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertEntry(ctx, entry("e-2")) })
	assert.ErrorIs(t, err, ledger.ErrDuplicateReceipt)

	// Same receipt at another merchant is fine.
	other := entry("e-3")
	other.MerchantID = "m2"
	assert.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertEntry(ctx, other) }))
}

func TestUpdateLot_RejectsOverConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	lot := ledger.EarnLot{
		ID: "lot-1", MerchantID: "m", CustomerID: "c", TransactionID: "tx-1",
		Points: 10, EarnedAt: time.Now(), Status: ledger.LotActive,
	}
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.InsertLot(ctx, lot) }))

	lot.ConsumedPoints = 11
	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.UpdateLot(ctx, lot) })
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	var found *ledger.EarnLot
	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		var err error
		found, err = tx.LockLotByTransaction(ctx, "tx-1")
		return err
	}))
	require.NotNil(t, found)
	assert.Equal(t, int64(0), found.ConsumedPoints)
}

func TestCountActivity_Scopes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

	add := func(id, customer, device string, at time.Time) {
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			return tx.InsertEntry(ctx, ledger.JournalEntry{
				ID: ledger.TransactionID(id), MerchantID: "m", CustomerID: ledger.CustomerID(customer),
				Type: ledger.EntryEarn, Amount: 1, DeviceID: device,
				Metadata: ledger.EntryMetadata{Source: ledger.SourceManual}, CreatedAt: at,
			})
		}))
	}
	add("1", "alice", "pos-1", now.Add(-2*time.Hour))
	add("2", "alice", "pos-1", now.Add(-10*time.Minute))
	add("3", "bob", "pos-1", now.Add(-5*time.Minute))

	count := func(scope ledger.Scope, value string, since time.Time) int64 {
		var n int64
		require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
			var err error
			n, err = tx.CountActivity(ctx, ledger.ActivityQuery{
				MerchantID: "m", Type: ledger.EntryEarn, Scope: scope, ScopeValue: value, Since: since,
			})
			return err
		}))
		return n
	}

	hourAgo := now.Add(-time.Hour)
	assert.Equal(t, int64(1), count(ledger.ScopeCustomer, "alice", hourAgo))
	assert.Equal(t, int64(2), count(ledger.ScopeDevice, "pos-1", hourAgo))
	assert.Equal(t, int64(3), count(ledger.ScopeMerchant, "m", now.Add(-24*time.Hour)))
	assert.Equal(t, int64(0), count(ledger.ScopeStaff, "nobody", hourAgo))
}

func TestEntry_CorruptMetadata_IsServerFault(t *testing.T) {
	// GIVEN: A journal row whose metadata column no longer decodes
	// WHEN: The entry is read
	// THEN: The error is a corrupt-record fault, not a client error

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertEntry(ctx, ledger.JournalEntry{
			ID: "e-1", MerchantID: "m", CustomerID: "c", Type: ledger.EntryEarn, Amount: 5,
			Metadata: ledger.EntryMetadata{Source: ledger.SourceManual}, CreatedAt: time.Now(),
		})
	}))
	_, err := s.db.ExecContext(ctx, `UPDATE journal_entries SET metadata_json = '{"source":' WHERE id = 'e-1'`)
	require.NoError(t, err)

	_, err = s.Entry(ctx, "m", "e-1")
	require.ErrorIs(t, err, ledger.ErrCorruptRecord)
	assert.False(t, ledger.IsClientError(err))
	assert.False(t, ledger.IsNotFound(err))
}
