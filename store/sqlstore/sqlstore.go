/*
Package sqlstore provides the database/sql implementation of every
persistence interface of the loyalty ledger.

PURPOSE:
  One Store type backs ledger.Store, outbox.Store, outbox.DispatchStore,
  ttl.Store and ledger.SettingsProvider. Two dialects share the same
  schema and queries:

    sqlite3  mattn/go-sqlite3, tests and single-node development
    pgx      jackc/pgx/v5/stdlib, production PostgreSQL

DIALECT DIFFERENCES:
  - Placeholders: queries are written with ? and rebound to $n for pgx.
  - Row locks: pgx appends FOR UPDATE to locking selects; the outbox
    claim uses FOR UPDATE SKIP LOCKED so several relays can drain the
    table concurrently. SQLite has a single writer: WithTx holds a
    process mutex and the pool is limited to one connection, which
    gives the same serialization per wallet (and more).

KEY TABLES:
  wallets:          one row per (merchant, customer, wallet type)
  journal_entries:  append-only; only metadata_json is ever updated
  earn_lots:        expiry accounting batches
  outbox_events:    transactional outbox
  outbox_pauses:    merchant-wide delivery pause
  merchants:        settings snapshot source (JSON)

TIMESTAMPS:
  Stored as TEXT in a fixed-width UTC layout so that lexicographic order
  equals chronological order in both dialects.

RETRIES:
  WithTx re-runs the whole transaction when the datastore aborts it
  (40001 serialization failure, 40P01 deadlock, SQLITE_BUSY). After
  maxTxAttempts it returns ledger.ErrConcurrentModification.

USAGE:
  store, err := sqlstore.New(":memory:")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store, store, ledger.ServiceConfig{})
*/
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/metrics"
)

// Dialect names the database/sql driver in use.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "pgx"
)

const defaultMaxTxAttempts = 5

// Options configures Open.
type Options struct {
	// MaxTxAttempts bounds how often WithTx re-runs an aborted transaction.
	MaxTxAttempts int
	// TxTimeout bounds a single transaction attempt. Zero disables it.
	TxTimeout time.Duration
	// MaxOpenConns applies to Postgres only; SQLite always uses one.
	MaxOpenConns int
}

// Store implements all storage interfaces on database/sql.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	mu       sync.Mutex
	attempts int
	timeout  time.Duration
}

// New opens a SQLite store at dbPath. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	return Open(DialectSQLite, dbPath, Options{})
}

// Open connects with the given driver and migrates the schema.
func Open(dialect Dialect, dsn string, opts Options) (*Store, error) {
	if dialect == DialectSQLite {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	} else if dialect != DialectPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", dialect)
	}

	db, err := sql.Open(string(dialect), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	s := &Store{db: db, dialect: dialect, attempts: opts.MaxTxAttempts, timeout: opts.TxTimeout}
	if s.attempts <= 0 {
		s.attempts = defaultMaxTxAttempts
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS merchants (
		id TEXT PRIMARY KEY,
		settings_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS wallets (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		wallet_type TEXT NOT NULL,
		balance BIGINT NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		UNIQUE (merchant_id, customer_id, wallet_type)
	)`,

	// Append-only. idempotency_key holds "earn:<receipt>" for receipt accruals.
	`CREATE TABLE IF NOT EXISTS journal_entries (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		amount BIGINT NOT NULL,
		order_id TEXT,
		outlet_id TEXT,
		device_id TEXT,
		staff_id TEXT,
		comment TEXT,
		metadata_json TEXT NOT NULL,
		idempotency_key TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_journal_idempotency
		ON journal_entries(merchant_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_journal_merchant_created
		ON journal_entries(merchant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_customer
		ON journal_entries(merchant_id, customer_id, entry_type, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_journal_device
		ON journal_entries(merchant_id, device_id, entry_type, created_at) WHERE device_id IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_journal_staff
		ON journal_entries(merchant_id, staff_id, entry_type, created_at) WHERE staff_id IS NOT NULL`,

	`CREATE TABLE IF NOT EXISTS earn_lots (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		points BIGINT NOT NULL,
		consumed_points BIGINT NOT NULL DEFAULT 0,
		earned_at TEXT NOT NULL,
		expires_at TEXT,
		status TEXT NOT NULL,
		CHECK (consumed_points >= 0 AND consumed_points <= points)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_lots_customer
		ON earn_lots(merchant_id, customer_id, status, earned_at)`,
	`CREATE INDEX IF NOT EXISTS idx_lots_transaction
		ON earn_lots(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_lots_earned_at
		ON earn_lots(merchant_id, earned_at)`,

	`CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		merchant_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		retries INTEGER NOT NULL DEFAULT 0,
		next_retry_at TEXT NOT NULL,
		last_error TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	// Dispatcher "due" query (hot path)
	`CREATE INDEX IF NOT EXISTS idx_outbox_due
		ON outbox_events(status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_merchant
		ON outbox_events(merchant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_type
		ON outbox_events(merchant_id, event_type)`,

	`CREATE TABLE IF NOT EXISTS outbox_pauses (
		merchant_id TEXT PRIMARY KEY,
		paused_until TEXT NOT NULL,
		reason TEXT,
		updated_at TEXT NOT NULL
	)`,
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside one database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx ledger.Tx) error) error {
	return s.runTx(ctx, func(sqlTx *sql.Tx) error {
		return fn(&txStore{q: sqlTx, s: s})
	})
}

func (s *Store) runTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.dialect == DialectSQLite {
		s.mu.Lock()
		defer s.mu.Unlock()
	}

	var err error
	for attempt := 1; attempt <= s.attempts; attempt++ {
		err = s.attemptTx(ctx, fn)
		if err == nil || !isRetryableTxError(err) {
			return err
		}
		metrics.TxRetries.Inc()
		zerolog.Ctx(ctx).Debug().Err(err).Int("attempt", attempt).Msg("transaction aborted by datastore, retrying")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(time.Duration(attempt) * 5 * time.Millisecond)
	}
	return fmt.Errorf("%w: %v", ledger.ErrConcurrentModification, err)
}

func (s *Store) attemptTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// rebind converts ? placeholders to $n for Postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// forUpdate is the row-lock suffix for locking selects.
func (s *Store) forUpdate() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(timeLayout, v)
	if err != nil {
		return time.Parse(time.RFC3339Nano, v)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid {
		return nil, nil
	}
	t, err := parseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "40001" || pgErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}
