package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/warp/loyalty-ledger/ledger"
)

// txStore is the ledger.Tx handle. Every read goes through the open
// transaction so it observes the transaction's own writes.
type txStore struct {
	q querier
	s *Store
}

// =============================================================================
// WALLETS
// =============================================================================

const walletColumns = `id, merchant_id, customer_id, wallet_type, balance, created_at, updated_at`

func (s *Store) Wallet(ctx context.Context, merchantID ledger.MerchantID, customerID ledger.CustomerID, walletType ledger.WalletType) (ledger.Wallet, error) {
	return s.selectWallet(ctx, s.db, merchantID, customerID, walletType, "")
}

func (t *txStore) LockWallet(ctx context.Context, merchantID ledger.MerchantID, customerID ledger.CustomerID, walletType ledger.WalletType, create bool) (ledger.Wallet, error) {
	if create {
		now := formatTime(time.Now())
		_, err := t.q.ExecContext(ctx, t.s.rebind(`
			INSERT INTO wallets (`+walletColumns+`)
			VALUES (?, ?, ?, ?, 0, ?, ?)
			ON CONFLICT (merchant_id, customer_id, wallet_type) DO NOTHING
		`), uuid.NewString(), merchantID, customerID, walletType, now, now)
		if err != nil {
			return ledger.Wallet{}, fmt.Errorf("failed to create wallet: %w", err)
		}
	}
	return t.s.selectWallet(ctx, t.q, merchantID, customerID, walletType, t.s.forUpdate())
}

func (s *Store) selectWallet(ctx context.Context, q querier, merchantID ledger.MerchantID, customerID ledger.CustomerID, walletType ledger.WalletType, lock string) (ledger.Wallet, error) {
	row := q.QueryRowContext(ctx, s.rebind(`
		SELECT `+walletColumns+`
		FROM wallets
		WHERE merchant_id = ? AND customer_id = ? AND wallet_type = ?`+lock),
		merchantID, customerID, walletType)

	var (
		w                    ledger.Wallet
		createdAt, updatedAt string
	)
	err := row.Scan(&w.ID, &w.MerchantID, &w.CustomerID, &w.Type, &w.Balance, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Wallet{}, ledger.ErrWalletNotFound
	}
	if err != nil {
		return ledger.Wallet{}, fmt.Errorf("failed to load wallet: %w", err)
	}
	if w.CreatedAt, err = parseTime(createdAt); err != nil {
		return ledger.Wallet{}, err
	}
	if w.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return ledger.Wallet{}, err
	}
	return w, nil
}

func (t *txStore) SetWalletBalance(ctx context.Context, walletID string, balance int64, now time.Time) error {
	res, err := t.q.ExecContext(ctx, t.s.rebind(`
		UPDATE wallets SET balance = ?, updated_at = ? WHERE id = ?
	`), balance, formatTime(now), walletID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrWalletNotFound
	}
	return nil
}

// =============================================================================
// JOURNAL ENTRIES (append-only, metadata is the only mutable column)
// =============================================================================

const entryColumns = `id, merchant_id, customer_id, entry_type, amount, order_id, outlet_id, device_id, staff_id, comment, metadata_json, created_at`

func idempotencyKey(e ledger.JournalEntry) sql.NullString {
	if e.Type == ledger.EntryEarn && e.Metadata.ReceiptID != "" {
		return sql.NullString{String: "earn:" + e.Metadata.ReceiptID, Valid: true}
	}
	return sql.NullString{}
}

func (t *txStore) InsertEntry(ctx context.Context, e ledger.JournalEntry) error {
	md, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	_, err = t.q.ExecContext(ctx, t.s.rebind(`
		INSERT INTO journal_entries (`+entryColumns+`, idempotency_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		e.ID,
		e.MerchantID,
		e.CustomerID,
		e.Type,
		e.Amount,
		nullString(e.OrderID),
		nullString(e.OutletID),
		nullString(e.DeviceID),
		nullString(e.StaffID),
		nullString(e.Comment),
		string(md),
		formatTime(e.CreatedAt),
		idempotencyKey(e),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReceipt
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}
	return nil
}

func (t *txStore) LockEntry(ctx context.Context, merchantID ledger.MerchantID, id ledger.TransactionID) (ledger.JournalEntry, error) {
	return t.s.selectEntry(ctx, t.q, merchantID, id, t.s.forUpdate())
}

func (t *txStore) UpdateEntryMetadata(ctx context.Context, id ledger.TransactionID, md ledger.EntryMetadata) error {
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	res, err := t.q.ExecContext(ctx, t.s.rebind(`
		UPDATE journal_entries SET metadata_json = ? WHERE id = ?
	`), string(raw), id)
	if err != nil {
		return fmt.Errorf("failed to update metadata: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrTransactionNotFound
	}
	return nil
}

func (s *Store) Entry(ctx context.Context, merchantID ledger.MerchantID, id ledger.TransactionID) (ledger.JournalEntry, error) {
	return s.selectEntry(ctx, s.db, merchantID, id, "")
}

func (s *Store) selectEntry(ctx context.Context, q querier, merchantID ledger.MerchantID, id ledger.TransactionID, lock string) (ledger.JournalEntry, error) {
	rows, err := q.QueryContext(ctx, s.rebind(`
		SELECT `+entryColumns+`
		FROM journal_entries
		WHERE merchant_id = ? AND id = ?`+lock), merchantID, id)
	if err != nil {
		return ledger.JournalEntry{}, fmt.Errorf("failed to load entry: %w", err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return ledger.JournalEntry{}, err
	}
	if len(entries) == 0 {
		return ledger.JournalEntry{}, ledger.ErrTransactionNotFound
	}
	return entries[0], nil
}

// Entries lists journal entries, newest first.
func (s *Store) Entries(ctx context.Context, f ledger.EntryFilter) ([]ledger.JournalEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM journal_entries WHERE merchant_id = ?`
	args := []any{f.MerchantID}
	if f.CustomerID != "" {
		query += ` AND customer_id = ?`
		args = append(args, f.CustomerID)
	}
	if f.Type != "" {
		query += ` AND entry_type = ?`
		args = append(args, f.Type)
	}
	if f.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, formatTime(*f.Since))
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]ledger.JournalEntry, error) {
	defer rows.Close()

	var entries []ledger.JournalEntry
	for rows.Next() {
		var (
			e                                    ledger.JournalEntry
			orderID, outletID, deviceID, staffID sql.NullString
			comment                              sql.NullString
			metadataJSON, createdAt              string
		)
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.CustomerID, &e.Type, &e.Amount,
			&orderID, &outletID, &deviceID, &staffID, &comment, &metadataJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		e.OrderID = orderID.String
		e.OutletID = outletID.String
		e.DeviceID = deviceID.String
		e.StaffID = staffID.String
		e.Comment = comment.String
		if err := json.Unmarshal([]byte(metadataJSON), &e.Metadata); err != nil {
			return nil, fmt.Errorf("entry %s metadata: %w: %v", e.ID, ledger.ErrCorruptRecord, err)
		}
		t, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		e.CreatedAt = t
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountActivity counts entries of q.Type for one antifraud scope since q.Since.
func (t *txStore) CountActivity(ctx context.Context, q ledger.ActivityQuery) (int64, error) {
	query := `SELECT COUNT(*) FROM journal_entries WHERE merchant_id = ? AND entry_type = ? AND created_at >= ?`
	args := []any{q.MerchantID, q.Type, formatTime(q.Since)}
	switch q.Scope {
	case ledger.ScopeCustomer:
		query += ` AND customer_id = ?`
		args = append(args, q.ScopeValue)
	case ledger.ScopeDevice:
		query += ` AND device_id = ?`
		args = append(args, q.ScopeValue)
	case ledger.ScopeStaff:
		query += ` AND staff_id = ?`
		args = append(args, q.ScopeValue)
	case ledger.ScopeMerchant:
	default:
		return 0, fmt.Errorf("%w: unknown antifraud scope %q", ledger.ErrInvalidInput, q.Scope)
	}

	var n int64
	if err := t.q.QueryRowContext(ctx, t.s.rebind(query), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count activity: %w", err)
	}
	return n, nil
}

// =============================================================================
// EARN LOTS
// =============================================================================

const lotColumns = `id, merchant_id, customer_id, transaction_id, points, consumed_points, earned_at, expires_at, status`

func (t *txStore) InsertLot(ctx context.Context, l ledger.EarnLot) error {
	_, err := t.q.ExecContext(ctx, t.s.rebind(`
		INSERT INTO earn_lots (`+lotColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), l.ID, l.MerchantID, l.CustomerID, l.TransactionID, l.Points, l.ConsumedPoints,
		formatTime(l.EarnedAt), nullTime(l.ExpiresAt), l.Status)
	if err != nil {
		return fmt.Errorf("failed to insert lot: %w", err)
	}
	return nil
}

func (t *txStore) LockActiveLots(ctx context.Context, merchantID ledger.MerchantID, customerID ledger.CustomerID) ([]ledger.EarnLot, error) {
	return t.s.queryLots(ctx, t.q, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE merchant_id = ? AND customer_id = ? AND status = ?
		ORDER BY earned_at ASC, id ASC`+t.s.forUpdate(),
		merchantID, customerID, ledger.LotActive)
}

func (t *txStore) LockLots(ctx context.Context, ids []ledger.LotID) ([]ledger.EarnLot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return t.s.queryLots(ctx, t.q, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE id IN (`+placeholders(len(ids))+`)
		ORDER BY earned_at ASC, id ASC`+t.s.forUpdate(), args...)
}

func (t *txStore) LockLotByTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.EarnLot, error) {
	lots, err := t.s.queryLots(ctx, t.q, `
		SELECT `+lotColumns+` FROM earn_lots WHERE transaction_id = ?`+t.s.forUpdate(), id)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, nil
	}
	return &lots[0], nil
}

func (t *txStore) UpdateLot(ctx context.Context, l ledger.EarnLot) error {
	if l.ConsumedPoints < 0 || l.ConsumedPoints > l.Points {
		return fmt.Errorf("%w: lot %s consumed %d of %d", ledger.ErrInvalidInput, l.ID, l.ConsumedPoints, l.Points)
	}
	res, err := t.q.ExecContext(ctx, t.s.rebind(`
		UPDATE earn_lots SET consumed_points = ?, status = ? WHERE id = ?
	`), l.ConsumedPoints, l.Status, l.ID)
	if err != nil {
		return fmt.Errorf("failed to update lot: %w", err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("lot %s not found", l.ID)
	}
	return nil
}

// Lots returns every lot of a customer, oldest first.
func (s *Store) Lots(ctx context.Context, merchantID ledger.MerchantID, customerID ledger.CustomerID) ([]ledger.EarnLot, error) {
	return s.queryLots(ctx, s.db, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE merchant_id = ? AND customer_id = ?
		ORDER BY earned_at ASC, id ASC`, merchantID, customerID)
}

// LotsEarnedBefore returns the merchant's lots with earnedAt < cutoff.
func (s *Store) LotsEarnedBefore(ctx context.Context, merchantID ledger.MerchantID, cutoff time.Time) ([]ledger.EarnLot, error) {
	return s.queryLots(ctx, s.db, `
		SELECT `+lotColumns+` FROM earn_lots
		WHERE merchant_id = ? AND earned_at < ?
		ORDER BY customer_id ASC, earned_at ASC`, merchantID, formatTime(cutoff))
}

func (s *Store) queryLots(ctx context.Context, q querier, query string, args ...any) ([]ledger.EarnLot, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.EarnLot
	for rows.Next() {
		var (
			l         ledger.EarnLot
			earnedAt  string
			expiresAt sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.MerchantID, &l.CustomerID, &l.TransactionID,
			&l.Points, &l.ConsumedPoints, &earnedAt, &expiresAt, &l.Status); err != nil {
			return nil, fmt.Errorf("failed to scan lot: %w", err)
		}
		if l.EarnedAt, err = parseTime(earnedAt); err != nil {
			return nil, err
		}
		if l.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
			return nil, err
		}
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

// =============================================================================
// OUTBOX APPEND (inside the producing transaction)
// =============================================================================

func (t *txStore) AppendEvent(ctx context.Context, e ledger.OutboxEvent) error {
	if !e.Status.Valid() {
		return fmt.Errorf("%w: unknown outbox status %q", ledger.ErrInvalidPayload, e.Status)
	}
	_, err := t.q.ExecContext(ctx, t.s.rebind(`
		INSERT INTO outbox_events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), e.ID, e.MerchantID, e.EventType, string(e.Payload), e.Status, e.Retries,
		formatTime(e.NextRetryAt), nullString(e.LastError), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to append outbox event: %w", err)
	}
	return nil
}
