/*
store.go - Persistence interfaces for the ledger core

PURPOSE:
  Separates ledger semantics from the datastore. The Service never
  touches SQL; it receives a scoped transaction handle (Tx) from
  Store.WithTx and performs every read-check-write through it.

TRANSACTION CONTRACT:
  - WithTx runs fn inside ONE datastore transaction. fn error => rollback.
  - The implementation may re-run fn when the datastore aborts the
    transaction (serialization failure, deadlock). fn must therefore
    derive all state from reads made through the Tx it is given.
  - Lock* methods return rows locked for the rest of the transaction
    (SELECT ... FOR UPDATE or an equivalent writer lock).

IMPLEMENTATIONS:
  - store/sqlstore: SQLite (tests, dev) and PostgreSQL (production)
*/
package ledger

import (
	"context"
	"time"
)

// Store is the transactional entry point plus read-only views.
type Store interface {
	WithTx(ctx context.Context, fn func(Tx) error) error

	Wallet(ctx context.Context, merchantID MerchantID, customerID CustomerID, walletType WalletType) (Wallet, error)
	Entry(ctx context.Context, merchantID MerchantID, id TransactionID) (JournalEntry, error)
	Entries(ctx context.Context, filter EntryFilter) ([]JournalEntry, error)
	Lots(ctx context.Context, merchantID MerchantID, customerID CustomerID) ([]EarnLot, error)
}

// Tx is the scoped transaction handle passed through every ledger operation.
type Tx interface {
	ActivityCounter

	// LockWallet re-reads the wallet under a row lock. With create=true a
	// missing wallet is inserted with balance 0 under the same lock,
	// otherwise ErrWalletNotFound is returned.
	LockWallet(ctx context.Context, merchantID MerchantID, customerID CustomerID, walletType WalletType, create bool) (Wallet, error)
	SetWalletBalance(ctx context.Context, walletID string, balance int64, now time.Time) error

	// InsertEntry appends a journal entry. A second EARN for the same
	// merchant receipt fails with ErrDuplicateReceipt.
	InsertEntry(ctx context.Context, entry JournalEntry) error
	LockEntry(ctx context.Context, merchantID MerchantID, id TransactionID) (JournalEntry, error)
	// UpdateEntryMetadata is the only permitted change to an existing entry.
	UpdateEntryMetadata(ctx context.Context, id TransactionID, metadata EntryMetadata) error

	InsertLot(ctx context.Context, lot EarnLot) error
	// LockActiveLots returns ACTIVE lots ordered by EarnedAt ascending.
	LockActiveLots(ctx context.Context, merchantID MerchantID, customerID CustomerID) ([]EarnLot, error)
	LockLots(ctx context.Context, ids []LotID) ([]EarnLot, error)
	// LockLotByTransaction returns the lot created by an EARN entry, or nil.
	LockLotByTransaction(ctx context.Context, id TransactionID) (*EarnLot, error)
	UpdateLot(ctx context.Context, lot EarnLot) error

	AppendEvent(ctx context.Context, event OutboxEvent) error
}

// ActivityQuery counts journal entries of one type for one antifraud scope.
type ActivityQuery struct {
	MerchantID MerchantID
	Type       EntryType
	Scope      Scope
	ScopeValue string
	Since      time.Time
}

// ActivityCounter backs the antifraud limiter.
type ActivityCounter interface {
	CountActivity(ctx context.Context, q ActivityQuery) (int64, error)
}
