/*
Package ledger provides the transactional points ledger.

PURPOSE:
  A customer's point balance is a materialized cache of an append-only
  journal. Every mutation (earn, redeem, complimentary accrual, cancel)
  runs inside ONE database transaction that updates the wallet row,
  appends a journal entry, maintains earn lots, evaluates antifraud
  limits and appends an outbox event. Either all of it commits or none.

KEY CONCEPTS IN THIS FILE (types.go):
  - Wallet: one row per (merchant, customer, type) holding the balance
  - JournalEntry: immutable signed movement (EARN, REDEEM, ADJUST)
  - EntryMetadata: typed metadata with a per-type field contract
  - EarnLot: one batch of earned points tracked for expiry accounting

DESIGN PRINCIPLES:
  1. Immutability: entries are never deleted or changed in amount.
     Cancellation appends an ADJUST entry and flags the original.
  2. Integer points: balances are int64, never floats.
  3. Type Safety: distinct ID types for merchants, customers, entries.

SEE ALSO:
  - ledger.go: Wallet Ledger operations
  - lots.go: FIFO lot consumption
  - antifraud.go: Accrual limits
  - outbox.go: Outbox events and typed payloads
  - store.go: Persistence interfaces
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type MerchantID string
type CustomerID string
type TransactionID string
type LotID string
type EventID string

// WalletType distinguishes point pools held by the same customer.
type WalletType string

const WalletPoints WalletType = "POINTS"

// =============================================================================
// WALLET
// =============================================================================

// Wallet holds the current balance for (MerchantID, CustomerID, Type).
// It is mutated only by Service operations, under a row lock.
type Wallet struct {
	ID         string
	MerchantID MerchantID
	CustomerID CustomerID
	Type       WalletType
	Balance    int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// JOURNAL ENTRY
// =============================================================================

type EntryType string

const (
	EntryEarn   EntryType = "EARN"
	EntryRedeem EntryType = "REDEEM"
	EntryAdjust EntryType = "ADJUST"
)

// EarnSource records why points were earned.
type EarnSource string

const (
	SourcePurchase      EarnSource = "purchase"
	SourceManual        EarnSource = "manual"
	SourceComplimentary EarnSource = "complimentary"
)

// JournalEntry is one immutable, signed movement of points.
// Amount is positive for EARN, negative for REDEEM, either for ADJUST.
type JournalEntry struct {
	ID         TransactionID
	MerchantID MerchantID
	CustomerID CustomerID
	Type       EntryType
	Amount     int64
	OrderID    string
	OutletID   string
	DeviceID   string
	StaffID    string
	Comment    string
	Metadata   EntryMetadata
	CreatedAt  time.Time
}

func (e JournalEntry) IsCanceled() bool { return e.Metadata.Canceled }

// LotAllocation records how many points of one lot a movement touched.
// Returned is set on EARN-cancel spills and counts the points handed back
// to the lot when redemptions of the canceled lot were canceled later.
type LotAllocation struct {
	LotID    LotID `json:"lotId"`
	Points   int64 `json:"points"`
	Returned int64 `json:"returned,omitempty"`
}

// EntryMetadata is the typed metadata column of a journal entry.
//
// Contract per entry type:
//   EARN:   Source required. ReversalOf forbidden.
//   REDEEM: Source and ReversalOf forbidden.
//   ADJUST: ReversalOf and CanceledBy required. Never itself canceled.
//
// Canceled originals must carry ReversalID and CanceledBy.
type EntryMetadata struct {
	Source      EarnSource      `json:"source,omitempty"`
	ReceiptID   string          `json:"receiptId,omitempty"`
	Allocations []LotAllocation `json:"allocations,omitempty"`

	Canceled   bool          `json:"canceled,omitempty"`
	CanceledBy string        `json:"canceledBy,omitempty"`
	CanceledAt *time.Time    `json:"canceledAt,omitempty"`
	ReversalID TransactionID `json:"reversalId,omitempty"`

	ReversalOf TransactionID `json:"reversalOf,omitempty"`
}

// Validate checks the metadata against the contract for entry type t.
func (m EntryMetadata) Validate(t EntryType) error {
	switch t {
	case EntryEarn:
		if m.Source == "" {
			return fmt.Errorf("%w: EARN requires source", ErrInvalidMetadata)
		}
		if m.ReversalOf != "" {
			return fmt.Errorf("%w: EARN cannot reverse an entry", ErrInvalidMetadata)
		}
	case EntryRedeem:
		if m.Source != "" || m.ReversalOf != "" {
			return fmt.Errorf("%w: REDEEM carries neither source nor reversalOf", ErrInvalidMetadata)
		}
	case EntryAdjust:
		if m.ReversalOf == "" || m.CanceledBy == "" {
			return fmt.Errorf("%w: ADJUST requires reversalOf and canceledBy", ErrInvalidMetadata)
		}
		if m.Canceled {
			return fmt.Errorf("%w: ADJUST cannot be canceled", ErrInvalidMetadata)
		}
	default:
		return fmt.Errorf("%w: unknown entry type %q", ErrInvalidMetadata, t)
	}
	if m.Canceled && (m.ReversalID == "" || m.CanceledBy == "") {
		return fmt.Errorf("%w: canceled entry requires reversalId and canceledBy", ErrInvalidMetadata)
	}
	for _, a := range m.Allocations {
		if a.LotID == "" || a.Points <= 0 || a.Returned < 0 || a.Returned > a.Points {
			return fmt.Errorf("%w: malformed lot allocation", ErrInvalidMetadata)
		}
	}
	return nil
}

// =============================================================================
// EARN LOT
// =============================================================================

type LotStatus string

const (
	LotActive   LotStatus = "ACTIVE"
	LotConsumed LotStatus = "CONSUMED"
	LotCanceled LotStatus = "CANCELED"
	LotExpired  LotStatus = "EXPIRED"
)

// EarnLot is one batch of earned points subject to expiry.
// Invariant: 0 <= ConsumedPoints <= Points. Lots are never deleted.
type EarnLot struct {
	ID             LotID
	MerchantID     MerchantID
	CustomerID     CustomerID
	TransactionID  TransactionID
	Points         int64
	ConsumedPoints int64
	EarnedAt       time.Time
	ExpiresAt      *time.Time
	Status         LotStatus
}

func (l EarnLot) Remaining() int64 { return l.Points - l.ConsumedPoints }

// =============================================================================
// RESULTS
// =============================================================================

// Result is returned by earn, redeem and complimentary operations.
type Result struct {
	TransactionID TransactionID
	Balance       int64
}

// CancelResult is returned by Cancel.
type CancelResult struct {
	ReversalID TransactionID
	Balance    int64
}

// EntryFilter selects journal entries for listing and export.
type EntryFilter struct {
	MerchantID MerchantID
	CustomerID CustomerID
	Type       EntryType
	Since      *time.Time
	Limit      int
}
