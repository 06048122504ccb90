/*
errors.go - Centralized error types for the points ledger

ERROR CATEGORIES:
  1. Validation - rejected before any mutation (client-correctable)
  2. Conflict   - rejected after an authoritative re-read inside the tx
  3. Not found  - referenced merchant, wallet, entry or event is missing
  4. Retryable  - datastore conflicts that exhausted the retry budget

USAGE:
    if errors.Is(err, ledger.ErrInsufficientBalance) { ... }
    var ib *ledger.InsufficientBalanceError
    if errors.As(err, &ib) { log ib.Available }
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrInvalidAmount   = errors.New("amount must be positive")
	ErrInvalidInput    = errors.New("invalid input")
	ErrInvalidMetadata = errors.New("invalid entry metadata")
	ErrInvalidPayload  = errors.New("invalid event payload")

	// Not found
	ErrMerchantNotFound    = errors.New("merchant not found")
	ErrWalletNotFound      = errors.New("wallet not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrEventNotFound       = errors.New("outbox event not found")

	// Conflict
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrAlreadyCanceled     = errors.New("transaction already canceled")
	ErrNotCancelable       = errors.New("only EARN and REDEEM transactions can be canceled")
	ErrDuplicateReceipt    = errors.New("receipt already accrued")
	ErrAntifraudBlocked    = errors.New("antifraud limit exceeded")

	// ErrCorruptRecord marks a stored row that cannot be decoded. It is a
	// server fault and matches none of the client classes.
	ErrCorruptRecord = errors.New("corrupt stored record")

	// ErrConcurrentModification is returned when the datastore kept aborting
	// the transaction (serialization failure, deadlock, busy) past the retry budget.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError is returned when a redeem or an EARN clawback
// exceeds the balance seen by the locked re-read.
type InsufficientBalanceError struct {
	MerchantID MerchantID
	CustomerID CustomerID
	Available  int64
	Requested  int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error { return ErrInsufficientBalance }

// AntifraudBreachError is returned when the block policy is active and
// at least one scope limit was exceeded.
type AntifraudBreachError struct {
	Breaches []Breach
}

func (e *AntifraudBreachError) Error() string {
	if len(e.Breaches) == 0 {
		return ErrAntifraudBlocked.Error()
	}
	return fmt.Sprintf("%s: %s", ErrAntifraudBlocked, e.Breaches[0].Reason())
}

func (e *AntifraudBreachError) Unwrap() error { return ErrAntifraudBlocked }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError reports whether the request itself was invalid.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidMetadata) ||
		errors.Is(err, ErrInvalidPayload)
}

// IsConflict reports whether the request lost against current state.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyCanceled) ||
		errors.Is(err, ErrNotCancelable) ||
		errors.Is(err, ErrDuplicateReceipt) ||
		errors.Is(err, ErrAntifraudBlocked)
}

// IsNotFound reports whether a referenced record is missing.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMerchantNotFound) ||
		errors.Is(err, ErrWalletNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrEventNotFound)
}

// IsRetryable reports whether the caller may retry the whole operation.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
