/*
ledger.go - Wallet Ledger operations

PURPOSE:
  Earn, redeem, complimentary accrual and cancellation. Each operation
  runs as ONE Store.WithTx call:

    1. lock (or get-or-create) the wallet row and re-read its balance
    2. check the balance against the locked value
    3. append the immutable journal entry
    4. create, consume or release earn lots
    5. evaluate antifraud limits
    6. append the outbox event(s)

  Any error aborts the whole transaction. Outbox appends for the
  primary event are never best-effort.

ERROR CHANNELS:
  Ledger writes (wallet, journal, lots, outbox) always propagate.
  The optional post-commit Notifier is ancillary: its failures are
  logged and counted, never returned.

CONFIGURATION SNAPSHOT:
  Merchant settings are read once, before the transaction starts, and
  the same snapshot is used for the whole operation (including retries).
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/warp/loyalty-ledger/metrics"
)

// Notifier receives committed outbox events after the transaction.
type Notifier interface {
	Notify(ctx context.Context, event OutboxEvent) error
}

// ServiceConfig holds the optional collaborators of a Service.
type ServiceConfig struct {
	WalletType      WalletType
	AntifraudPolicy BreachPolicy
	Notifier        Notifier
	Now             func() time.Time
}

// Service implements the Wallet Ledger.
type Service struct {
	store      Store
	settings   SettingsProvider
	limiter    Limiter
	walletType WalletType
	policy     BreachPolicy
	notifier   Notifier
	now        func() time.Time
}

func NewService(store Store, settings SettingsProvider, cfg ServiceConfig) *Service {
	s := &Service{
		store:      store,
		settings:   settings,
		walletType: cfg.WalletType,
		policy:     cfg.AntifraudPolicy,
		notifier:   cfg.Notifier,
		now:        cfg.Now,
	}
	if s.walletType == "" {
		s.walletType = WalletPoints
	}
	if !s.policy.Valid() {
		s.policy = BreachAlert
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// =============================================================================
// REQUESTS
// =============================================================================

// EarnRequest credits Points to a customer. TTLDays overrides the
// merchant's pointsTtlDays; when both are nil no lot is created.
type EarnRequest struct {
	MerchantID MerchantID
	CustomerID CustomerID
	Points     int64
	Source     EarnSource
	TTLDays    *int
	ReceiptID  string
	OutletID   string
	DeviceID   string
	StaffID    string
	Comment    string
}

// AccrueRequest credits points for a purchase. Points are
// floor(Amount * earnBps / 10000) unless ManualPoints is set.
type AccrueRequest struct {
	MerchantID   MerchantID
	CustomerID   CustomerID
	Amount       decimal.Decimal
	ManualPoints *int64
	ReceiptID    string
	OutletID     string
	DeviceID     string
	StaffID      string
}

type RedeemRequest struct {
	MerchantID MerchantID
	CustomerID CustomerID
	Amount     int64
	OrderID    string
	OutletID   string
	DeviceID   string
	StaffID    string
}

// ComplimentaryRequest grants points with an explicit expiry.
// ExpiresInDays == 0 creates a non-expiring lot.
type ComplimentaryRequest struct {
	MerchantID    MerchantID
	CustomerID    CustomerID
	Amount        int64
	ExpiresInDays int
	Comment       string
}

const complimentaryComment = "Complimentary points"

// =============================================================================
// OPERATIONS
// =============================================================================

// Accrue converts a purchase into an EARN.
func (s *Service) Accrue(ctx context.Context, req AccrueRequest) (Result, error) {
	if req.MerchantID == "" || req.CustomerID == "" {
		return Result{}, fmt.Errorf("%w: merchantId and customerId are required", ErrInvalidInput)
	}
	settings, err := s.settings.MerchantSettings(ctx, req.MerchantID)
	if err != nil {
		return Result{}, err
	}

	earn := EarnRequest{
		MerchantID: req.MerchantID,
		CustomerID: req.CustomerID,
		ReceiptID:  req.ReceiptID,
		OutletID:   req.OutletID,
		DeviceID:   req.DeviceID,
		StaffID:    req.StaffID,
	}
	if req.ManualPoints != nil {
		earn.Points = *req.ManualPoints
		earn.Source = SourceManual
	} else {
		if !req.Amount.IsPositive() {
			return Result{}, ErrInvalidAmount
		}
		earn.Points = PointsForPurchase(req.Amount, settings.EarnBps)
		earn.Source = SourcePurchase
	}
	return s.earn(ctx, earn, settings)
}

// PointsForPurchase returns floor(amount * bps / 10000).
func PointsForPurchase(amount decimal.Decimal, bps int64) int64 {
	return amount.Mul(decimal.NewFromInt(bps)).Div(decimal.NewFromInt(10000)).Floor().IntPart()
}

// Earn credits req.Points to the customer's wallet.
func (s *Service) Earn(ctx context.Context, req EarnRequest) (Result, error) {
	if req.MerchantID == "" || req.CustomerID == "" {
		return Result{}, fmt.Errorf("%w: merchantId and customerId are required", ErrInvalidInput)
	}
	settings, err := s.settings.MerchantSettings(ctx, req.MerchantID)
	if err != nil {
		return Result{}, err
	}
	return s.earn(ctx, req, settings)
}

// Complimentary credits points with a lot that always exists and whose
// expiry ignores the merchant TTL configuration.
func (s *Service) Complimentary(ctx context.Context, req ComplimentaryRequest) (Result, error) {
	if req.MerchantID == "" || req.CustomerID == "" {
		return Result{}, fmt.Errorf("%w: merchantId and customerId are required", ErrInvalidInput)
	}
	if req.ExpiresInDays < 0 {
		return Result{}, fmt.Errorf("%w: expiresInDays must be >= 0", ErrInvalidInput)
	}
	settings, err := s.settings.MerchantSettings(ctx, req.MerchantID)
	if err != nil {
		return Result{}, err
	}
	comment := req.Comment
	if comment == "" {
		comment = complimentaryComment
	}
	days := req.ExpiresInDays
	return s.earn(ctx, EarnRequest{
		MerchantID: req.MerchantID,
		CustomerID: req.CustomerID,
		Points:     req.Amount,
		Source:     SourceComplimentary,
		TTLDays:    &days,
		Comment:    comment,
	}, settings)
}

func (s *Service) earn(ctx context.Context, req EarnRequest, settings MerchantSettings) (Result, error) {
	const op = "earn"
	if req.Points <= 0 {
		s.observe(op, ErrInvalidAmount)
		return Result{}, ErrInvalidAmount
	}
	if req.Source == "" {
		req.Source = SourceManual
	}
	ttlDays := settings.PointsTTLDays
	if req.TTLDays != nil {
		ttlDays = req.TTLDays
	}
	if ttlDays != nil && *ttlDays < 0 {
		return Result{}, fmt.Errorf("%w: ttlDays must be >= 0", ErrInvalidInput)
	}

	var (
		result    Result
		committed []OutboxEvent
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		committed = committed[:0]
		now := s.now()

		w, err := tx.LockWallet(ctx, req.MerchantID, req.CustomerID, s.walletType, true)
		if err != nil {
			return fmt.Errorf("lock wallet: %w", err)
		}
		w.Balance += req.Points
		if err := tx.SetWalletBalance(ctx, w.ID, w.Balance, now); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}

		entry := JournalEntry{
			ID:         newTransactionID(),
			MerchantID: req.MerchantID,
			CustomerID: req.CustomerID,
			Type:       EntryEarn,
			Amount:     req.Points,
			OrderID:    req.ReceiptID,
			OutletID:   req.OutletID,
			DeviceID:   req.DeviceID,
			StaffID:    req.StaffID,
			Comment:    req.Comment,
			Metadata:   EntryMetadata{Source: req.Source, ReceiptID: req.ReceiptID},
			CreatedAt:  now,
		}
		if err := s.insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		var expiresAt *time.Time
		if ttlDays != nil {
			lot := EarnLot{
				ID:            LotID(uuid.NewString()),
				MerchantID:    req.MerchantID,
				CustomerID:    req.CustomerID,
				TransactionID: entry.ID,
				Points:        req.Points,
				EarnedAt:      now,
				Status:        LotActive,
			}
			if *ttlDays > 0 {
				t := now.AddDate(0, 0, *ttlDays)
				lot.ExpiresAt = &t
				expiresAt = &t
			}
			if err := tx.InsertLot(ctx, lot); err != nil {
				return fmt.Errorf("insert lot: %w", err)
			}
		}

		alerts, err := s.checkLimits(ctx, tx, settings, entry, req.DeviceID, req.StaffID, now)
		if err != nil {
			return err
		}

		event, err := NewEvent(req.MerchantID, PointsEarnedPayload{
			TransactionID: entry.ID,
			CustomerID:    req.CustomerID,
			Amount:        req.Points,
			Balance:       w.Balance,
			Source:        req.Source,
			ReceiptID:     req.ReceiptID,
			OutletID:      req.OutletID,
			ExpiresAt:     expiresAt,
		}, now)
		if err != nil {
			return err
		}
		if err := s.appendEvents(ctx, tx, append([]OutboxEvent{event}, alerts...)); err != nil {
			return err
		}
		committed = append(committed, event)
		committed = append(committed, alerts...)

		result = Result{TransactionID: entry.ID, Balance: w.Balance}
		return nil
	})
	s.observe(op, err)
	if err != nil {
		return Result{}, err
	}

	metrics.PointsMoved.WithLabelValues(string(EntryEarn)).Add(float64(req.Points))
	zerolog.Ctx(ctx).Debug().
		Str("merchant_id", string(req.MerchantID)).
		Str("customer_id", string(req.CustomerID)).
		Str("transaction_id", string(result.TransactionID)).
		Int64("points", req.Points).
		Int64("balance", result.Balance).
		Msg("points earned")
	s.afterCommit(ctx, committed)
	return result, nil
}

// Redeem debits amount. The balance check happens against the wallet
// row re-read under lock, so concurrent redemptions serialize.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (Result, error) {
	const op = "redeem"
	if req.MerchantID == "" || req.CustomerID == "" {
		return Result{}, fmt.Errorf("%w: merchantId and customerId are required", ErrInvalidInput)
	}
	if req.Amount <= 0 {
		s.observe(op, ErrInvalidAmount)
		return Result{}, ErrInvalidAmount
	}
	settings, err := s.settings.MerchantSettings(ctx, req.MerchantID)
	if err != nil {
		return Result{}, err
	}

	var (
		result    Result
		committed []OutboxEvent
	)
	err = s.store.WithTx(ctx, func(tx Tx) error {
		committed = committed[:0]
		now := s.now()

		w, err := tx.LockWallet(ctx, req.MerchantID, req.CustomerID, s.walletType, false)
		if err != nil {
			return err
		}
		if w.Balance < req.Amount {
			return &InsufficientBalanceError{
				MerchantID: req.MerchantID,
				CustomerID: req.CustomerID,
				Available:  w.Balance,
				Requested:  req.Amount,
			}
		}
		w.Balance -= req.Amount
		if err := tx.SetWalletBalance(ctx, w.ID, w.Balance, now); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}

		allocations, err := consumeLots(ctx, tx, req.MerchantID, req.CustomerID, req.Amount)
		if err != nil {
			return err
		}

		entry := JournalEntry{
			ID:         newTransactionID(),
			MerchantID: req.MerchantID,
			CustomerID: req.CustomerID,
			Type:       EntryRedeem,
			Amount:     -req.Amount,
			OrderID:    req.OrderID,
			OutletID:   req.OutletID,
			DeviceID:   req.DeviceID,
			StaffID:    req.StaffID,
			Metadata:   EntryMetadata{Allocations: allocations},
			CreatedAt:  now,
		}
		if err := s.insertEntry(ctx, tx, entry); err != nil {
			return err
		}

		alerts, err := s.checkLimits(ctx, tx, settings, entry, req.DeviceID, req.StaffID, now)
		if err != nil {
			return err
		}

		event, err := NewEvent(req.MerchantID, PointsRedeemedPayload{
			TransactionID: entry.ID,
			CustomerID:    req.CustomerID,
			Amount:        req.Amount,
			Balance:       w.Balance,
			OrderID:       req.OrderID,
			OutletID:      req.OutletID,
		}, now)
		if err != nil {
			return err
		}
		if err := s.appendEvents(ctx, tx, append([]OutboxEvent{event}, alerts...)); err != nil {
			return err
		}
		committed = append(committed, event)
		committed = append(committed, alerts...)

		result = Result{TransactionID: entry.ID, Balance: w.Balance}
		return nil
	})
	s.observe(op, err)
	if err != nil {
		return Result{}, err
	}

	metrics.PointsMoved.WithLabelValues(string(EntryRedeem)).Add(float64(req.Amount))
	zerolog.Ctx(ctx).Debug().
		Str("merchant_id", string(req.MerchantID)).
		Str("customer_id", string(req.CustomerID)).
		Str("transaction_id", string(result.TransactionID)).
		Int64("points", req.Amount).
		Int64("balance", result.Balance).
		Msg("points redeemed")
	s.afterCommit(ctx, committed)
	return result, nil
}

// Cancel reverses an EARN or REDEEM with a new ADJUST entry and marks
// the original canceled. A second cancel of the same entry fails with
// ErrAlreadyCanceled because the flag is checked under the entry lock.
func (s *Service) Cancel(ctx context.Context, merchantID MerchantID, id TransactionID, actor string) (CancelResult, error) {
	const op = "cancel"
	if merchantID == "" || id == "" || actor == "" {
		return CancelResult{}, fmt.Errorf("%w: merchantId, transactionId and actor are required", ErrInvalidInput)
	}

	var (
		result    CancelResult
		committed []OutboxEvent
		delta     int64
	)
	err := s.store.WithTx(ctx, func(tx Tx) error {
		committed = committed[:0]
		now := s.now()

		orig, err := tx.LockEntry(ctx, merchantID, id)
		if err != nil {
			return err
		}
		if orig.IsCanceled() {
			return ErrAlreadyCanceled
		}
		if orig.Type != EntryEarn && orig.Type != EntryRedeem {
			return ErrNotCancelable
		}

		w, err := tx.LockWallet(ctx, merchantID, orig.CustomerID, s.walletType, false)
		if err != nil {
			return err
		}

		reversal := JournalEntry{
			ID:         newTransactionID(),
			MerchantID: merchantID,
			CustomerID: orig.CustomerID,
			Type:       EntryAdjust,
			OrderID:    orig.OrderID,
			OutletID:   orig.OutletID,
			Comment:    fmt.Sprintf("Cancellation of %s %s", orig.Type, orig.ID),
			Metadata:   EntryMetadata{ReversalOf: orig.ID, CanceledBy: actor},
			CreatedAt:  now,
		}

		switch orig.Type {
		case EntryEarn:
			delta = -orig.Amount
			if w.Balance < orig.Amount {
				return &InsufficientBalanceError{
					MerchantID: merchantID,
					CustomerID: orig.CustomerID,
					Available:  w.Balance,
					Requested:  orig.Amount,
				}
			}
			allocations, err := cancelEarnLot(ctx, tx, orig)
			if err != nil {
				return err
			}
			reversal.Metadata.Allocations = allocations
		case EntryRedeem:
			delta = abs(orig.Amount)
			if err := releaseLots(ctx, tx, merchantID, orig.Metadata.Allocations); err != nil {
				return err
			}
		}

		reversal.Amount = delta
		w.Balance += delta
		if err := tx.SetWalletBalance(ctx, w.ID, w.Balance, now); err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		if err := s.insertEntry(ctx, tx, reversal); err != nil {
			return err
		}

		orig.Metadata.Canceled = true
		orig.Metadata.CanceledBy = actor
		orig.Metadata.CanceledAt = &now
		orig.Metadata.ReversalID = reversal.ID
		if err := orig.Metadata.Validate(orig.Type); err != nil {
			return err
		}
		if err := tx.UpdateEntryMetadata(ctx, orig.ID, orig.Metadata); err != nil {
			return fmt.Errorf("mark %s canceled: %w", orig.ID, err)
		}

		event, err := NewEvent(merchantID, TransactionCanceledPayload{
			TransactionID: orig.ID,
			ReversalID:    reversal.ID,
			CustomerID:    orig.CustomerID,
			OriginalType:  orig.Type,
			Delta:         delta,
			Balance:       w.Balance,
			CanceledBy:    actor,
		}, now)
		if err != nil {
			return err
		}
		if err := s.appendEvents(ctx, tx, []OutboxEvent{event}); err != nil {
			return err
		}
		committed = append(committed, event)

		result = CancelResult{ReversalID: reversal.ID, Balance: w.Balance}
		return nil
	})
	s.observe(op, err)
	if err != nil {
		return CancelResult{}, err
	}

	metrics.PointsMoved.WithLabelValues(string(EntryAdjust)).Add(float64(abs(delta)))
	zerolog.Ctx(ctx).Info().
		Str("merchant_id", string(merchantID)).
		Str("transaction_id", string(id)).
		Str("reversal_id", string(result.ReversalID)).
		Str("actor", actor).
		Int64("delta", delta).
		Msg("transaction canceled")
	s.afterCommit(ctx, committed)
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the wallet balance, 0 for customers without a wallet.
func (s *Service) Balance(ctx context.Context, merchantID MerchantID, customerID CustomerID) (int64, error) {
	w, err := s.store.Wallet(ctx, merchantID, customerID, s.walletType)
	if err != nil {
		if IsNotFound(err) {
			return 0, nil
		}
		return 0, err
	}
	return w.Balance, nil
}

func (s *Service) Transaction(ctx context.Context, merchantID MerchantID, id TransactionID) (JournalEntry, error) {
	return s.store.Entry(ctx, merchantID, id)
}

func (s *Service) Transactions(ctx context.Context, filter EntryFilter) ([]JournalEntry, error) {
	if filter.MerchantID == "" {
		return nil, fmt.Errorf("%w: merchantId is required", ErrInvalidInput)
	}
	return s.store.Entries(ctx, filter)
}

func (s *Service) Lots(ctx context.Context, merchantID MerchantID, customerID CustomerID) ([]EarnLot, error) {
	return s.store.Lots(ctx, merchantID, customerID)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) insertEntry(ctx context.Context, tx Tx, entry JournalEntry) error {
	if err := entry.Metadata.Validate(entry.Type); err != nil {
		return err
	}
	if err := tx.InsertEntry(ctx, entry); err != nil {
		return fmt.Errorf("insert %s entry: %w", entry.Type, err)
	}
	return nil
}

// checkLimits runs the antifraud limiter for a freshly inserted entry
// and applies the breach policy. It returns the FRAUD events to append.
func (s *Service) checkLimits(ctx context.Context, tx Tx, settings MerchantSettings, entry JournalEntry, deviceID, staffID string, now time.Time) ([]OutboxEvent, error) {
	breaches, err := s.limiter.EvaluateAccrualLimits(ctx, tx, settings.Antifraud, ScopeContext{
		MerchantID: entry.MerchantID,
		CustomerID: entry.CustomerID,
		DeviceID:   deviceID,
		StaffID:    staffID,
		Type:       entry.Type,
	}, now)
	if err != nil {
		return nil, fmt.Errorf("antifraud: %w", err)
	}
	if len(breaches) == 0 {
		return nil, nil
	}

	for _, b := range breaches {
		metrics.AntifraudBreaches.WithLabelValues(string(b.Scope), b.Rule).Inc()
		zerolog.Ctx(ctx).Warn().
			Str("merchant_id", string(entry.MerchantID)).
			Str("customer_id", string(entry.CustomerID)).
			Str("scope", string(b.Scope)).
			Str("rule", b.Rule).
			Int64("observed", b.Observed).
			Int64("limit", b.Limit).
			Str("policy", string(s.policy)).
			Msg("antifraud limit exceeded")
	}
	if s.policy == BreachBlock {
		return nil, &AntifraudBreachError{Breaches: breaches}
	}

	alerts := make([]OutboxEvent, 0, len(breaches))
	for _, b := range breaches {
		ev, err := NewEvent(entry.MerchantID, FraudAlertPayload{
			Reason:        b.Reason(),
			Scope:         b.Scope,
			ScopeValue:    b.ScopeValue,
			Rule:          b.Rule,
			Limit:         b.Limit,
			Observed:      b.Observed,
			WindowSec:     b.WindowSec,
			CustomerID:    entry.CustomerID,
			TransactionID: entry.ID,
			EntryType:     entry.Type,
			Points:        abs(entry.Amount),
			ReceiptID:     entry.Metadata.ReceiptID,
			OccurredAt:    now,
		}, now)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, ev)
	}
	return alerts, nil
}

func (s *Service) appendEvents(ctx context.Context, tx Tx, events []OutboxEvent) error {
	for _, ev := range events {
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return fmt.Errorf("append %s outbox event: %w", ev.EventType, err)
		}
	}
	return nil
}

// afterCommit records metrics and calls the notifier. Nothing here may
// fail the operation: the ledger state is already committed.
func (s *Service) afterCommit(ctx context.Context, events []OutboxEvent) {
	for _, ev := range events {
		metrics.OutboxAppended.WithLabelValues(string(ev.EventType)).Inc()
		if s.notifier == nil {
			continue
		}
		if err := s.notifier.Notify(ctx, ev); err != nil {
			metrics.NonFatalErrors.WithLabelValues("notifier").Inc()
			zerolog.Ctx(ctx).Warn().Err(err).
				Bool("nonfatal", true).
				Str("event_id", string(ev.ID)).
				Str("event_type", string(ev.EventType)).
				Msg("post-commit notification failed")
		}
	}
}

func (s *Service) observe(op string, err error) {
	result := "ok"
	switch {
	case err == nil:
	case IsClientError(err):
		result = "invalid"
	case IsConflict(err):
		result = "conflict"
	case IsNotFound(err):
		result = "not_found"
	default:
		result = "error"
	}
	metrics.LedgerOperations.WithLabelValues(op, result).Inc()
}

func newTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
