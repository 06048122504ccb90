package ledger

import (
	"context"
	"fmt"
)

// ScopeLimits configures one antifraud scope. A nil field is unbounded.
type ScopeLimits struct {
	Limit     *int64 `json:"limit"`
	WindowSec *int64 `json:"windowSec"`
	DailyCap  *int64 `json:"dailyCap"`
	WeeklyCap *int64 `json:"weeklyCap"`
}

func (l ScopeLimits) configured() bool {
	return l.Limit != nil || l.DailyCap != nil || l.WeeklyCap != nil
}

func (l ScopeLimits) validate(scope Scope) error {
	for name, v := range map[string]*int64{
		"limit": l.Limit, "windowSec": l.WindowSec, "dailyCap": l.DailyCap, "weeklyCap": l.WeeklyCap,
	} {
		if v != nil && *v < 0 {
			return fmt.Errorf("%w: af.%s.%s must be non-negative", ErrInvalidInput, scope, name)
		}
	}
	return nil
}

// AntifraudSettings holds the af.{scope} configuration blocks.
type AntifraudSettings struct {
	Customer ScopeLimits `json:"customer"`
	Device   ScopeLimits `json:"device"`
	Staff    ScopeLimits `json:"staff"`
	Merchant ScopeLimits `json:"merchant"`
}

func (a AntifraudSettings) For(scope Scope) ScopeLimits {
	switch scope {
	case ScopeCustomer:
		return a.Customer
	case ScopeDevice:
		return a.Device
	case ScopeStaff:
		return a.Staff
	case ScopeMerchant:
		return a.Merchant
	}
	return ScopeLimits{}
}

// MerchantSettings is the read-only configuration snapshot of a merchant.
// It is fetched once at the start of an operation and never re-read
// inside the transaction.
type MerchantSettings struct {
	// EarnBps is the accrual rate in basis points of the purchase amount.
	EarnBps int64 `json:"earnBps"`
	// PointsTTLDays enables earn lots. Nil disables them, 0 means non-expiring lots.
	PointsTTLDays *int              `json:"pointsTtlDays"`
	Antifraud     AntifraudSettings `json:"af"`
}

func (s MerchantSettings) Validate() error {
	if s.EarnBps < 0 {
		return fmt.Errorf("%w: earnBps must be non-negative", ErrInvalidInput)
	}
	if s.PointsTTLDays != nil && *s.PointsTTLDays < 0 {
		return fmt.Errorf("%w: pointsTtlDays must be non-negative", ErrInvalidInput)
	}
	for _, scope := range Scopes {
		if err := s.Antifraud.For(scope).validate(scope); err != nil {
			return err
		}
	}
	return nil
}

// SettingsProvider returns the current settings snapshot of a merchant.
// Returns ErrMerchantNotFound for unknown merchants.
type SettingsProvider interface {
	MerchantSettings(ctx context.Context, merchantID MerchantID) (MerchantSettings, error)
}
