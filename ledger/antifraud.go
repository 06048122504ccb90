/*
antifraud.go - Accrual limits evaluated inside the ledger transaction

SCOPES:
  customer, device, staff, merchant. Each scope reads af.{scope} from the
  merchant settings snapshot:
    limit + windowSec  max operations within the trailing window
    dailyCap           max operations within the trailing 24h
    weeklyCap          max operations within the trailing 7 days

  Counts include the entry appended by the current operation, so a
  breach means "this operation pushed the scope over its limit".
  Scopes whose key is unknown for the operation (no device, no staff)
  are skipped.

BREACH POLICY:
  BreachAlert (default): the mutation commits and one FRAUD outbox event
  per breach is appended in the same transaction for human review.
  BreachBlock: the mutation rolls back with AntifraudBreachError.
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

type Scope string

const (
	ScopeCustomer Scope = "customer"
	ScopeDevice   Scope = "device"
	ScopeStaff    Scope = "staff"
	ScopeMerchant Scope = "merchant"
)

var Scopes = []Scope{ScopeCustomer, ScopeDevice, ScopeStaff, ScopeMerchant}

// BreachPolicy decides what a limit breach does to the mutation.
type BreachPolicy string

const (
	BreachAlert BreachPolicy = "alert"
	BreachBlock BreachPolicy = "block"
)

func (p BreachPolicy) Valid() bool { return p == BreachAlert || p == BreachBlock }

// ScopeContext identifies the actors of one ledger mutation.
type ScopeContext struct {
	MerchantID MerchantID
	CustomerID CustomerID
	DeviceID   string
	StaffID    string
	Type       EntryType
}

func (c ScopeContext) value(scope Scope) string {
	switch scope {
	case ScopeCustomer:
		return string(c.CustomerID)
	case ScopeDevice:
		return c.DeviceID
	case ScopeStaff:
		return c.StaffID
	case ScopeMerchant:
		return string(c.MerchantID)
	}
	return ""
}

// Breach describes one exceeded rule.
type Breach struct {
	Scope      Scope
	ScopeValue string
	Rule       string
	Limit      int64
	Observed   int64
	WindowSec  int64
}

func (b Breach) Reason() string {
	return fmt.Sprintf("%s %s exceeded for %s=%s: %d operations in %ds (limit %d)",
		b.Scope, b.Rule, b.Scope, b.ScopeValue, b.Observed, b.WindowSec, b.Limit)
}

const (
	daySeconds  int64 = 24 * 60 * 60
	weekSeconds int64 = 7 * daySeconds
)

// Limiter evaluates antifraud limits against journal activity.
type Limiter struct{}

// EvaluateAccrualLimits returns every rule the operation breaches.
// It never mutates state; the caller applies the breach policy.
func (l *Limiter) EvaluateAccrualLimits(ctx context.Context, counter ActivityCounter, cfg AntifraudSettings, sc ScopeContext, occurredAt time.Time) ([]Breach, error) {
	var breaches []Breach
	for _, scope := range Scopes {
		limits := cfg.For(scope)
		value := sc.value(scope)
		if !limits.configured() || value == "" {
			continue
		}

		type rule struct {
			name   string
			limit  *int64
			window int64
		}
		rules := []rule{
			{"dailyCap", limits.DailyCap, daySeconds},
			{"weeklyCap", limits.WeeklyCap, weekSeconds},
		}
		if limits.WindowSec != nil && *limits.WindowSec > 0 {
			rules = append([]rule{{"limit", limits.Limit, *limits.WindowSec}}, rules...)
		}

		for _, r := range rules {
			if r.limit == nil {
				continue
			}
			count, err := counter.CountActivity(ctx, ActivityQuery{
				MerchantID: sc.MerchantID,
				Type:       sc.Type,
				Scope:      scope,
				ScopeValue: value,
				Since:      occurredAt.Add(-time.Duration(r.window) * time.Second),
			})
			if err != nil {
				return nil, fmt.Errorf("count %s activity: %w", scope, err)
			}
			if count > *r.limit {
				breaches = append(breaches, Breach{
					Scope:      scope,
					ScopeValue: value,
					Rule:       r.name,
					Limit:      *r.limit,
					Observed:   count,
					WindowSec:  r.window,
				})
			}
		}
	}
	return breaches, nil
}
