package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/metrics"
)

// DispatchStore is the persistence needed by a Dispatcher.
type DispatchStore interface {
	// ClaimDue flips up to limit due PENDING/FAILED events of merchants
	// that are not paused to SENDING and returns them. SENDING events last
	// claimed at or before leaseExpiry are claimed again.
	ClaimDue(ctx context.Context, now, leaseExpiry time.Time, limit int) ([]ledger.OutboxEvent, error)
	// MarkSent moves a SENDING event to SENT.
	MarkSent(ctx context.Context, id ledger.EventID, now time.Time) error
	// RecordFailure moves a SENDING event to status (FAILED or DEAD).
	RecordFailure(ctx context.Context, id ledger.EventID, status ledger.EventStatus, retries int, nextRetryAt time.Time, lastError string, now time.Time) error
}

// RetryPolicy bounds redelivery. Backoff doubles per attempt.
//
// ClaimLease is how long a claimed event may stay SENDING before another
// relay takes it over. It must exceed the publish timeout, otherwise a
// slow but healthy delivery is sent twice.
type RetryPolicy struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	ClaimLease  time.Duration
}

var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:  8,
	BaseBackoff: 5 * time.Second,
	MaxBackoff:  10 * time.Minute,
	ClaimLease:  5 * time.Minute,
}

// Backoff returns the delay before attempt number retries+1.
func (p RetryPolicy) Backoff(retries int) time.Duration {
	d := p.BaseBackoff
	for i := 1; i < retries; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Dispatcher drives the delivery half of the status machine.
type Dispatcher struct {
	store  DispatchStore
	policy RetryPolicy
	now    func() time.Time
}

func NewDispatcher(store DispatchStore, policy RetryPolicy) *Dispatcher {
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultRetryPolicy.MaxRetries
	}
	if policy.BaseBackoff <= 0 {
		policy.BaseBackoff = DefaultRetryPolicy.BaseBackoff
	}
	if policy.ClaimLease <= 0 {
		policy.ClaimLease = DefaultRetryPolicy.ClaimLease
	}
	return &Dispatcher{store: store, policy: policy, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// ClaimDue claims due events, including those whose previous claim
// outlived the lease (a relay that died mid-delivery).
func (d *Dispatcher) ClaimDue(ctx context.Context, limit int) ([]ledger.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	now := d.now()
	return d.store.ClaimDue(ctx, now, now.Add(-d.policy.ClaimLease), limit)
}

func (d *Dispatcher) MarkSent(ctx context.Context, ev ledger.OutboxEvent) error {
	if err := d.store.MarkSent(ctx, ev.ID, d.now()); err != nil {
		return fmt.Errorf("mark %s sent: %w", ev.ID, err)
	}
	metrics.OutboxDeliveries.WithLabelValues("sent").Inc()
	return nil
}

// MarkFailed records a failed delivery and returns the new status:
// FAILED with a scheduled retry, or DEAD once the budget is exhausted.
func (d *Dispatcher) MarkFailed(ctx context.Context, ev ledger.OutboxEvent, cause error) (ledger.EventStatus, error) {
	now := d.now()
	retries := ev.Retries + 1
	status := ledger.StatusFailed
	next := now.Add(d.policy.Backoff(retries))
	if retries >= d.policy.MaxRetries {
		status = ledger.StatusDead
		next = now
	}
	msg := "delivery failed"
	if cause != nil {
		msg = cause.Error()
	}
	if err := d.store.RecordFailure(ctx, ev.ID, status, retries, next, msg, now); err != nil {
		return "", fmt.Errorf("record failure of %s: %w", ev.ID, err)
	}
	metrics.OutboxDeliveries.WithLabelValues(map[ledger.EventStatus]string{
		ledger.StatusFailed: "failed",
		ledger.StatusDead:   "dead",
	}[status]).Inc()
	return status, nil
}
