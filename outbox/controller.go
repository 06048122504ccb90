/*
Package outbox is the administrative surface over the outbox status
machine, plus the dispatcher side used by the relay.

PURPOSE:
  The ledger appends events inside its own transactions. This package
  never creates events; it lists them, re-queues them, pauses and
  resumes delivery per merchant, reports statistics and exports CSV.

STATUS TRANSITIONS OWNED HERE:
  retry:  any status -> PENDING, nextRetryAt=now, lastError cleared
  pause:  PENDING rows of the merchant -> nextRetryAt=until, lastError=reason
  resume: PENDING rows of the merchant -> nextRetryAt=now, lastError cleared

  Dispatcher (dispatcher.go): PENDING/FAILED due -> SENDING -> SENT,
  SENDING -> FAILED (backoff) or DEAD (retry budget exhausted).

CONCURRENCY:
  Every transition is a conditional row update (status and due time in
  the WHERE clause), so the controller and a running dispatcher can act
  on the same table without coordination.
*/
package outbox

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/warp/loyalty-ledger/export"
	"github.com/warp/loyalty-ledger/ledger"
)

// Filter selects outbox events. Zero fields do not filter.
type Filter struct {
	MerchantID ledger.MerchantID
	ID         ledger.EventID
	Statuses   []ledger.EventStatus
	EventType  ledger.EventType
	Since      *time.Time
	Limit      int
	Offset     int
}

// Stats summarizes a merchant's outbox.
type Stats struct {
	Total       int64                        `json:"total"`
	ByStatus    map[ledger.EventStatus]int64 `json:"byStatus"`
	ByEventType map[ledger.EventType]int64   `json:"byEventType"`
	LastDeadAt  *time.Time                   `json:"lastDeadAt"`
	PausedUntil *time.Time                   `json:"pausedUntil"`
}

// Store is the persistence needed by the Controller.
type Store interface {
	ListEvents(ctx context.Context, f Filter) ([]ledger.OutboxEvent, error)
	// RequeueEvents moves matching events to PENDING due at now and
	// clears lastError. Returns the number of rows changed.
	RequeueEvents(ctx context.Context, f Filter, now time.Time) (int64, error)
	// PauseMerchant atomically stores the pause and reschedules PENDING rows.
	PauseMerchant(ctx context.Context, merchantID ledger.MerchantID, until time.Time, reason string, now time.Time) (int64, error)
	// ResumeMerchant atomically clears the pause and re-arms PENDING rows.
	ResumeMerchant(ctx context.Context, merchantID ledger.MerchantID, now time.Time) (int64, error)
	EventStats(ctx context.Context, merchantID ledger.MerchantID, since *time.Time) (Stats, error)
}

// Controller implements retry, pause, resume, stats and export.
type Controller struct {
	store Store
	now   func() time.Time
}

func NewController(store Store) *Controller {
	return &Controller{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source, for tests.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// List returns events matching f, newest first.
func (c *Controller) List(ctx context.Context, f Filter) ([]ledger.OutboxEvent, error) {
	if f.MerchantID == "" {
		return nil, fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	if err := validateStatuses(f.Statuses); err != nil {
		return nil, err
	}
	return c.store.ListEvents(ctx, f)
}

// RetryOne re-queues a single event.
func (c *Controller) RetryOne(ctx context.Context, merchantID ledger.MerchantID, id ledger.EventID) error {
	if merchantID == "" || id == "" {
		return fmt.Errorf("%w: merchantId and eventId are required", ledger.ErrInvalidInput)
	}
	n, err := c.store.RequeueEvents(ctx, Filter{MerchantID: merchantID, ID: id}, c.now())
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrEventNotFound
	}
	zerolog.Ctx(ctx).Info().Str("merchant_id", string(merchantID)).Str("event_id", string(id)).Msg("outbox event re-queued")
	return nil
}

// RetryAll re-queues every event with the given status. A nil status
// selects FAILED and DEAD events.
func (c *Controller) RetryAll(ctx context.Context, merchantID ledger.MerchantID, status *ledger.EventStatus) (int64, error) {
	return c.RetrySince(ctx, merchantID, status, nil)
}

// RetrySince is RetryAll restricted to events created at or after since.
func (c *Controller) RetrySince(ctx context.Context, merchantID ledger.MerchantID, status *ledger.EventStatus, since *time.Time) (int64, error) {
	if merchantID == "" {
		return 0, fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	statuses := []ledger.EventStatus{ledger.StatusFailed, ledger.StatusDead}
	if status != nil {
		statuses = []ledger.EventStatus{*status}
	}
	if err := validateStatuses(statuses); err != nil {
		return 0, err
	}
	n, err := c.store.RequeueEvents(ctx, Filter{MerchantID: merchantID, Statuses: statuses, Since: since}, c.now())
	if err != nil {
		return 0, err
	}
	zerolog.Ctx(ctx).Info().Str("merchant_id", string(merchantID)).Int64("count", n).Msg("outbox events re-queued")
	return n, nil
}

// Pause holds delivery for the merchant until the given time.
func (c *Controller) Pause(ctx context.Context, merchantID ledger.MerchantID, until time.Time) (int64, error) {
	if merchantID == "" {
		return 0, fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	now := c.now()
	if !until.After(now) {
		return 0, fmt.Errorf("%w: pause must end in the future", ledger.ErrInvalidInput)
	}
	until = until.UTC()
	reason := "Paused by operator until " + until.Format(time.RFC3339)
	n, err := c.store.PauseMerchant(ctx, merchantID, until, reason, now)
	if err != nil {
		return 0, err
	}
	zerolog.Ctx(ctx).Info().Str("merchant_id", string(merchantID)).Time("until", until).Int64("rescheduled", n).Msg("outbox paused")
	return n, nil
}

// Resume clears the pause and makes PENDING events due immediately.
func (c *Controller) Resume(ctx context.Context, merchantID ledger.MerchantID) (int64, error) {
	if merchantID == "" {
		return 0, fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	n, err := c.store.ResumeMerchant(ctx, merchantID, c.now())
	if err != nil {
		return 0, err
	}
	zerolog.Ctx(ctx).Info().Str("merchant_id", string(merchantID)).Int64("rescheduled", n).Msg("outbox resumed")
	return n, nil
}

func (c *Controller) Stats(ctx context.Context, merchantID ledger.MerchantID, since *time.Time) (Stats, error) {
	if merchantID == "" {
		return Stats{}, fmt.Errorf("%w: merchantId is required", ledger.ErrInvalidInput)
	}
	return c.store.EventStats(ctx, merchantID, since)
}

var csvHeader = []string{"id", "eventType", "status", "retries", "nextRetryAt", "lastError", "createdAt"}

// ExportCSV writes matching events as quoted CSV, header first.
func (c *Controller) ExportCSV(ctx context.Context, w io.Writer, f Filter) error {
	events, err := c.List(ctx, f)
	if err != nil {
		return err
	}
	return WriteCSV(w, events)
}

func WriteCSV(w io.Writer, events []ledger.OutboxEvent) error {
	cw := export.NewWriter(w)
	cw.Write(csvHeader...)
	for _, e := range events {
		cw.Write(
			string(e.ID),
			string(e.EventType),
			string(e.Status),
			strconv.Itoa(e.Retries),
			e.NextRetryAt.UTC().Format(time.RFC3339),
			e.LastError,
			e.CreatedAt.UTC().Format(time.RFC3339),
		)
	}
	return cw.Flush()
}

func validateStatuses(statuses []ledger.EventStatus) error {
	for _, s := range statuses {
		if !s.Valid() {
			return fmt.Errorf("%w: unknown outbox status %q", ledger.ErrInvalidInput, s)
		}
	}
	return nil
}
