package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/warp/loyalty-ledger/ledger"
	"github.com/warp/loyalty-ledger/outbox"
)

const eventColumns = `id, merchant_id, event_type, payload, status, retries, next_retry_at, last_error, created_at, updated_at`

// =============================================================================
// CONTROLLER SIDE (outbox.Store)
// =============================================================================

// eventWhere renders the filter as a WHERE clause. Limit and Offset are
// not part of it.
func eventWhere(f outbox.Filter) (string, []any) {
	conds := []string{"merchant_id = ?"}
	args := []any{f.MerchantID}
	if f.ID != "" {
		conds = append(conds, "id = ?")
		args = append(args, f.ID)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, st)
		}
	}
	if f.EventType != "" {
		conds = append(conds, "event_type = ?")
		args = append(args, f.EventType)
	}
	if f.Since != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*f.Since))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListEvents returns matching events, newest first.
func (s *Store) ListEvents(ctx context.Context, f outbox.Filter) ([]ledger.OutboxEvent, error) {
	where, args := eventWhere(f)
	query := `SELECT ` + eventColumns + ` FROM outbox_events` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = math.MaxInt32
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(f.Offset, 0))
	}
	return s.queryEvents(ctx, s.db, query, args...)
}

// RequeueEvents resets matching events to PENDING due at now.
func (s *Store) RequeueEvents(ctx context.Context, f outbox.Filter, now time.Time) (int64, error) {
	where, args := eventWhere(f)
	ts := formatTime(now)
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outbox_events
		SET status = ?, next_retry_at = ?, last_error = NULL, updated_at = ?`+where),
		append([]any{ledger.StatusPending, ts, ts}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue events: %w", err)
	}
	return rowsAffected(res)
}

// PauseMerchant stores the pause and reschedules PENDING rows in one transaction.
func (s *Store) PauseMerchant(ctx context.Context, merchantID ledger.MerchantID, until time.Time, reason string, now time.Time) (int64, error) {
	var n int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		ts := formatTime(now)
		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO outbox_pauses (merchant_id, paused_until, reason, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (merchant_id) DO UPDATE
			SET paused_until = excluded.paused_until, reason = excluded.reason, updated_at = excluded.updated_at
		`), merchantID, formatTime(until), reason, ts)
		if err != nil {
			return fmt.Errorf("failed to store pause: %w", err)
		}

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE outbox_events
			SET next_retry_at = ?, last_error = ?, updated_at = ?
			WHERE merchant_id = ? AND status = ?
		`), formatTime(until), reason, ts, merchantID, ledger.StatusPending)
		if err != nil {
			return fmt.Errorf("failed to reschedule events: %w", err)
		}
		n, err = rowsAffected(res)
		return err
	})
	return n, err
}

// ResumeMerchant clears the pause and makes PENDING rows due at now.
func (s *Store) ResumeMerchant(ctx context.Context, merchantID ledger.MerchantID, now time.Time) (int64, error) {
	var n int64
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM outbox_pauses WHERE merchant_id = ?`), merchantID); err != nil {
			return fmt.Errorf("failed to clear pause: %w", err)
		}
		ts := formatTime(now)
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE outbox_events
			SET next_retry_at = ?, last_error = NULL, updated_at = ?
			WHERE merchant_id = ? AND status = ?
		`), ts, ts, merchantID, ledger.StatusPending)
		if err != nil {
			return fmt.Errorf("failed to reschedule events: %w", err)
		}
		n, err = rowsAffected(res)
		return err
	})
	return n, err
}

// EventStats counts events by status and by type.
func (s *Store) EventStats(ctx context.Context, merchantID ledger.MerchantID, since *time.Time) (outbox.Stats, error) {
	stats := outbox.Stats{
		ByStatus:    make(map[ledger.EventStatus]int64, len(ledger.AllStatuses)),
		ByEventType: make(map[ledger.EventType]int64),
	}
	for _, st := range ledger.AllStatuses {
		stats.ByStatus[st] = 0
	}

	where, args := eventWhere(outbox.Filter{MerchantID: merchantID, Since: since})

	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT status, event_type, COUNT(*) FROM outbox_events`+where+` GROUP BY status, event_type`), args...)
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to count events: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status    ledger.EventStatus
			eventType ledger.EventType
			count     int64
		)
		if err := rows.Scan(&status, &eventType, &count); err != nil {
			return outbox.Stats{}, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats.ByStatus[status] += count
		stats.ByEventType[eventType] += count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return outbox.Stats{}, err
	}

	var lastDead sql.NullString
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT MAX(updated_at) FROM outbox_events`+where+` AND status = ?`),
		append(args, ledger.StatusDead)...).Scan(&lastDead)
	if err != nil {
		return outbox.Stats{}, fmt.Errorf("failed to load last dead event: %w", err)
	}
	if stats.LastDeadAt, err = parseNullTime(lastDead); err != nil {
		return outbox.Stats{}, err
	}

	var pausedUntil sql.NullString
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT paused_until FROM outbox_pauses WHERE merchant_id = ?`), merchantID).Scan(&pausedUntil)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return outbox.Stats{}, fmt.Errorf("failed to load pause: %w", err)
	}
	if stats.PausedUntil, err = parseNullTime(pausedUntil); err != nil {
		return outbox.Stats{}, err
	}
	return stats, nil
}

// =============================================================================
// DISPATCHER SIDE (outbox.DispatchStore)
// =============================================================================

// ClaimDue flips due PENDING/FAILED rows of merchants that are not paused
// to SENDING, together with SENDING rows whose claim (updated_at) is at or
// before leaseExpiry. On Postgres the candidate rows are locked with
// SKIP LOCKED, so concurrent relays claim disjoint batches.
func (s *Store) ClaimDue(ctx context.Context, now, leaseExpiry time.Time, limit int) ([]ledger.OutboxEvent, error) {
	var claimed []ledger.OutboxEvent
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		claimed = claimed[:0]
		ts := formatTime(now)
		expired := formatTime(leaseExpiry)
		lock := ""
		if s.dialect == DialectPostgres {
			lock = " FOR UPDATE OF e SKIP LOCKED"
		}
		due, err := s.queryEvents(ctx, tx, `
			SELECT e.id, e.merchant_id, e.event_type, e.payload, e.status, e.retries,
			       e.next_retry_at, e.last_error, e.created_at, e.updated_at
			FROM outbox_events e
			WHERE ((e.status IN (?, ?) AND e.next_retry_at <= ?)
			    OR (e.status = ? AND e.updated_at <= ?))
			  AND NOT EXISTS (
				SELECT 1 FROM outbox_pauses p
				WHERE p.merchant_id = e.merchant_id AND p.paused_until > ?
			  )
			ORDER BY e.next_retry_at ASC, e.created_at ASC
			LIMIT ?`+lock,
			ledger.StatusPending, ledger.StatusFailed, ts, ledger.StatusSending, expired, ts, limit)
		if err != nil {
			return err
		}

		for _, ev := range due {
			res, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE outbox_events SET status = ?, updated_at = ?
				WHERE id = ? AND (status IN (?, ?) OR (status = ? AND updated_at <= ?))
			`), ledger.StatusSending, ts, ev.ID, ledger.StatusPending, ledger.StatusFailed, ledger.StatusSending, expired)
			if err != nil {
				return fmt.Errorf("failed to claim event %s: %w", ev.ID, err)
			}
			n, err := rowsAffected(res)
			if err != nil {
				return err
			}
			if n == 0 {
				continue
			}
			ev.Status = ledger.StatusSending
			ev.UpdatedAt = now
			claimed = append(claimed, ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkSent moves a SENDING row to SENT. A row re-queued or paused by an
// operator in the meantime is left alone and reported as not found.
func (s *Store) MarkSent(ctx context.Context, id ledger.EventID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outbox_events SET status = ?, last_error = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`), ledger.StatusSent, formatTime(now), id, ledger.StatusSending)
	if err != nil {
		return fmt.Errorf("failed to mark event sent: %w", err)
	}
	return requireOne(res)
}

// RecordFailure moves a SENDING row to FAILED or DEAD.
func (s *Store) RecordFailure(ctx context.Context, id ledger.EventID, status ledger.EventStatus, retries int, nextRetryAt time.Time, lastError string, now time.Time) error {
	if status != ledger.StatusFailed && status != ledger.StatusDead {
		return fmt.Errorf("%w: cannot record failure as %s", ledger.ErrInvalidInput, status)
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE outbox_events
		SET status = ?, retries = ?, next_retry_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`), status, retries, formatTime(nextRetryAt), nullString(lastError), formatTime(now), id, ledger.StatusSending)
	if err != nil {
		return fmt.Errorf("failed to record delivery failure: %w", err)
	}
	return requireOne(res)
}

// =============================================================================
// TTL SIDE
// =============================================================================

// EventsOfType returns every event of the given type for a merchant.
func (s *Store) EventsOfType(ctx context.Context, merchantID ledger.MerchantID, eventType ledger.EventType) ([]ledger.OutboxEvent, error) {
	return s.queryEvents(ctx, s.db, `
		SELECT `+eventColumns+` FROM outbox_events
		WHERE merchant_id = ? AND event_type = ?
		ORDER BY created_at ASC, id ASC`, merchantID, eventType)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) queryEvents(ctx context.Context, q querier, query string, args ...any) ([]ledger.OutboxEvent, error) {
	rows, err := q.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var events []ledger.OutboxEvent
	for rows.Next() {
		var (
			e                                 ledger.OutboxEvent
			payload                           string
			lastError                         sql.NullString
			nextRetryAt, createdAt, updatedAt string
		)
		if err := rows.Scan(&e.ID, &e.MerchantID, &e.EventType, &payload, &e.Status, &e.Retries,
			&nextRetryAt, &lastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = []byte(payload)
		e.LastError = lastError.String
		if e.NextRetryAt, err = parseTime(nextRetryAt); err != nil {
			return nil, err
		}
		if e.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func requireOne(res sql.Result) error {
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrEventNotFound
	}
	return nil
}
