package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// EventQueue is the durable notification queue backed by the same database
// file as the job store. Append is the only write path for submitters; the
// dispatcher's single loop owns all other mutations.
type EventQueue struct {
	db *sql.DB
}

func NewEventQueue(store *Store) *EventQueue {
	return &EventQueue{db: store.db}
}

const eventColumns = `seq, event_id, event_type, target, priority, payload,
	status, attempts, next_retry_at, expires_at, created_at`

func (q *EventQueue) Append(ev *domain.NotificationEvent) error {
	res, err := q.db.Exec(`INSERT INTO events (event_id, event_type, target,
		priority, payload, status, attempts, next_retry_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Type), ev.Target.String(), ev.Priority, []byte(ev.Payload),
		string(ev.Status), ev.Attempts, ev.NextRetryAt, ev.ExpiresAt, ev.CreatedAt)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrDuplicateEvent
		}
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		ev.Seq = seq
	}
	return nil
}

func (q *EventQueue) ClaimEligible(now time.Time, limit int) ([]*domain.NotificationEvent, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(`SELECT `+eventColumns+` FROM events
		WHERE status = 'pending' AND next_retry_at <= ? AND expires_at > ?
		ORDER BY priority ASC, created_at ASC, seq ASC
		LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, err
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		if _, err := tx.Exec(`UPDATE events SET status = 'in_flight' WHERE event_id = ?`, ev.ID); err != nil {
			return nil, err
		}
		ev.Status = domain.EventInFlight
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return events, nil
}

func (q *EventQueue) MarkDelivered(id string) error {
	return q.setStatus(id, domain.EventDelivered, "")
}

func (q *EventQueue) MarkFailed(id, reason string) error {
	return q.setStatus(id, domain.EventFailedOut, reason)
}

func (q *EventQueue) setStatus(id string, status domain.EventStatus, reason string) error {
	res, err := q.db.Exec(`UPDATE events SET status = ?, failed_reason = ? WHERE event_id = ?`,
		string(status), reason, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

func (q *EventQueue) Reschedule(id string, attempts int, nextRetryAt time.Time) error {
	res, err := q.db.Exec(`UPDATE events SET status = 'pending', attempts = ?, next_retry_at = ?
		WHERE event_id = ?`, attempts, nextRetryAt, id)
	if err != nil {
		return err
	}
	return oneRow(res)
}

// ResetInFlight returns events claimed by a previous process run to pending
// so a crash between claim and outcome does not strand them until expiry.
func (q *EventQueue) ResetInFlight() (int, error) {
	res, err := q.db.Exec(`UPDATE events SET status = 'pending' WHERE status = 'in_flight'`)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *EventQueue) ExpireStale(now time.Time) (int, error) {
	res, err := q.db.Exec(`UPDATE events SET status = 'expired'
		WHERE expires_at <= ? AND status IN ('pending', 'in_flight')`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *EventQueue) PurgeTerminal(olderThan time.Time) (int, error) {
	res, err := q.db.Exec(`DELETE FROM events
		WHERE status IN ('delivered', 'failed', 'expired') AND created_at < ?`, olderThan)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (q *EventQueue) Backlog(now time.Time) (port.EventBacklog, error) {
	var b port.EventBacklog
	row := q.db.QueryRow(`SELECT
		COUNT(CASE WHEN status = 'pending' THEN 1 END),
		COUNT(CASE WHEN status = 'in_flight' THEN 1 END),
		COUNT(CASE WHEN status = 'failed' THEN 1 END),
		COUNT(CASE WHEN status = 'expired' THEN 1 END)
		FROM events`)
	if err := row.Scan(&b.Pending, &b.InFlight, &b.FailedTotal, &b.ExpiredTotal); err != nil {
		return b, err
	}
	// MIN(created_at) loses the column's declared type and scans back as
	// text, so the oldest pending row is read directly.
	var oldest time.Time
	err := q.db.QueryRow(`SELECT created_at FROM events
		WHERE status = 'pending' ORDER BY created_at ASC LIMIT 1`).Scan(&oldest)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return b, err
	default:
		b.OldestAge = now.Sub(oldest)
	}
	return b, nil
}

func scanEvents(rows *sql.Rows) ([]*domain.NotificationEvent, error) {
	defer rows.Close()
	var events []*domain.NotificationEvent
	for rows.Next() {
		var ev domain.NotificationEvent
		var typ, target, status string
		var payload []byte
		err := rows.Scan(&ev.Seq, &ev.ID, &typ, &target, &ev.Priority, &payload,
			&status, &ev.Attempts, &ev.NextRetryAt, &ev.ExpiresAt, &ev.CreatedAt)
		if err != nil {
			return nil, err
		}
		parsed, err := domain.ParseTarget(target)
		if err != nil {
			return nil, fmt.Errorf("event %s: %w", ev.ID, err)
		}
		ev.Type = domain.EventType(typ)
		ev.Target = parsed
		ev.Status = domain.EventStatus(status)
		ev.Payload = payload
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

var _ port.EventStore = (*EventQueue)(nil)
