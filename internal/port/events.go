package port

import (
	"time"

	"github.com/tkarna/visor/internal/domain"
)

// EventBacklog is the dispatcher's observability snapshot.
type EventBacklog struct {
	Pending      int
	OldestAge    time.Duration
	InFlight     int
	FailedTotal  int
	ExpiredTotal int
}

// EventStore is the durable notification queue. Append is the only write
// path for submitters; everything else is driven by the single dispatcher
// loop, so implementations need no cross-writer coordination beyond Append.
type EventStore interface {
	// Append persists a pending event. A previously seen event ID returns
	// domain.ErrDuplicateEvent.
	Append(ev *domain.NotificationEvent) error

	// ClaimEligible marks up to limit eligible pending events in_flight and
	// returns them ordered by (priority asc, created_at asc, seq asc).
	// Eligible means next_retry_at <= now < expires_at.
	ClaimEligible(now time.Time, limit int) ([]*domain.NotificationEvent, error)

	MarkDelivered(id string) error
	MarkFailed(id string, reason string) error

	// Reschedule returns an in-flight event to pending with the bumped
	// attempt count and its next eligibility time.
	Reschedule(id string, attempts int, nextRetryAt time.Time) error

	// ResetInFlight returns every in-flight event to pending and reports how
	// many were touched. The dispatcher calls it once at startup so claims
	// interrupted by a crash are redelivered instead of sitting until expiry.
	ResetInFlight() (int, error)

	// ExpireStale marks every non-terminal event past its expiry as expired
	// and returns how many were touched.
	ExpireStale(now time.Time) (int, error)

	// PurgeTerminal deletes delivered/failed/expired events older than the
	// audit delay and returns how many were removed.
	PurgeTerminal(olderThan time.Time) (int, error)

	Backlog(now time.Time) (EventBacklog, error)
}
