package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tkarna/visor/internal/domain"
)

func newTestEventQueue(t *testing.T) *EventQueue {
	t.Helper()
	return NewEventQueue(newTestStore(t))
}

func makeEvent(t *testing.T, typ domain.EventType, priority int, ttl time.Duration) *domain.NotificationEvent {
	t.Helper()
	target := domain.Target{Scope: domain.ScopeVideo, ID: "cam1"}
	ev, err := domain.NewEvent(typ, target, priority, map[string]string{"k": "v"}, ttl)
	require.NoError(t, err)
	return ev
}

func TestEventQueue_AppendAssignsSeq(t *testing.T) {
	q := newTestEventQueue(t)

	first := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Hour)
	second := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Hour)

	require.NoError(t, q.Append(first))
	require.NoError(t, q.Append(second))
	assert.Less(t, first.Seq, second.Seq, "insertion order is preserved in seq")
}

func TestEventQueue_AppendRejectsDuplicateID(t *testing.T) {
	q := newTestEventQueue(t)

	ev := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(ev))
	assert.ErrorIs(t, q.Append(ev), domain.ErrDuplicateEvent)
}

func TestEventQueue_ClaimEligibleOrdersAndMarksInFlight(t *testing.T) {
	q := newTestEventQueue(t)

	progress := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Hour)
	failed := makeEvent(t, domain.EventFailed, domain.PriorityFailed, time.Hour)
	completed := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(progress))
	require.NoError(t, q.Append(failed))
	require.NoError(t, q.Append(completed))

	claimed, err := q.ClaimEligible(time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, failed.ID, claimed[0].ID)
	assert.Equal(t, completed.ID, claimed[1].ID)
	assert.Equal(t, progress.ID, claimed[2].ID)
	for _, ev := range claimed {
		assert.Equal(t, domain.EventInFlight, ev.Status)
	}

	// Claimed events are not eligible again.
	again, err := q.ClaimEligible(time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestEventQueue_ClaimHonorsNextRetryAndExpiry(t *testing.T) {
	q := newTestEventQueue(t)
	now := time.Now().UTC()

	future := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Hour)
	require.NoError(t, q.Append(future))
	require.NoError(t, q.Reschedule(future.ID, 1, now.Add(time.Minute)))

	expired := makeEvent(t, domain.EventProgress, domain.PriorityProgress, -time.Minute)
	require.NoError(t, q.Append(expired))

	claimed, err := q.ClaimEligible(now, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "neither a future retry nor an expired event is eligible")
}

func TestEventQueue_RescheduleMakesPendingAgain(t *testing.T) {
	q := newTestEventQueue(t)

	ev := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(ev))

	// NextRetryAt is stamped at event creation, so the claim horizon has to
	// postdate the append.
	now := time.Now().UTC()

	claimed, err := q.ClaimEligible(now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, q.Reschedule(ev.ID, 1, now.Add(-time.Second)))

	claimed, err = q.ClaimEligible(now, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestEventQueue_MarkDeliveredAndFailed(t *testing.T) {
	q := newTestEventQueue(t)

	delivered := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	failed := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(delivered))
	require.NoError(t, q.Append(failed))

	require.NoError(t, q.MarkDelivered(delivered.ID))
	require.NoError(t, q.MarkFailed(failed.ID, "delivery attempts exhausted"))
	assert.ErrorIs(t, q.MarkDelivered("no-such-id"), domain.ErrNotFound)

	backlog, err := q.Backlog(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0, backlog.Pending)
	assert.Equal(t, 1, backlog.FailedTotal)
}

func TestEventQueue_ExpireStale(t *testing.T) {
	q := newTestEventQueue(t)

	stale := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Minute)
	fresh := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Hour)
	require.NoError(t, q.Append(stale))
	require.NoError(t, q.Append(fresh))

	n, err := q.ExpireStale(time.Now().UTC().Add(30 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	backlog, err := q.Backlog(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, backlog.Pending)
	assert.Equal(t, 1, backlog.ExpiredTotal)
}

func TestEventQueue_PurgeTerminal(t *testing.T) {
	q := newTestEventQueue(t)

	old := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(old))
	require.NoError(t, q.MarkDelivered(old.ID))

	pending := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(pending))

	// Only terminal events older than the cutoff go away.
	n, err := q.PurgeTerminal(time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	backlog, err := q.Backlog(time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, backlog.Pending, "pending event survives the purge")
}

func TestEventQueue_BacklogOldestAge(t *testing.T) {
	q := newTestEventQueue(t)

	backlog, err := q.Backlog(time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, backlog.OldestAge, "nothing pending, no age")

	ev := makeEvent(t, domain.EventProgress, domain.PriorityProgress, time.Hour)
	require.NoError(t, q.Append(ev))

	backlog, err = q.Backlog(time.Now().UTC().Add(10 * time.Second))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, backlog.OldestAge, 10*time.Second)
}

func TestEventQueue_ResetInFlightRequeuesClaimed(t *testing.T) {
	q := newTestEventQueue(t)

	ev := makeEvent(t, domain.EventCompleted, domain.PriorityCompleted, time.Hour)
	require.NoError(t, q.Append(ev))

	claimed, err := q.ClaimEligible(time.Now().UTC(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	n, err := q.ResetInFlight()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = q.ClaimEligible(time.Now().UTC(), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "a claim with no outcome becomes eligible again")
	assert.Equal(t, ev.ID, claimed[0].ID)
}
