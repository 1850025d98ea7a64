package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// Store is a map-backed JobStore for tests and ephemeral deployments where
// nothing must survive a restart.
type Store struct {
	mu   sync.Mutex
	jobs map[string]*domain.ProcessingJob
}

func NewStore() *Store {
	return &Store{jobs: make(map[string]*domain.ProcessingJob)}
}

func (s *Store) Save(j *domain.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := cloneJob(j)
	s.jobs[j.ID] = cp
	return nil
}

func (s *Store) Get(id string) (*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(j), nil
}

func (s *Store) GetActiveByVideoRef(videoRef string) (*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.VideoRef == videoRef && !j.Stage.IsTerminal() {
			return cloneJob(j), nil
		}
	}
	return nil, nil
}

func (s *Store) Update(j *domain.ProcessingJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return domain.ErrNotFound
	}
	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *Store) ListActive() ([]*domain.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.ProcessingJob
	for _, j := range s.jobs {
		if !j.Stage.IsTerminal() {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func cloneJob(j *domain.ProcessingJob) *domain.ProcessingJob {
	cp := *j
	cp.Attempts = make(map[domain.Stage]int, len(j.Attempts))
	for k, v := range j.Attempts {
		cp.Attempts[k] = v
	}
	return &cp
}

var _ port.JobStore = (*Store)(nil)

// EventQueue is the in-memory EventStore counterpart.
type EventQueue struct {
	mu      sync.Mutex
	events  []*domain.NotificationEvent
	byID    map[string]*domain.NotificationEvent
	nextSeq int64

	failedTotal  int
	expiredTotal int
}

func NewEventQueue() *EventQueue {
	return &EventQueue{byID: make(map[string]*domain.NotificationEvent)}
}

func (q *EventQueue) Append(ev *domain.NotificationEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.byID[ev.ID]; ok {
		return domain.ErrDuplicateEvent
	}
	q.nextSeq++
	cp := *ev
	cp.Seq = q.nextSeq
	ev.Seq = q.nextSeq
	q.events = append(q.events, &cp)
	q.byID[cp.ID] = &cp
	return nil
}

func (q *EventQueue) ClaimEligible(now time.Time, limit int) ([]*domain.NotificationEvent, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var eligible []*domain.NotificationEvent
	for _, ev := range q.events {
		if ev.Status == domain.EventPending && !ev.NextRetryAt.After(now) && ev.ExpiresAt.After(now) {
			eligible = append(eligible, ev)
		}
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	out := make([]*domain.NotificationEvent, 0, len(eligible))
	for _, ev := range eligible {
		ev.Status = domain.EventInFlight
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (q *EventQueue) MarkDelivered(id string) error {
	return q.setStatus(id, domain.EventDelivered)
}

func (q *EventQueue) MarkFailed(id, reason string) error {
	if err := q.setStatus(id, domain.EventFailedOut); err != nil {
		return err
	}
	q.mu.Lock()
	q.failedTotal++
	q.mu.Unlock()
	return nil
}

func (q *EventQueue) setStatus(id string, status domain.EventStatus) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = status
	return nil
}

func (q *EventQueue) Reschedule(id string, attempts int, nextRetryAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	ev, ok := q.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	ev.Status = domain.EventPending
	ev.Attempts = attempts
	ev.NextRetryAt = nextRetryAt
	return nil
}

func (q *EventQueue) ResetInFlight() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ev := range q.events {
		if ev.Status == domain.EventInFlight {
			ev.Status = domain.EventPending
			n++
		}
	}
	return n, nil
}

func (q *EventQueue) ExpireStale(now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, ev := range q.events {
		if !ev.Status.IsTerminal() && !ev.ExpiresAt.After(now) {
			ev.Status = domain.EventExpired
			q.expiredTotal++
			n++
		}
	}
	return n, nil
}

func (q *EventQueue) PurgeTerminal(olderThan time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.events[:0]
	n := 0
	for _, ev := range q.events {
		if ev.Status.IsTerminal() && ev.CreatedAt.Before(olderThan) {
			delete(q.byID, ev.ID)
			n++
			continue
		}
		kept = append(kept, ev)
	}
	q.events = kept
	return n, nil
}

func (q *EventQueue) Backlog(now time.Time) (port.EventBacklog, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	b := port.EventBacklog{FailedTotal: q.failedTotal, ExpiredTotal: q.expiredTotal}
	var oldest time.Time
	for _, ev := range q.events {
		switch ev.Status {
		case domain.EventPending:
			b.Pending++
			if oldest.IsZero() || ev.CreatedAt.Before(oldest) {
				oldest = ev.CreatedAt
			}
		case domain.EventInFlight:
			b.InFlight++
		}
	}
	if !oldest.IsZero() {
		b.OldestAge = now.Sub(oldest)
	}
	return b, nil
}

var _ port.EventStore = (*EventQueue)(nil)
