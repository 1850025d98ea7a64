package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/infrastructure/logger"
	"github.com/tkarna/visor/internal/port"
)

// DispatcherConfig tunes delivery latency versus throughput.
type DispatcherConfig struct {
	BatchSize      int
	Interval       time.Duration
	MaxAttempts    int
	RetryBackoff   domain.Backoff
	DeliverTimeout time.Duration
	// GCAge is how long terminal events are kept for audit before purge.
	GCAge time.Duration
}

// Dispatcher is the durable, priority-ordered delivery queue. Submit
// persists synchronously; a single background loop selects eligible events
// by (priority, created_at, insertion order) and delivers them through the
// resolver, rescheduling transport failures with exponential backoff.
type Dispatcher struct {
	store    port.EventStore
	resolver port.Resolver
	cfg      DispatcherConfig
}

func NewDispatcher(store port.EventStore, resolver port.Resolver, cfg DispatcherConfig) *Dispatcher {
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 64
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 250 * time.Millisecond
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = 5 * time.Second
	}
	if cfg.GCAge <= 0 {
		cfg.GCAge = time.Hour
	}
	return &Dispatcher{store: store, resolver: resolver, cfg: cfg}
}

// Submit persists the event before returning. Re-submitting an already
// known event identifier is a no-op: delivery is at-least-once per state
// change but exactly-once per event identifier.
func (d *Dispatcher) Submit(ev *domain.NotificationEvent) error {
	if ev.ID == "" {
		return fmt.Errorf("event has no identifier")
	}
	err := d.store.Append(ev)
	if errors.Is(err, domain.ErrDuplicateEvent) {
		return nil
	}
	return err
}

// Run drives the delivery loop until ctx ends. Events left in flight by a
// previous run are returned to pending first.
func (d *Dispatcher) Run(ctx context.Context) {
	if n, err := d.store.ResetInFlight(); err != nil {
		logger.Error.Printf("dispatcher: reset in-flight events: %v", err)
	} else if n > 0 {
		logger.Warn.Printf("dispatcher: requeued %d events left in flight by a previous run", n)
	}

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.tick(ctx, time.Now().UTC())
	}
}

func (d *Dispatcher) tick(ctx context.Context, now time.Time) {
	if n, err := d.store.ExpireStale(now); err != nil {
		logger.Error.Printf("dispatcher: expire stale events: %v", err)
	} else if n > 0 {
		logger.Debug.Printf("dispatcher: expired %d stale events", n)
	}

	batch, err := d.store.ClaimEligible(now, d.cfg.BatchSize)
	if err != nil {
		logger.Error.Printf("dispatcher: claim eligible events: %v", err)
		return
	}
	for _, ev := range batch {
		if ctx.Err() != nil {
			return
		}
		d.deliver(ctx, ev, now)
	}

	if _, err := d.store.PurgeTerminal(now.Add(-d.cfg.GCAge)); err != nil {
		logger.Error.Printf("dispatcher: purge terminal events: %v", err)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev *domain.NotificationEvent, now time.Time) {
	handles := d.resolver.Resolve(ev.Target)
	if len(handles) == 0 {
		// Fire and forget: nobody is listening, no retry owed.
		d.mark(ev, d.store.MarkDelivered(ev.ID))
		return
	}

	dctx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
	defer cancel()

	transportFailed := false
	for _, h := range handles {
		err := h.Deliver(dctx, ev)
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrDeliveryTargetUnreachable):
			// Subscriber went away between resolve and write; same as
			// never having been connected.
		default:
			transportFailed = true
			logger.Warn.Printf("dispatcher: event %s to %s: %v", ev.ID, ev.Target, err)
		}
	}

	if !transportFailed {
		d.mark(ev, d.store.MarkDelivered(ev.ID))
		return
	}

	attempts := ev.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		logger.Error.Printf("dispatcher: event %s to %s failed after %d attempts", ev.ID, ev.Target, attempts)
		d.mark(ev, d.store.MarkFailed(ev.ID, "delivery attempts exhausted"))
		return
	}
	next := now.Add(d.cfg.RetryBackoff.Duration(attempts))
	d.mark(ev, d.store.Reschedule(ev.ID, attempts, next))
}

func (d *Dispatcher) mark(ev *domain.NotificationEvent, err error) {
	if err != nil {
		logger.Error.Printf("dispatcher: update event %s: %v", ev.ID, err)
	}
}

// Backlog exposes the dispatcher's observability snapshot.
func (d *Dispatcher) Backlog() (port.EventBacklog, error) {
	return d.store.Backlog(time.Now().UTC())
}
