package service

import (
	"sync"

	"github.com/tkarna/visor/internal/domain"
	"github.com/tkarna/visor/internal/port"
)

// Router is the in-memory subscription registry: it maps target descriptors
// to currently connected delivery handles. Membership is best effort: a
// target with no handles yields zero deliveries, and missed events are not
// replayed on reconnect.
type Router struct {
	mu   sync.RWMutex
	subs map[string]map[port.DeliveryHandle]struct{}
}

func NewRouter() *Router {
	return &Router{subs: make(map[string]map[port.DeliveryHandle]struct{})}
}

func (r *Router) Register(target domain.Target, h port.DeliveryHandle) {
	key := target.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.subs[key]
	if !ok {
		set = make(map[port.DeliveryHandle]struct{})
		r.subs[key] = set
	}
	set[h] = struct{}{}
}

func (r *Router) Unregister(target domain.Target, h port.DeliveryHandle) {
	key := target.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.subs[key]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(r.subs, key)
		}
	}
}

// Resolve returns the live handles for a target. An empty answer is normal.
func (r *Router) Resolve(target domain.Target) []port.DeliveryHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.subs[target.String()]
	if len(set) == 0 {
		return nil
	}
	out := make([]port.DeliveryHandle, 0, len(set))
	for h := range set {
		out = append(out, h)
	}
	return out
}

// Subscribers returns the current handle count for a target.
func (r *Router) Subscribers(target domain.Target) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[target.String()])
}

var _ port.Resolver = (*Router)(nil)
