// Package health provides worker liveness tracking and stall recovery for
// the replay pipeline: a heartbeat registry written by worker goroutines, a
// monitor that classifies heartbeat ages into stall levels, and detached
// cleanup workers that wait on hung workers and intentionally leak their
// resources when the wait expires.
package health

import (
	"sync"
	"time"
)

// WorkerID identifies a worker goroutine in the heartbeat registry.
type WorkerID string

// Registry is a process-wide last-seen-timestamp table keyed by worker id.
// Writes are fire-and-forget from many goroutines; reads come from the
// monitor. Last write wins, no ordering requirement.
type Registry struct {
	mu   sync.RWMutex
	seen map[WorkerID]time.Time
	now  func() time.Time
}

// NewRegistry creates an empty heartbeat registry.
func NewRegistry() *Registry {
	return &Registry{
		seen: make(map[WorkerID]time.Time),
		now:  time.Now,
	}
}

// Beat records that the worker made progress just now.
func (r *Registry) Beat(id WorkerID) {
	now := r.now()
	r.mu.Lock()
	r.seen[id] = now
	r.mu.Unlock()
}

// Age returns how long ago the worker last beat. ok is false when the
// worker has never been seen.
func (r *Registry) Age(id WorkerID) (age time.Duration, ok bool) {
	r.mu.RLock()
	last, ok := r.seen[id]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	return r.now().Sub(last), true
}

// AgeMS returns the heartbeat age in milliseconds, or -1 when the worker
// has never been seen.
func (r *Registry) AgeMS(id WorkerID) int64 {
	age, ok := r.Age(id)
	if !ok {
		return -1
	}
	return age.Milliseconds()
}

// Forget removes a worker from the registry, e.g. when a session ends.
func (r *Registry) Forget(id WorkerID) {
	r.mu.Lock()
	delete(r.seen, id)
	r.mu.Unlock()
}

// setClock overrides the time source. Test hook.
func (r *Registry) setClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}
