package health

import (
	"sync"
	"time"
)

// Leakable is a resource handle that can be detached from normal cleanup.
// MarkLeaked must detach without blocking; after it returns the handle must
// tolerate never being released.
type Leakable interface {
	MarkLeaked()
}

// LeakRecord documents one intentionally leaked handle for post-mortem
// diagnosis.
type LeakRecord struct {
	Worker   WorkerID
	Reason   string
	LeakedAt time.Time
}

// ZombieRegistry tracks handles that were intentionally leaked instead of
// force-released. Owners consult Contains before releasing a handle, which
// makes "never double-released" an explicit property instead of a
// convention.
type ZombieRegistry struct {
	mu      sync.Mutex
	handles map[Leakable]LeakRecord
}

// NewZombieRegistry creates an empty zombie registry.
func NewZombieRegistry() *ZombieRegistry {
	return &ZombieRegistry{handles: make(map[Leakable]LeakRecord)}
}

// Orphan marks the handle as leaked and records it. Calling Orphan twice
// for the same handle keeps the first record.
func (z *ZombieRegistry) Orphan(handle Leakable, worker WorkerID, reason string) {
	if handle == nil {
		return
	}
	z.mu.Lock()
	if _, exists := z.handles[handle]; exists {
		z.mu.Unlock()
		return
	}
	z.handles[handle] = LeakRecord{Worker: worker, Reason: reason, LeakedAt: time.Now()}
	z.mu.Unlock()
	handle.MarkLeaked()
}

// Contains reports whether the handle has been orphaned. A contained handle
// must never be released again.
func (z *ZombieRegistry) Contains(handle Leakable) bool {
	z.mu.Lock()
	defer z.mu.Unlock()
	_, ok := z.handles[handle]
	return ok
}

// Records returns a copy of all leak records.
func (z *ZombieRegistry) Records() []LeakRecord {
	z.mu.Lock()
	defer z.mu.Unlock()
	records := make([]LeakRecord, 0, len(z.handles))
	for _, rec := range z.handles {
		records = append(records, rec)
	}
	return records
}

// Len returns the number of orphaned handles.
func (z *ZombieRegistry) Len() int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return len(z.handles)
}
